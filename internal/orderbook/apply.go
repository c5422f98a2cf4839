package orderbook

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Apply replays one event log entry. Entries at or below the watermark are
// ignored, which makes replay idempotent. No risk or crossing checks run:
// the entry was validated when it was first committed.
func (b *Book) Apply(e domain.EventEntry) (bool, error) {
	if e.Sequence <= b.watermark {
		return false, nil
	}
	if e.Book != b.key {
		return false, fmt.Errorf("orderbook: apply seq %d for %s to %s: %w", e.Sequence, e.Book, b.key, errWrongBook)
	}

	switch e.Type {
	case domain.EventOrderPlaced:
		if e.Order == nil {
			return false, fmt.Errorf("orderbook: apply seq %d: placed entry without order", e.Sequence)
		}
		if e.Order.Remaining != nil && !e.Order.Remaining.IsZero() {
			if err := b.Add(e.Order); err != nil {
				return false, fmt.Errorf("orderbook: apply seq %d: %w", e.Sequence, err)
			}
		}
	case domain.EventOrderMatched:
		m := e.Match
		if m == nil {
			return false, fmt.Errorf("orderbook: apply seq %d: matched entry without match", e.Sequence)
		}
		// The maker is resting; the taker is resting too during replay
		// because its placed entry precedes its matches.
		b.Fill(m.MakerOrderID, m.Amount)
		b.Fill(m.TakerOrderID, m.Amount)
		b.RecordTrade(m.Price, m.Amount, m.Timestamp)
	case domain.EventOrderCanceled, domain.EventOrderExpired:
		b.Remove(e.OrderID)
	default:
		return false, fmt.Errorf("orderbook: apply seq %d: unknown event type %q", e.Sequence, e.Type)
	}

	b.watermark = e.Sequence
	return true, nil
}

func sortBySequence(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Sequence < orders[j].Sequence
	})
}
