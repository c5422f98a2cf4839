package matching

import (
	"context"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/orderbook"
)

const publishTimeout = 2 * time.Second

type orderCanceledPayload struct {
	OrderID string `json:"orderId"`
	Maker   string `json:"maker"`
	Reason  string `json:"reason"`
}

type orderUpdatedPayload struct {
	OrderID   string             `json:"orderId"`
	Maker     string             `json:"maker"`
	Remaining *uint256.Int       `json:"remaining"`
	Status    domain.OrderStatus `json:"status"`
}

// submitEvents lists the market events of one committed submission in the
// order consumers should see them.
func submitEvents(o *domain.Order, result *domain.SubmitResult, p *plan, now time.Time) []domain.MarketEvent {
	key := o.Book()
	events := []domain.MarketEvent{{Type: domain.MarketEventOrderPlaced, Book: key, Payload: o.Clone(), Time: now}}

	for _, s := range p.steps {
		if s.expire {
			events = append(events, domain.MarketEvent{
				Type: domain.MarketEventOrderCanceled, Book: key, Time: now,
				Payload: orderCanceledPayload{OrderID: s.maker.ID, Maker: s.maker.Maker, Reason: string(domain.EventOrderExpired)},
			})
		}
	}
	fills := make(map[string]step, len(p.steps))
	for _, s := range p.steps {
		if !s.expire {
			fills[s.maker.ID] = s
		}
	}
	for _, m := range result.Matches {
		events = append(events, domain.MarketEvent{Type: domain.MarketEventTrade, Book: key, Payload: m, Time: now})
		s := fills[m.MakerOrderID]
		next := domain.SubClamp(s.maker.Remaining, s.amount)
		status := domain.OrderStatusPartiallyFilled
		if next.IsZero() {
			status = domain.OrderStatusFilled
		}
		events = append(events, domain.MarketEvent{
			Type: domain.MarketEventOrderUpdated, Book: key, Time: now,
			Payload: orderUpdatedPayload{OrderID: m.MakerOrderID, Maker: m.Maker, Remaining: next, Status: status},
		})
	}
	if !result.Unfilled.IsZero() {
		events = append(events, domain.MarketEvent{
			Type: domain.MarketEventOrderCanceled, Book: key, Time: now,
			Payload: orderCanceledPayload{OrderID: o.ID, Maker: o.Maker, Reason: domain.ReasonUnfilledRemainder},
		})
	}
	return events
}

// publish appends depth and stats for book and hands everything to the
// publisher. The state is already durable, so failures are only logged.
func (e *Engine) publish(ctx context.Context, book *orderbook.Book, events []domain.MarketEvent) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	now := e.now()
	events = append(events,
		domain.MarketEvent{Type: domain.MarketEventDepth, Book: book.Key(), Payload: book.Depth(e.cfg.DepthLevels), Time: now},
		domain.MarketEvent{Type: domain.MarketEventStats, Book: book.Key(), Payload: book.Stats(), Time: now},
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, events); err != nil {
		e.logger.WarnContext(ctx, "matching: publish events failed",
			slog.String("book", book.Key().String()),
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
	}
}
