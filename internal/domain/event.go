package domain

import "time"

// EventType enumerates event log deltas.
type EventType string

const (
	EventOrderPlaced   EventType = "order_placed"
	EventOrderMatched  EventType = "order_matched"
	EventOrderCanceled EventType = "order_canceled"
	EventOrderExpired  EventType = "order_expired"
)

// Cancel reasons recorded on order_canceled entries.
const (
	ReasonUserCanceled      = "user_canceled"
	ReasonUnfilledRemainder = "unfilled_remainder"
	ReasonMarketClosed      = "market_closed"
)

// EventEntry is one immutable state delta. Sequences are strictly increasing
// within a book. Exactly one of Order, Match or OrderID is meaningful,
// depending on Type.
type EventEntry struct {
	Sequence uint64    `json:"sequence"`
	Type     EventType `json:"type"`
	Book     BookKey   `json:"book"`
	Order    *Order    `json:"order,omitempty"`
	Match    *Match    `json:"match,omitempty"`
	OrderID  string    `json:"orderId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// CommitBatch is the unit of durability for one book mutation: order rows to
// upsert, matches to insert and the event log entries describing them.
type CommitBatch struct {
	Book    BookKey
	Orders  []*Order
	Matches []*Match
	Events  []EventEntry
}

// LastSequence returns the highest event sequence in the batch.
func (b *CommitBatch) LastSequence() uint64 {
	var last uint64
	for _, e := range b.Events {
		if e.Sequence > last {
			last = e.Sequence
		}
	}
	return last
}

// MarketEvent is the envelope published to external consumers after commit.
type MarketEvent struct {
	Type    string    `json:"type"`
	Book    BookKey   `json:"book"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Published market event types.
const (
	MarketEventOrderPlaced   = "order_placed"
	MarketEventOrderCanceled = "order_canceled"
	MarketEventOrderUpdated  = "order_updated"
	MarketEventTrade         = "trade"
	MarketEventDepth         = "depth_update"
	MarketEventStats         = "stats_update"
)
