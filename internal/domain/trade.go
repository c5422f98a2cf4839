package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// Match is an immutable execution between an incoming taker and a resting
// maker. Price is always the maker's resting price.
type Match struct {
	ID           string       `json:"id"`
	Book         BookKey      `json:"book"`
	TakerOrderID string       `json:"takerOrderId"`
	MakerOrderID string       `json:"makerOrderId"`
	Taker        string       `json:"taker"`
	Maker        string       `json:"maker"`
	TakerSide    OrderSide    `json:"takerSide"`
	Price        *uint256.Int `json:"price"`
	Amount       *uint256.Int `json:"amount"`
	TakerFee     *uint256.Int `json:"takerFee"`
	MakerFee     *uint256.Int `json:"makerFee"`
	Sequence     uint64       `json:"sequence"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Notional is the executed value in micro-USDC.
func (m *Match) Notional() *uint256.Int {
	return Notional(m.Amount, m.Price)
}

// SubmitResult is returned to the caller once a submission is durable.
// RemainingOrder is nil when nothing rests.
type SubmitResult struct {
	Order          *Order   `json:"order"`
	Matches        []*Match `json:"matches"`
	RemainingOrder *Order   `json:"remainingOrder"`
	// Unfilled is the residual discarded by IOC/FAK/FOK, zero otherwise.
	Unfilled *uint256.Int `json:"unfilled"`
}

// MatchedAmount sums the executed amounts.
func (r *SubmitResult) MatchedAmount() *uint256.Int {
	total := new(uint256.Int)
	for _, m := range r.Matches {
		total.Add(total, m.Amount)
	}
	return total
}

// CancelResult reports whether an order was pulled from the book.
type CancelResult struct {
	OrderID  string `json:"orderId"`
	Canceled bool   `json:"canceled"`
	// Resting is false when the order was already gone from the live book.
	Resting bool `json:"resting"`
}
