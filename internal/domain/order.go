package domain

import (
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the counter side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// TimeInForce controls what happens to the unfilled remainder of an order.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceFAK TimeInForce = "FAK" // Fill-And-Kill, same as IOC
	TimeInForceFOK TimeInForce = "FOK" // Fill-Or-Kill
)

// ParseTimeInForce normalises a client supplied policy. Empty means GTC.
func ParseTimeInForce(s string) (TimeInForce, bool) {
	switch TimeInForce(strings.ToUpper(strings.TrimSpace(s))) {
	case "", TimeInForceGTC:
		return TimeInForceGTC, true
	case TimeInForceIOC:
		return TimeInForceIOC, true
	case TimeInForceFAK:
		return TimeInForceFAK, true
	case TimeInForceFOK:
		return TimeInForceFOK, true
	}
	return "", false
}

// Rests reports whether a residual may be inserted into the book.
func (t TimeInForce) Rests() bool {
	return t == "" || t == TimeInForceGTC
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Live reports whether an order in this status may rest in a book.
func (s OrderStatus) Live() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// Order is a signed limit order. Price is micro-USDC per share, Amount and
// Remaining are 18-decimal share quantities.
type Order struct {
	ID                string       `json:"id"`
	MarketKey         string       `json:"marketKey"`
	OutcomeIndex      int          `json:"outcomeIndex"`
	ChainID           int64        `json:"chainId"`
	VerifyingContract string       `json:"verifyingContract"`
	Maker             string       `json:"maker"`
	Side              OrderSide    `json:"side"`
	Price             *uint256.Int `json:"price"`
	Amount            *uint256.Int `json:"amount"`
	Remaining         *uint256.Int `json:"remaining"`
	Salt              string       `json:"salt"`
	Expiry            int64        `json:"expiry"` // unix seconds, 0 = never
	Signature         string       `json:"signature"`
	TimeInForce       TimeInForce  `json:"timeInForce"`
	PostOnly          bool         `json:"postOnly,omitempty"`
	Sequence          uint64       `json:"sequence"`
	Status            OrderStatus  `json:"status"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// OrderID derives the canonical order id from maker and salt.
func OrderID(maker, salt string) string {
	return strings.ToLower(maker) + "-" + salt
}

// Book returns the key of the book the order belongs to.
func (o *Order) Book() BookKey {
	return BookKey{MarketKey: o.MarketKey, OutcomeIndex: o.OutcomeIndex}
}

// IsBuy is shorthand for Side == OrderSideBuy.
func (o *Order) IsBuy() bool {
	return o.Side == OrderSideBuy
}

// ExpiredAt reports whether the order has an expiry at or before now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return o.Expiry > 0 && now.Unix() >= o.Expiry
}

// Clone returns a deep copy so that book-owned orders never alias caller state.
func (o *Order) Clone() *Order {
	c := *o
	c.Price = cloneInt(o.Price)
	c.Amount = cloneInt(o.Amount)
	c.Remaining = cloneInt(o.Remaining)
	return &c
}

// FillStatus derives the status implied by the remaining amount.
func (o *Order) FillStatus() OrderStatus {
	switch {
	case o.Remaining == nil || o.Remaining.IsZero():
		return OrderStatusFilled
	case o.Amount != nil && o.Remaining.Lt(o.Amount):
		return OrderStatusPartiallyFilled
	default:
		return OrderStatusOpen
	}
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return nil
	}
	return x.Clone()
}
