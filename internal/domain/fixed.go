package domain

import (
	"math"

	"github.com/holiman/uint256"
)

const (
	// PriceScale is the number of price units per 1 USDC (micro-USDC).
	PriceScale = 1_000_000
	// MaxPrice is the highest representable probability price, 1 USDC.
	MaxPrice = PriceScale
)

// ShareScale is the 18-decimal unit of one outcome share.
var ShareScale = uint256.NewInt(1_000_000_000_000_000_000)

// Notional returns amount*price/1e18 in micro-USDC, truncated.
func Notional(amount, price *uint256.Int) *uint256.Int {
	if amount == nil || price == nil || amount.IsZero() || price.IsZero() {
		return new(uint256.Int)
	}
	out := new(uint256.Int).Mul(amount, price)
	return out.Div(out, ShareScale)
}

// FeeFor returns notional*bps/10000.
func FeeFor(notional *uint256.Int, bps int) *uint256.Int {
	if bps <= 0 || notional == nil {
		return new(uint256.Int)
	}
	out := new(uint256.Int).Mul(notional, uint256.NewInt(uint64(bps)))
	return out.Div(out, uint256.NewInt(10_000))
}

// USDCToMicro converts a USDC amount expressed in whole units to micro-USDC,
// flooring fractions. Non-positive and non-finite inputs yield zero.
func USDCToMicro(usdc float64) *uint256.Int {
	if math.IsNaN(usdc) || math.IsInf(usdc, 0) || usdc <= 0 {
		return new(uint256.Int)
	}
	return uint256.NewInt(uint64(math.Floor(usdc * PriceScale)))
}

// MinInt returns a copy of the smaller of a and b.
func MinInt(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SubClamp returns a-b, or zero when b exceeds a.
func SubClamp(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}
