package config

import (
	"fmt"

	"github.com/holiman/uint256"
)

// OrderAmounts are the parsed order size bounds. Nil selects the engine
// default.
type OrderAmounts struct {
	Min *uint256.Int
	Max *uint256.Int
}

// Amounts parses min_order_amount and max_order_amount, given as base-10
// integers in 18-decimal share units.
func (m MatchingConfig) Amounts() (OrderAmounts, error) {
	var out OrderAmounts
	var err error
	if out.Min, err = parseAmount("min_order_amount", m.MinOrderAmount); err != nil {
		return OrderAmounts{}, err
	}
	if out.Max, err = parseAmount("max_order_amount", m.MaxOrderAmount); err != nil {
		return OrderAmounts{}, err
	}
	if out.Min != nil && out.Max != nil && out.Min.Gt(out.Max) {
		return OrderAmounts{}, fmt.Errorf("matching: min_order_amount %s exceeds max_order_amount %s", out.Min.Dec(), out.Max.Dec())
	}
	return out, nil
}

func parseAmount(name, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("matching: %s %q: %v", name, s, err)
	}
	return v, nil
}
