package postgres

import (
	"fmt"

	"github.com/holiman/uint256"
)

// dec renders a fixed-point value for a NUMERIC parameter. Nil is zero.
func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

// parseNumeric reads a NUMERIC column selected as ::text.
func parseNumeric(col, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", col, s, err)
	}
	return v, nil
}
