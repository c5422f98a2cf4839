package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// BookKey identifies one order book: a market and one of its outcomes.
type BookKey struct {
	MarketKey    string `json:"marketKey"`
	OutcomeIndex int    `json:"outcomeIndex"`
}

// String renders the key as "market:outcome".
func (k BookKey) String() string {
	return k.MarketKey + ":" + strconv.Itoa(k.OutcomeIndex)
}

// ParseBookKey is the inverse of BookKey.String. Market keys may contain
// colons themselves (e.g. "80002:17"), so the outcome is taken after the last
// one.
func ParseBookKey(s string) (BookKey, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return BookKey{}, fmt.Errorf("invalid book key %q", s)
	}
	outcome, err := strconv.Atoi(s[i+1:])
	if err != nil || outcome < 0 {
		return BookKey{}, fmt.Errorf("invalid book key %q", s)
	}
	return BookKey{MarketKey: s[:i], OutcomeIndex: outcome}, nil
}

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price      *uint256.Int `json:"price"`
	Quantity   *uint256.Int `json:"quantity"`
	OrderCount int          `json:"orderCount"`
}

// BookDepth lists aggregated levels best-first on each side.
type BookDepth struct {
	Book BookKey      `json:"book"`
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// BookStats summarises top of book and activity. BestBid, BestAsk, Spread and
// LastTradePrice are nil when undefined.
type BookStats struct {
	Book           BookKey      `json:"book"`
	BestBid        *uint256.Int `json:"bestBid"`
	BestAsk        *uint256.Int `json:"bestAsk"`
	Spread         *uint256.Int `json:"spread"`
	BidDepth       *uint256.Int `json:"bidDepth"`
	AskDepth       *uint256.Int `json:"askDepth"`
	LastTradePrice *uint256.Int `json:"lastTradePrice"`
	Volume24h      *uint256.Int `json:"volume24h"`
	RestingOrders  int          `json:"restingOrders"`
}

// Exposure is a maker's resting notional in one book, in micro-USDC.
type Exposure struct {
	Long  *uint256.Int
	Short *uint256.Int
}

// Snapshot is a point-in-time copy of one book. Orders are listed in
// price-time order per side so that restoring them in sequence reproduces
// queue positions.
type Snapshot struct {
	Book              BookKey      `json:"book"`
	SequenceWatermark uint64       `json:"sequenceWatermark"`
	Bids              []*Order     `json:"bids"`
	Asks              []*Order     `json:"asks"`
	LastTradePrice    *uint256.Int `json:"lastTradePrice,omitempty"`
	Volume24h         *uint256.Int `json:"volume24h"`
	VolumeWindowStart time.Time    `json:"volumeWindowStart"`
	TakenAt           time.Time    `json:"takenAt"`
}
