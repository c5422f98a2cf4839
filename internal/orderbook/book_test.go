package orderbook

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

var testKey = domain.BookKey{MarketKey: "80002:1", OutcomeIndex: 0}

func shares(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), domain.ShareScale)
}

func newOrder(id, maker string, side domain.OrderSide, price, qty uint64, seq uint64) *domain.Order {
	return &domain.Order{
		ID:           id,
		MarketKey:    testKey.MarketKey,
		OutcomeIndex: testKey.OutcomeIndex,
		Maker:        maker,
		Side:         side,
		Price:        uint256.NewInt(price),
		Amount:       shares(qty),
		Remaining:    shares(qty),
		Sequence:     seq,
		Status:       domain.OrderStatusOpen,
	}
}

func TestBookAddRemoveKeepsLevelTotals(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("a", "0xa", domain.OrderSideBuy, 600000, 10, 1)))
	require.NoError(t, b.Add(newOrder("b", "0xb", domain.OrderSideBuy, 600000, 5, 2)))
	require.NoError(t, b.Add(newOrder("c", "0xc", domain.OrderSideBuy, 590000, 1, 3)))

	d := b.Depth(0)
	require.Len(t, d.Bids, 2)
	assert.Equal(t, uint64(600000), d.Bids[0].Price.Uint64())
	assert.Equal(t, shares(15), d.Bids[0].Quantity)
	assert.Equal(t, 2, d.Bids[0].OrderCount)

	_, ok := b.Remove("a")
	require.True(t, ok)
	d = b.Depth(0)
	assert.Equal(t, shares(5), d.Bids[0].Quantity)
	assert.Equal(t, 1, d.Bids[0].OrderCount)

	_, ok = b.Remove("b")
	require.True(t, ok)
	d = b.Depth(0)
	require.Len(t, d.Bids, 1, "empty level must be dropped")
	assert.Equal(t, uint64(590000), d.Bids[0].Price.Uint64())

	_, ok = b.Remove("missing")
	assert.False(t, ok)
}

func TestBookReAddReplacesAndAdjustsTotal(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("a", "0xa", domain.OrderSideSell, 400000, 10, 1)))
	require.NoError(t, b.Add(newOrder("b", "0xb", domain.OrderSideSell, 400000, 10, 2)))

	smaller := newOrder("a", "0xa", domain.OrderSideSell, 400000, 4, 1)
	require.NoError(t, b.Add(smaller))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, shares(14), b.Depth(0).Asks[0].Quantity)

	best, ok := b.BestCounterOrder(domain.OrderSideBuy, "")
	require.True(t, ok)
	assert.Equal(t, "a", best.ID, "same-price replace keeps queue position")

	moved := newOrder("a", "0xa", domain.OrderSideSell, 410000, 4, 1)
	require.NoError(t, b.Add(moved))
	d := b.Depth(0)
	require.Len(t, d.Asks, 2)
	assert.Equal(t, shares(10), d.Asks[0].Quantity)
	assert.Equal(t, shares(4), d.Asks[1].Quantity)
}

func TestBookRejectsEmptyOrder(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	o := newOrder("a", "0xa", domain.OrderSideBuy, 1, 1, 1)
	o.Remaining = new(uint256.Int)
	assert.Error(t, b.Add(o))
	assert.Equal(t, 0, b.Len())
}

func TestBestCounterOrderPriceThenTime(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("late", "0x1", domain.OrderSideSell, 500000, 1, 5)))
	require.NoError(t, b.Add(newOrder("early", "0x2", domain.OrderSideSell, 500000, 1, 6)))
	require.NoError(t, b.Add(newOrder("cheap", "0x3", domain.OrderSideSell, 450000, 1, 7)))

	var visited []string
	b.WalkCounter(domain.OrderSideBuy, "", func(o *domain.Order) bool {
		visited = append(visited, o.ID)
		return true
	})
	assert.Equal(t, []string{"cheap", "late", "early"}, visited)

	require.NoError(t, b.Add(newOrder("bid1", "0x4", domain.OrderSideBuy, 300000, 1, 8)))
	require.NoError(t, b.Add(newOrder("bid2", "0x5", domain.OrderSideBuy, 310000, 1, 9)))
	best, ok := b.BestCounterOrder(domain.OrderSideSell, "")
	require.True(t, ok)
	assert.Equal(t, "bid2", best.ID)
}

func TestWalkCounterSkipsOwnOrdersWithoutMovingThem(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("own", "0xAA", domain.OrderSideBuy, 600000, 10, 1)))
	require.NoError(t, b.Add(newOrder("other", "0xbb", domain.OrderSideBuy, 600000, 10, 2)))

	best, ok := b.BestCounterOrder(domain.OrderSideSell, "0xaa")
	require.True(t, ok)
	assert.Equal(t, "other", best.ID)

	best, ok = b.BestCounterOrder(domain.OrderSideSell, "")
	require.True(t, ok)
	assert.Equal(t, "own", best.ID, "skipped order keeps its priority")

	_, ok = b.BestCounterOrder(domain.OrderSideBuy, "")
	assert.False(t, ok)
}

func TestFillRemovesExhaustedOrder(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("a", "0xa", domain.OrderSideSell, 500000, 10, 1)))

	rem, ok := b.Fill("a", shares(4))
	require.True(t, ok)
	assert.Equal(t, shares(6), rem)
	assert.Equal(t, shares(6), b.Depth(0).Asks[0].Quantity)

	rem, ok = b.Fill("a", shares(100))
	require.True(t, ok)
	assert.True(t, rem.IsZero())
	assert.False(t, b.Has("a"))
	assert.Empty(t, b.Depth(0).Asks)
}

func TestStatsAndVolumeWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	b := NewBook(testKey, time.Hour, clock)

	st := b.Stats()
	assert.Nil(t, st.BestBid)
	assert.Nil(t, st.Spread)
	assert.True(t, st.Volume24h.IsZero())

	require.NoError(t, b.Add(newOrder("bid", "0xa", domain.OrderSideBuy, 550000, 2, 1)))
	require.NoError(t, b.Add(newOrder("ask", "0xb", domain.OrderSideSell, 600000, 3, 2)))
	b.RecordTrade(uint256.NewInt(580000), shares(1), now)

	st = b.Stats()
	require.NotNil(t, st.Spread)
	assert.Equal(t, uint64(50000), st.Spread.Uint64())
	assert.Equal(t, shares(2), st.BidDepth)
	assert.Equal(t, shares(3), st.AskDepth)
	assert.Equal(t, uint64(580000), st.LastTradePrice.Uint64())
	assert.Equal(t, shares(1), st.Volume24h)

	now = now.Add(30 * time.Minute)
	b.RecordTrade(uint256.NewInt(590000), shares(2), now)
	assert.Equal(t, shares(3), b.Stats().Volume24h)

	now = now.Add(45 * time.Minute)
	assert.True(t, b.Stats().Volume24h.IsZero(), "window elapsed")
	b.RecordTrade(uint256.NewInt(590000), shares(5), now)
	assert.Equal(t, shares(5), b.Stats().Volume24h, "window restarts at the next trade")
}

func TestMakerExposureAndRemaining(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("b1", "0xa", domain.OrderSideBuy, 500000, 10, 1)))
	require.NoError(t, b.Add(newOrder("s1", "0xA", domain.OrderSideSell, 700000, 2, 2)))
	require.NoError(t, b.Add(newOrder("b2", "0xb", domain.OrderSideBuy, 500000, 10, 3)))

	exp := b.MakerExposure("0xa")
	assert.Equal(t, uint64(5_000_000), exp.Long.Uint64())
	assert.Equal(t, uint64(1_400_000), exp.Short.Uint64())
	assert.Equal(t, shares(2), b.MakerRemaining("0xa", domain.OrderSideSell))
}

func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBook(testKey, 0, nil)
	stale := newOrder("stale", "0xa", domain.OrderSideBuy, 500000, 1, 2)
	stale.Expiry = now.Unix() - 1
	fresh := newOrder("fresh", "0xa", domain.OrderSideBuy, 500000, 1, 1)
	fresh.Expiry = now.Unix() + 60
	require.NoError(t, b.Add(stale))
	require.NoError(t, b.Add(fresh))

	out := b.Expired(now)
	require.Len(t, out, 1)
	assert.Equal(t, "stale", out[0].ID)
}

func TestSnapshotRestoreKeepsQueueOrder(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	require.NoError(t, b.Add(newOrder("a", "0xa", domain.OrderSideSell, 500000, 1, 1)))
	require.NoError(t, b.Add(newOrder("b", "0xb", domain.OrderSideSell, 500000, 2, 2)))
	require.NoError(t, b.Add(newOrder("c", "0xc", domain.OrderSideBuy, 400000, 3, 3)))
	b.RecordTrade(uint256.NewInt(450000), shares(1), time.Now())
	b.SetWatermark(9)

	snap := b.Snapshot()
	assert.Equal(t, uint64(9), snap.SequenceWatermark)

	r := NewBook(testKey, 0, nil)
	require.NoError(t, r.Restore(snap))
	assert.Equal(t, b.Depth(0), r.Depth(0))
	assert.Equal(t, uint64(9), r.Watermark())
	assert.Equal(t, uint64(450000), r.Stats().LastTradePrice.Uint64())

	var ids []string
	r.WalkCounter(domain.OrderSideBuy, "", func(o *domain.Order) bool {
		ids = append(ids, o.ID)
		return true
	})
	assert.Equal(t, []string{"a", "b"}, ids)

	other := NewBook(domain.BookKey{MarketKey: "x", OutcomeIndex: 1}, 0, nil)
	assert.Error(t, other.Restore(snap))
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	maker := newOrder("maker", "0xa", domain.OrderSideBuy, 600000, 10, 1)
	taker := newOrder("taker", "0xb", domain.OrderSideSell, 550000, 4, 2)
	entries := []domain.EventEntry{
		{Sequence: 1, Type: domain.EventOrderPlaced, Book: testKey, Order: maker},
		{Sequence: 2, Type: domain.EventOrderPlaced, Book: testKey, Order: taker},
		{Sequence: 3, Type: domain.EventOrderMatched, Book: testKey, Match: &domain.Match{
			TakerOrderID: "taker", MakerOrderID: "maker",
			Price: uint256.NewInt(600000), Amount: shares(4), Timestamp: at,
		}},
		{Sequence: 4, Type: domain.EventOrderPlaced, Book: testKey, Order: newOrder("rest", "0xc", domain.OrderSideSell, 700000, 1, 4)},
		{Sequence: 5, Type: domain.EventOrderCanceled, Book: testKey, OrderID: "rest"},
	}

	b := NewBook(testKey, 0, nil)
	for _, e := range entries {
		applied, err := b.Apply(e)
		require.NoError(t, err)
		assert.True(t, applied)
	}
	first := b.Snapshot()

	for _, e := range entries {
		applied, err := b.Apply(e)
		require.NoError(t, err)
		assert.False(t, applied)
	}
	second := b.Snapshot()
	second.TakenAt = first.TakenAt
	assert.Equal(t, first, second)

	require.Equal(t, 1, b.Len())
	got, ok := b.Get("maker")
	require.True(t, ok)
	assert.Equal(t, shares(6), got.Remaining)
	assert.Equal(t, uint64(5), b.Watermark())
}

func TestApplyRejectsUnknownType(t *testing.T) {
	b := NewBook(testKey, 0, nil)
	_, err := b.Apply(domain.EventEntry{Sequence: 1, Type: "bogus", Book: testKey})
	assert.Error(t, err)
	assert.Equal(t, uint64(0), b.Watermark())
}
