package recovery

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/matching"
	"github.com/alanyoungcy/matchcore/internal/orderbook"
	"github.com/alanyoungcy/matchcore/internal/risk"
	"github.com/alanyoungcy/matchcore/internal/store/memory"
)

const (
	alice    = "0x00000000000000000000000000000000000000a1"
	bob      = "0x00000000000000000000000000000000000000b2"
	contract = "0x00000000000000000000000000000000000000ff"
)

type alwaysLeader struct{ leader atomic.Bool }

func (l *alwaysLeader) IsLeader() bool   { return l.leader.Load() }
func (l *alwaysLeader) LeaderID() string { return "node-a" }
func (l *alwaysLeader) NodeID() string   { return "node-a" }

type fixture struct {
	t     *testing.T
	store *memory.Store
	snaps *memory.SnapshotStore
	eng   *matching.Engine
	now   time.Time
	salt  int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, store: memory.NewStore(), snaps: memory.NewSnapshotStore(), now: time.Unix(1_700_000_000, 0)}
	ledger := memory.NewLedger()
	for _, m := range []string{alice, bob} {
		require.NoError(t, ledger.SetBalance(context.Background(), m, uint256.NewInt(1_000_000_000)))
	}
	leader := &alwaysLeader{}
	leader.leader.Store(true)
	clock := func() time.Time { return f.now }
	f.eng = matching.NewEngine(matching.Config{ChainID: 84532, VerifyingContract: contract}, matching.Deps{
		Books:     orderbook.NewManager(0, clock),
		Log:       f.store,
		Orders:    f.store,
		Risk:      risk.NewManager(ledger, f.store, nil, nil, risk.Config{ReconcileReserved: true}, nil),
		Leader:    leader,
		Snapshots: f.snaps,
		Now:       clock,
	})
	return f
}

func (f *fixture) submit(market string, maker string, isBuy bool, price uint64, shares uint64) *domain.SubmitResult {
	f.t.Helper()
	f.salt++
	res, err := f.eng.Submit(context.Background(), matching.OrderRequest{
		MarketKey:         market,
		IsBuy:             isBuy,
		Price:             uint256.NewInt(price),
		Amount:            new(uint256.Int).Mul(uint256.NewInt(shares), domain.ShareScale),
		Salt:              strconv.Itoa(f.salt),
		Maker:             maker,
		ChainID:           84532,
		VerifyingContract: contract,
	})
	require.NoError(f.t, err)
	return res
}

type seq struct{ v uint64 }

func (s *seq) Current() uint64 { return s.v }
func (s *seq) Reset(v uint64)  { s.v = v }

// restingState strips fields that legitimately differ between a live book
// and a rebuilt one.
func restingState(t *testing.T, books *orderbook.Manager, key domain.BookKey) (bids, asks []string) {
	t.Helper()
	b, ok := books.Get(key)
	require.True(t, ok, key.String())
	snap := b.Snapshot()
	for _, o := range snap.Bids {
		bids = append(bids, o.ID+"@"+o.Remaining.Dec())
	}
	for _, o := range snap.Asks {
		asks = append(asks, o.ID+"@"+o.Remaining.Dec())
	}
	return bids, asks
}

func TestRecoverFromSnapshotAndLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.submit("m1", alice, true, 600_000, 10)
	f.submit("m1", alice, true, 590_000, 5)
	f.submit("m2", bob, false, 400_000, 3)

	saved, err := f.eng.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	// Entries after the snapshot only live in the log.
	f.submit("m1", bob, false, 600_000, 4)
	f.submit("m3", bob, false, 700_000, 1)
	canceled, err := f.eng.Cancel(ctx, matching.CancelRequest{
		MarketKey:         "m2",
		Maker:             bob,
		Salt:              "3",
		ChainID:           84532,
		VerifyingContract: contract,
	})
	require.NoError(t, err)
	require.True(t, canceled.Resting)

	books := orderbook.NewManager(0, func() time.Time { return f.now })
	books.GetOrCreate(domain.BookKey{MarketKey: "stale"})
	s := &seq{}
	rep, err := NewManager(books, s, f.store, f.snaps, nil, nil).Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Books)
	assert.Equal(t, 2, rep.Restored)
	assert.Positive(t, rep.Replayed)
	last, err := f.store.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, s.v)
	assert.Equal(t, last, rep.Sequence)

	_, stale := books.Get(domain.BookKey{MarketKey: "stale"})
	assert.False(t, stale)

	for _, key := range f.eng.Books().Keys() {
		wantBids, wantAsks := restingState(t, f.eng.Books(), key)
		gotBids, gotAsks := restingState(t, books, key)
		assert.Equal(t, wantBids, gotBids, key.String())
		assert.Equal(t, wantAsks, gotAsks, key.String())

		live, _ := f.eng.Books().Get(key)
		rebuilt, _ := books.Get(key)
		assert.Equal(t, live.Stats().LastTradePrice, rebuilt.Stats().LastTradePrice, key.String())
	}
}

func TestRecoverWithoutSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submit("m1", alice, true, 500_000, 2)
	f.submit("m1", bob, false, 500_000, 1)

	books := orderbook.NewManager(0, nil)
	s := &seq{}
	rep, err := NewManager(books, s, f.store, nil, nil, nil).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Books)
	assert.Zero(t, rep.Restored)

	wantBids, _ := restingState(t, f.eng.Books(), domain.BookKey{MarketKey: "m1"})
	gotBids, _ := restingState(t, books, domain.BookKey{MarketKey: "m1"})
	assert.Equal(t, wantBids, gotBids)
}

func TestRecoverIntoEngineResumesSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submit("m1", alice, true, 500_000, 2)
	last, err := f.store.LastSequence(ctx)
	require.NoError(t, err)

	// Simulate a restart: the engine's books and sequencer start from zero.
	f.eng.Sequencer().Reset(0)
	_, err = NewManager(f.eng.Books(), f.eng.Sequencer(), f.store, f.snaps, nil, nil).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, f.eng.Sequencer().Current())

	res := f.submit("m1", bob, false, 500_000, 1)
	assert.Greater(t, res.Order.Sequence, last)
}

func TestRecoverEmpty(t *testing.T) {
	s := &seq{v: 99}
	rep, err := NewManager(orderbook.NewManager(0, nil), s, memory.NewStore(), memory.NewSnapshotStore(), nil, nil).Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Books)
	assert.Zero(t, s.v)
}

type brokenLog struct {
	*memory.Store
}

func (brokenLog) Books(context.Context) ([]domain.BookKey, error) {
	return nil, errors.New("connection refused")
}

func TestRecoverPropagatesStoreErrors(t *testing.T) {
	_, err := NewManager(orderbook.NewManager(0, nil), &seq{}, brokenLog{memory.NewStore()}, nil, nil, nil).Recover(context.Background())
	assert.ErrorContains(t, err, "recovery: list logged books")
}

type archive map[domain.BookKey]*domain.Snapshot

func (a archive) Latest(_ context.Context, key domain.BookKey) (*domain.Snapshot, error) {
	if s, ok := a[key]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

func TestRecoverFallsBackToArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submit("m1", alice, true, 500_000, 2)
	b, _ := f.eng.Books().Get(domain.BookKey{MarketKey: "m1"})
	archived := b.Snapshot()
	f.submit("m1", alice, true, 510_000, 1)

	books := orderbook.NewManager(0, nil)
	m := NewManager(books, &seq{}, f.store, memory.NewSnapshotStore(), nil, nil)
	m.UseArchive(archive{domain.BookKey{MarketKey: "m1"}: archived})
	rep, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Restored)
	assert.Equal(t, 1, rep.Replayed)

	wantBids, _ := restingState(t, f.eng.Books(), domain.BookKey{MarketKey: "m1"})
	gotBids, _ := restingState(t, books, domain.BookKey{MarketKey: "m1"})
	assert.Equal(t, wantBids, gotBids)
}
