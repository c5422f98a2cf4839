package matching

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/crypto"
	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/orderbook"
	"github.com/alanyoungcy/matchcore/internal/risk"
	"github.com/alanyoungcy/matchcore/internal/store/memory"
)

const (
	alice    = "0x00000000000000000000000000000000000000a1"
	bob      = "0x00000000000000000000000000000000000000b2"
	carol    = "0x00000000000000000000000000000000000000c3"
	contract = "0x00000000000000000000000000000000000000ff"
	chainID  = 84532
)

var mkt = domain.BookKey{MarketKey: "mkt", OutcomeIndex: 0}

func shares(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), domain.ShareScale)
}

// fakeLeader loses leadership on the loseAt-th IsLeader call when loseAt is
// set.
type fakeLeader struct {
	leader bool
	calls  int
	loseAt int
}

func (f *fakeLeader) IsLeader() bool {
	f.calls++
	if f.loseAt > 0 && f.calls >= f.loseAt {
		f.leader = false
	}
	return f.leader
}

func (f *fakeLeader) LeaderID() string { return "node-b" }
func (f *fakeLeader) NodeID() string   { return "node-a" }

type recordingPublisher struct{ events []domain.MarketEvent }

func (r *recordingPublisher) Publish(_ context.Context, events []domain.MarketEvent) error {
	r.events = append(r.events, events...)
	return nil
}

type harness struct {
	t      *testing.T
	eng    *Engine
	store  *memory.Store
	ledger *memory.Ledger
	snaps  *memory.SnapshotStore
	pub    *recordingPublisher
	leader *fakeLeader
	clock  time.Time
	salt   int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		store:  memory.NewStore(),
		ledger: memory.NewLedger(),
		snaps:  memory.NewSnapshotStore(),
		pub:    &recordingPublisher{},
		leader: &fakeLeader{leader: true},
		clock:  time.Unix(1_700_000_000, 0),
	}
	ctx := context.Background()
	for _, m := range []string{alice, bob, carol} {
		require.NoError(t, h.ledger.SetBalance(ctx, m, uint256.NewInt(1_000_000_000)))
	}
	now := func() time.Time { return h.clock }
	rm := risk.NewManager(h.ledger, h.store, nil, nil, risk.Config{ReconcileReserved: true}, nil)
	h.eng = NewEngine(cfg, Deps{
		Books:     orderbook.NewManager(0, now),
		Log:       h.store,
		Orders:    h.store,
		Risk:      rm,
		Leader:    h.leader,
		Publisher: h.pub,
		Snapshots: h.snaps,
		Now:       now,
	})
	return h
}

func (h *harness) req(maker string, isBuy bool, price uint64, amount *uint256.Int) OrderRequest {
	h.salt++
	return OrderRequest{
		MarketKey:         mkt.MarketKey,
		OutcomeIndex:      mkt.OutcomeIndex,
		IsBuy:             isBuy,
		Price:             uint256.NewInt(price),
		Amount:            amount,
		Salt:              strconv.Itoa(h.salt),
		Maker:             maker,
		ChainID:           chainID,
		VerifyingContract: contract,
	}
}

func (h *harness) submit(maker string, isBuy bool, price uint64, amount *uint256.Int) *domain.SubmitResult {
	h.t.Helper()
	res, err := h.eng.Submit(context.Background(), h.req(maker, isBuy, price, amount))
	require.NoError(h.t, err)
	return res
}

func (h *harness) reserved(maker string) uint64 {
	acct, err := h.ledger.Account(context.Background(), maker)
	require.NoError(h.t, err)
	return acct.Reserved.Uint64()
}

func (h *harness) balance(maker string) uint64 {
	acct, err := h.ledger.Account(context.Background(), maker)
	require.NoError(h.t, err)
	return acct.Balance.Uint64()
}

func (h *harness) book() *orderbook.Book {
	b, ok := h.eng.Books().Get(mkt)
	require.True(h.t, ok)
	return b
}

func TestCrossingSellMatchesAtMakerPrice(t *testing.T) {
	h := newHarness(t, Config{})

	buy := h.submit(alice, true, 600_000, shares(10))
	assert.Empty(t, buy.Matches)
	require.NotNil(t, buy.RemainingOrder)
	assert.Equal(t, uint64(6_000_000), h.reserved(alice))

	sell := h.submit(bob, false, 550_000, shares(10))
	require.Len(t, sell.Matches, 1)
	m := sell.Matches[0]
	assert.Equal(t, uint64(600_000), m.Price.Uint64())
	assert.True(t, m.Amount.Eq(shares(10)))
	assert.Equal(t, buy.Order.ID, m.MakerOrderID)
	assert.Equal(t, sell.Order.ID, m.TakerOrderID)
	assert.Nil(t, sell.RemainingOrder)
	assert.Equal(t, domain.OrderStatusFilled, sell.Order.Status)

	assert.Equal(t, 0, h.book().Len())
	assert.Zero(t, h.reserved(alice))
	assert.Equal(t, uint64(1_000_000_000-6_000_000), h.balance(alice))

	stored, err := h.store.Get(context.Background(), buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.Remaining.IsZero())

	events := h.store.Events(mkt)
	require.Len(t, events, 3)
	assert.Equal(t, []domain.EventType{domain.EventOrderPlaced, domain.EventOrderPlaced, domain.EventOrderMatched},
		[]domain.EventType{events[0].Type, events[1].Type, events[2].Type})
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	st := h.eng.Stats(mkt)
	require.NotNil(t, st.LastTradePrice)
	assert.Equal(t, uint64(600_000), st.LastTradePrice.Uint64())
	assert.True(t, st.Volume24h.Eq(shares(10)))
}

func TestSelfTradeIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, true, 600_000, shares(10))

	res := h.submit(alice, false, 550_000, shares(4))
	assert.Empty(t, res.Matches)
	require.NotNil(t, res.RemainingOrder)
	assert.Equal(t, 2, h.book().Len())

	// Other makers still trade against it.
	res = h.submit(bob, false, 600_000, shares(3))
	require.Len(t, res.Matches, 1)
	assert.Equal(t, alice, res.Matches[0].Maker)
}

func TestPriceThenTimePriority(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.submit(alice, true, 600_000, shares(5))
	second := h.submit(carol, true, 600_000, shares(5))
	better := h.submit(carol, true, 610_000, shares(2))

	res := h.submit(bob, false, 600_000, shares(6))
	require.Len(t, res.Matches, 2)
	assert.Equal(t, better.Order.ID, res.Matches[0].MakerOrderID)
	assert.Equal(t, uint64(610_000), res.Matches[0].Price.Uint64())
	assert.Equal(t, first.Order.ID, res.Matches[1].MakerOrderID)
	assert.True(t, res.Matches[1].Amount.Eq(shares(4)))

	left, ok := h.book().Get(first.Order.ID)
	require.True(t, ok)
	assert.True(t, left.Remaining.Eq(shares(1)))
	assert.True(t, h.book().Has(second.Order.ID))
}

func TestConservation(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, true, 500_000, shares(3))
	h.submit(carol, true, 520_000, shares(4))
	res := h.submit(bob, false, 510_000, shares(9))

	matched := res.MatchedAmount()
	rest := res.RemainingOrder.Remaining
	assert.True(t, new(uint256.Int).Add(matched, rest).Eq(shares(9)))
	assert.True(t, matched.Eq(shares(4)))
	assert.Equal(t, uint64(510_000), res.RemainingOrder.Price.Uint64())

	d := h.eng.Depth(mkt, 0)
	require.Len(t, d.Bids, 1)
	require.Len(t, d.Asks, 1)
	assert.True(t, d.Asks[0].Quantity.Eq(shares(5)))
}

func TestImmediateOrCancelDiscardsResidual(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, true, 600_000, shares(4))

	req := h.req(bob, false, 550_000, shares(10))
	req.TimeInForce = "IOC"
	res, err := h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Nil(t, res.RemainingOrder)
	assert.True(t, res.Unfilled.Eq(shares(6)))
	assert.Equal(t, domain.OrderStatusCanceled, res.Order.Status)
	assert.Equal(t, 0, h.book().Len())

	events := h.store.Events(mkt)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventOrderCanceled, last.Type)
	assert.Equal(t, domain.ReasonUnfilledRemainder, last.Reason)
}

func TestFillOrKill(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, false, 500_000, shares(4))

	req := h.req(bob, true, 600_000, shares(5))
	req.TimeInForce = "FOK"
	res, err := h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.True(t, res.Unfilled.Eq(shares(5)))
	assert.Equal(t, 1, h.book().Len())
	assert.Zero(t, h.reserved(bob))

	req = h.req(bob, true, 600_000, shares(4))
	req.TimeInForce = "FOK"
	res, err = h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Unfilled.IsZero())
	assert.Zero(t, h.reserved(bob))
	assert.Equal(t, uint64(1_000_000_000-2_000_000), h.balance(bob))
}

func TestPostOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, false, 550_000, shares(4))

	req := h.req(bob, true, 600_000, shares(1))
	req.PostOnly = true
	_, err := h.eng.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Zero(t, h.reserved(bob))

	req = h.req(bob, true, 540_000, shares(1))
	req.PostOnly = true
	res, err := h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, res.RemainingOrder)
}

func TestCommitFailureLeavesBookUntouched(t *testing.T) {
	h := newHarness(t, Config{})
	resting := h.submit(alice, false, 550_000, shares(4))
	before := h.eng.Depth(mkt, 0)

	h.store.FailCommit = errors.New("connection reset")
	_, err := h.eng.Submit(context.Background(), h.req(bob, true, 600_000, shares(10)))
	assert.ErrorIs(t, err, domain.ErrDurability)

	assert.Equal(t, before, h.eng.Depth(mkt, 0))
	assert.True(t, h.book().Has(resting.Order.ID))
	assert.Zero(t, h.reserved(bob))
	assert.Len(t, h.store.Events(mkt), 1)

	h.store.FailCommit = nil
	res := h.submit(bob, true, 600_000, shares(10))
	assert.Len(t, res.Matches, 1)
}

func TestFollowerRejectsMutations(t *testing.T) {
	h := newHarness(t, Config{})
	h.leader.leader = false

	_, err := h.eng.Submit(context.Background(), h.req(alice, true, 600_000, shares(1)))
	var nl *domain.NotLeaderError
	require.ErrorAs(t, err, &nl)
	assert.Equal(t, "node-b", nl.LeaderID)
	assert.True(t, domain.Retryable(err))

	_, err = h.eng.Cancel(context.Background(), CancelRequest{MarketKey: "mkt", Maker: alice, Salt: "1"})
	assert.ErrorIs(t, err, domain.ErrNotLeader)

	_, err = h.eng.ExpireDue(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotLeader)
}

func TestValidation(t *testing.T) {
	h := newHarness(t, Config{ChainID: chainID, MaxOrdersPerUser: 2})

	tests := []struct {
		name   string
		mutate func(*OrderRequest)
		want   error
	}{
		{"zero price", func(r *OrderRequest) { r.Price = uint256.NewInt(0) }, domain.ErrInvalidOrder},
		{"price above one", func(r *OrderRequest) { r.Price = uint256.NewInt(1_000_001) }, domain.ErrInvalidOrder},
		{"dust amount", func(r *OrderRequest) { r.Amount = uint256.NewInt(10) }, domain.ErrInvalidOrder},
		{"bad maker", func(r *OrderRequest) { r.Maker = "alice" }, domain.ErrInvalidOrder},
		{"wrong chain", func(r *OrderRequest) { r.ChainID = 1 }, domain.ErrInvalidOrder},
		{"past expiry", func(r *OrderRequest) { r.Expiry = h.clock.Unix() - 1 }, domain.ErrOrderExpired},
		{"unknown tif", func(r *OrderRequest) { r.TimeInForce = "GTD" }, domain.ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.req(alice, true, 600_000, shares(1))
			tt.mutate(&req)
			_, err := h.eng.Submit(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	req := h.req(alice, true, 600_000, shares(1))
	_, err := h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = h.eng.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder, "duplicate salt")

	h.submit(alice, true, 590_000, shares(1))
	_, err = h.eng.Submit(context.Background(), h.req(alice, true, 580_000, shares(1)))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder, "per-maker cap")
}

func TestInsufficientBalanceRejected(t *testing.T) {
	h := newHarness(t, Config{})
	dave := "0x00000000000000000000000000000000000000d4"
	require.NoError(t, h.ledger.SetBalance(context.Background(), dave, uint256.NewInt(5_000_000)))

	_, err := h.eng.Submit(context.Background(), h.req(dave, true, 600_000, shares(10)))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Empty(t, h.store.Events(mkt))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.submit(alice, true, 600_000, shares(10))
	require.Equal(t, uint64(6_000_000), h.reserved(alice))

	cr := CancelRequest{MarketKey: mkt.MarketKey, OutcomeIndex: mkt.OutcomeIndex, Maker: alice, Salt: res.Order.Salt}
	out, err := h.eng.Cancel(context.Background(), cr)
	require.NoError(t, err)
	assert.True(t, out.Canceled)
	assert.True(t, out.Resting)
	assert.Equal(t, 0, h.book().Len())
	assert.Zero(t, h.reserved(alice))

	stored, err := h.store.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, stored.Status)

	out, err = h.eng.Cancel(context.Background(), cr)
	require.NoError(t, err)
	assert.False(t, out.Canceled)
}

func TestCancelWithWrongBookKeepsOrder(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.submit(alice, true, 600_000, shares(10))

	_, err := h.eng.Cancel(context.Background(), CancelRequest{MarketKey: "other", Maker: alice, Salt: res.Order.Salt})
	require.ErrorIs(t, err, domain.ErrInvalidOrder)

	assert.True(t, h.book().Has(res.Order.ID))
	assert.Equal(t, uint64(6_000_000), h.reserved(alice))
	stored, err := h.store.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, stored.Status)

	fill := h.submit(bob, false, 600_000, shares(10))
	assert.Len(t, fill.Matches, 1)
}

func TestCancelRechecksLeadershipUnderLock(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.submit(alice, true, 600_000, shares(1))
	h.leader.calls, h.leader.loseAt = 0, 2

	_, err := h.eng.Cancel(context.Background(), CancelRequest{MarketKey: mkt.MarketKey, Maker: alice, Salt: res.Order.Salt})
	require.ErrorIs(t, err, domain.ErrNotLeader)
	assert.True(t, h.book().Has(res.Order.ID))
	assert.Len(t, h.store.Events(mkt), 1)
}

func TestExpiry(t *testing.T) {
	h := newHarness(t, Config{})
	req := h.req(alice, true, 600_000, shares(2))
	req.Expiry = h.clock.Unix() + 60
	h.submit(alice, true, 590_000, shares(2))
	_, err := h.eng.Submit(context.Background(), req)
	require.NoError(t, err)

	h.clock = h.clock.Add(2 * time.Minute)

	// The expired best bid is removed while the sell walks past it.
	res := h.submit(bob, false, 590_000, shares(1))
	require.Len(t, res.Matches, 1)
	assert.Equal(t, uint64(590_000), res.Matches[0].Price.Uint64())
	assert.Equal(t, 1, h.book().Len())
	assert.Equal(t, uint64(590_000), h.reserved(alice))

	// ExpireDue sweeps orders nobody walked past.
	req = h.req(carol, false, 700_000, shares(1))
	req.Expiry = h.clock.Unix() + 1
	_, err = h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	h.clock = h.clock.Add(time.Second)

	n, err := h.eng.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.book().Len())
}

func TestReplayRebuildsTheSameBook(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, true, 500_000, shares(3))
	h.submit(carol, true, 520_000, shares(4))
	h.submit(bob, false, 510_000, shares(9))
	ioc := h.req(alice, true, 530_000, shares(2))
	ioc.TimeInForce = "IOC"
	_, err := h.eng.Submit(context.Background(), ioc)
	require.NoError(t, err)
	h.submit(carol, false, 700_000, shares(1))

	rebuilt := orderbook.NewBook(mkt, 0, func() time.Time { return h.clock })
	for _, e := range h.store.Events(mkt) {
		_, err := rebuilt.Apply(e)
		require.NoError(t, err)
	}
	assert.Equal(t, h.book().Depth(0), rebuilt.Depth(0))
	assert.Equal(t, h.book().Watermark(), rebuilt.Watermark())
	assert.Equal(t, h.book().Stats(), rebuilt.Stats())
}

func TestSignaturesVerified(t *testing.T) {
	h := newHarness(t, Config{VerifySignatures: true, ChainID: chainID})
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, h.ledger.SetBalance(context.Background(), signer.Address(), uint256.NewInt(100_000_000)))

	req := h.req(signer.Address(), true, 600_000, shares(1))
	d := crypto.Domain{ChainID: chainID, VerifyingContract: contract}
	req.Signature, err = signer.SignOrder(d, crypto.OrderPayload{
		Maker: req.Maker, OutcomeIndex: req.OutcomeIndex, IsBuy: req.IsBuy,
		Price: req.Price.Dec(), Amount: req.Amount.Dec(), Salt: req.Salt, Expiry: req.Expiry,
	})
	require.NoError(t, err)

	tampered := req
	tampered.Price = uint256.NewInt(600_001)
	_, err = h.eng.Submit(context.Background(), tampered)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = h.eng.Submit(context.Background(), req)
	require.NoError(t, err)

	cr := CancelRequest{MarketKey: req.MarketKey, Maker: req.Maker, Salt: req.Salt, ChainID: chainID, VerifyingContract: contract}
	cr.Signature = "0x" + strconv.Itoa(0)
	_, err = h.eng.Cancel(context.Background(), cr)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	cr.Signature, err = signer.SignCancel(d, crypto.CancelPayload{Maker: req.Maker, Salt: req.Salt})
	require.NoError(t, err)
	out, err := h.eng.Cancel(context.Background(), cr)
	require.NoError(t, err)
	assert.True(t, out.Resting)
}

func TestPublishesAfterCommit(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, true, 600_000, shares(10))
	h.pub.events = nil
	h.submit(bob, false, 600_000, shares(4))

	var types []string
	for _, e := range h.pub.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		domain.MarketEventOrderPlaced,
		domain.MarketEventTrade,
		domain.MarketEventOrderUpdated,
		domain.MarketEventDepth,
		domain.MarketEventStats,
	}, types)
}

func TestSnapshotAll(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(alice, true, 600_000, shares(10))
	other := h.req(bob, false, 700_000, shares(1))
	other.MarketKey = "other"
	_, err := h.eng.Submit(context.Background(), other)
	require.NoError(t, err)

	n, err := h.eng.SnapshotAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := h.snaps.Load(context.Background(), mkt)
	require.NoError(t, err)
	assert.Equal(t, h.book().Watermark(), snap.SequenceWatermark)
	assert.Len(t, snap.Bids, 1)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "accepted", outcomeLabel(nil))
	assert.Equal(t, "risk", outcomeLabel(domain.ErrNotApproved))
	assert.Equal(t, "not_leader", outcomeLabel(&domain.NotLeaderError{}))
	assert.Equal(t, "durability", outcomeLabel(errors.Join(domain.ErrDurability)))
}
