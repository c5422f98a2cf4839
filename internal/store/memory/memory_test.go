package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

func TestStoreCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	key := domain.BookKey{MarketKey: "m", OutcomeIndex: 0}

	require.NoError(t, s.Commit(ctx, domain.CommitBatch{
		Book:   key,
		Orders: []*domain.Order{{ID: "a", Maker: "0xA", Side: domain.OrderSideBuy, Status: domain.OrderStatusOpen}},
		Events: []domain.EventEntry{{Sequence: 1, Type: domain.EventOrderPlaced, Book: key}},
	}))

	err := s.Commit(ctx, domain.CommitBatch{
		Book:   key,
		Orders: []*domain.Order{{ID: "b"}},
		Events: []domain.EventEntry{{Sequence: 2, Book: key}, {Sequence: 1, Book: key}},
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	ok, _ := s.Exists(ctx, "b")
	assert.False(t, ok)
	assert.Len(t, s.Events(key), 1)

	s.FailCommit = errors.New("disk full")
	assert.Error(t, s.Commit(ctx, domain.CommitBatch{Book: key, Events: []domain.EventEntry{{Sequence: 3, Book: key}}}))

	last, err := s.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestStoreOrdersByMaker(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	key := domain.BookKey{MarketKey: "m"}
	require.NoError(t, s.Commit(ctx, domain.CommitBatch{Book: key, Orders: []*domain.Order{
		{ID: "1", Maker: "0xabc", Side: domain.OrderSideBuy, Status: domain.OrderStatusOpen, Sequence: 2},
		{ID: "2", Maker: "0xABC", Side: domain.OrderSideBuy, Status: domain.OrderStatusPartiallyFilled, Sequence: 1},
		{ID: "3", Maker: "0xabc", Side: domain.OrderSideBuy, Status: domain.OrderStatusFilled},
		{ID: "4", Maker: "0xabc", Side: domain.OrderSideSell, Status: domain.OrderStatusOpen},
	}}))

	open, err := s.ListOpenByMaker(ctx, "0xAbC", domain.OrderSideBuy)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "2", open[0].ID)

	n, err := s.CountOpenByMaker(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err := s.MarkCanceled(ctx, "1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.MarkCanceled(ctx, "1", time.Now())
	assert.False(t, ok)
}

func TestLedgerReserveReleaseDebit(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	acct, err := l.Account(ctx, "0xA")
	require.NoError(t, err)
	assert.False(t, acct.HasLedger)

	require.NoError(t, l.SetBalance(ctx, "0xA", uint256.NewInt(10_000_000)))
	require.NoError(t, l.Reserve(ctx, "0xa", uint256.NewInt(6_000_000)))
	assert.ErrorIs(t, l.Reserve(ctx, "0xa", uint256.NewInt(5_000_000)), domain.ErrInsufficientBalance)

	require.NoError(t, l.Debit(ctx, "0xa", uint256.NewInt(1_000_000)))
	require.NoError(t, l.Release(ctx, "0xa", uint256.NewInt(99_000_000)))

	acct, _ = l.Account(ctx, "0xA")
	assert.True(t, acct.HasLedger)
	assert.Equal(t, uint64(9_000_000), acct.Balance.Uint64())
	assert.True(t, acct.Reserved.IsZero())
}

func TestSnapshotStoreKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshotStore()
	key := domain.BookKey{MarketKey: "m"}

	_, err := s.Load(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Save(ctx, &domain.Snapshot{Book: key, SequenceWatermark: 5}))
	require.NoError(t, s.Save(ctx, &domain.Snapshot{Book: key, SequenceWatermark: 3}))
	snap, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), snap.SequenceWatermark)
}
