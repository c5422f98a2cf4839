package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/cache/redis"
	"github.com/alanyoungcy/matchcore/internal/domain"
)

func newLocks(t *testing.T) (*redis.LockManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewLockManager(redis.Wrap(rdb)), mr
}

func newNode(locks domain.LockManager, id string) *Coordinator {
	return NewCoordinator(locks, CoordinatorConfig{
		NodeID:          id,
		AdvertiseURL:    "http://" + id + ":8080",
		LeaseTTL:        3 * time.Second,
		RefreshInterval: time.Second,
		RetryInterval:   500 * time.Millisecond,
	}, nil, nil)
}

func TestCoordinatorSingleLeader(t *testing.T) {
	ctx := context.Background()
	locks, _ := newLocks(t)
	a := newNode(locks, "node-a")
	b := newNode(locks, "node-b")

	assert.Equal(t, time.Second, a.Step(ctx))
	assert.Equal(t, 500*time.Millisecond, b.Step(ctx))

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
	assert.Equal(t, "node-a", a.LeaderID())
	assert.Equal(t, "node-a", b.LeaderID())

	st := b.Status()
	assert.Equal(t, StateFollower, st.State)
	assert.Equal(t, "http://node-a:8080", st.LeaderURL)

	st = a.Status()
	assert.Equal(t, StateLeader, st.State)
	assert.True(t, st.IsLeader)
	assert.False(t, st.LeaseExpiresAt.IsZero())
}

func TestCoordinatorElectedHookRunsBeforeLeading(t *testing.T) {
	ctx := context.Background()
	locks, _ := newLocks(t)
	a := newNode(locks, "node-a")

	var sawState State
	a.OnElected(func(context.Context) error {
		sawState = a.Status().State
		assert.False(t, a.IsLeader())
		return nil
	})
	a.Step(ctx)

	assert.Equal(t, StateRecovering, sawState)
	assert.True(t, a.IsLeader())
}

func TestCoordinatorElectedHookFailureReleasesLease(t *testing.T) {
	ctx := context.Background()
	locks, _ := newLocks(t)
	a := newNode(locks, "node-a")
	b := newNode(locks, "node-b")
	a.OnElected(func(context.Context) error { return errors.New("replay failed") })

	a.Step(ctx)
	assert.False(t, a.IsLeader())
	assert.Equal(t, StateFollower, a.Status().State)

	b.Step(ctx)
	assert.True(t, b.IsLeader())
}

func TestCoordinatorDemotesWhenLeaseTaken(t *testing.T) {
	ctx := context.Background()
	locks, mr := newLocks(t)
	a := newNode(locks, "node-a")
	b := newNode(locks, "node-b")

	var lost int
	a.OnLost(func(context.Context) error { lost++; return nil })
	a.Step(ctx)
	require.True(t, a.IsLeader())

	// The lease expires in Redis while node-a is partitioned.
	mr.FastForward(4 * time.Second)
	b.Step(ctx)
	require.True(t, b.IsLeader())

	a.Step(ctx)
	assert.False(t, a.IsLeader())
	assert.Equal(t, 1, lost)
	assert.Equal(t, "node-b", a.Status().LeaderID)
}

func TestCoordinatorLocalDeadline(t *testing.T) {
	ctx := context.Background()
	locks, _ := newLocks(t)
	a := newNode(locks, "node-a")

	now := time.Now()
	a.now = func() time.Time { return now }
	a.Step(ctx)
	require.True(t, a.IsLeader())

	now = now.Add(1999 * time.Millisecond)
	assert.True(t, a.IsLeader())
	now = now.Add(time.Millisecond)
	assert.False(t, a.IsLeader())

	a.Step(ctx)
	assert.Equal(t, StateFollower, a.Status().State)
}

type flakyLocks struct {
	domain.LockManager
	mu         sync.Mutex
	refreshErr error
	released   int
}

func (f *flakyLocks) Refresh(ctx context.Context, lease domain.Lease, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	err := f.refreshErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.LockManager.Refresh(ctx, lease, ttl)
}

func (f *flakyLocks) Release(ctx context.Context, lease domain.Lease) (bool, error) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return f.LockManager.Release(ctx, lease)
}

func TestCoordinatorRefreshFailuresDemote(t *testing.T) {
	ctx := context.Background()
	locks, _ := newLocks(t)
	flaky := &flakyLocks{LockManager: locks}
	a := newNode(flaky, "node-a")

	a.Step(ctx)
	require.True(t, a.IsLeader())

	flaky.refreshErr = errors.New("connection reset")
	assert.Equal(t, time.Second, a.Step(ctx))
	assert.True(t, a.IsLeader(), "one failure is tolerated")

	a.Step(ctx)
	assert.False(t, a.IsLeader())
}

func TestCoordinatorRunReleasesOnShutdown(t *testing.T) {
	locks, _ := newLocks(t)
	flaky := &flakyLocks{LockManager: locks}
	a := newNode(flaky, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.IsLeader, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	assert.False(t, a.IsLeader())
	assert.Equal(t, 1, flaky.released)
	holder, err := locks.Holder(context.Background(), DefaultLeaseKey)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestCoordinatorConfigDefaults(t *testing.T) {
	cfg := CoordinatorConfig{LeaseTTL: 9 * time.Second, RefreshInterval: 12 * time.Second}.withDefaults()
	assert.Equal(t, 3*time.Second, cfg.RefreshInterval)
	assert.Equal(t, DefaultLeaseKey, cfg.LeaseKey)
	assert.Equal(t, 2, cfg.MaxRefreshFailures)
	assert.NotEmpty(t, cfg.NodeID)
	assert.NotEqual(t, GenerateNodeID(), GenerateNodeID())
}

// slowLocks moves the test clock forward by delay while a refresh is in
// flight, like a reply stuck behind a latency spike.
type slowLocks struct {
	domain.LockManager
	clock *time.Time
	delay time.Duration
}

func (s *slowLocks) Refresh(ctx context.Context, lease domain.Lease, ttl time.Duration) (bool, error) {
	ok, err := s.LockManager.Refresh(ctx, lease, ttl)
	*s.clock = s.clock.Add(s.delay)
	return ok, err
}

func TestCoordinatorDeadlineCountsFromRefreshStart(t *testing.T) {
	ctx := context.Background()
	locks, _ := newLocks(t)
	clock := time.Unix(1000, 0)
	slow := &slowLocks{LockManager: locks, clock: &clock}
	a := NewCoordinator(slow, CoordinatorConfig{
		NodeID:          "node-a",
		LeaseTTL:        30 * time.Second,
		RefreshInterval: 10 * time.Second,
		RetryInterval:   5 * time.Second,
	}, nil, nil)
	a.now = func() time.Time { return clock }

	a.Step(ctx)
	require.True(t, a.IsLeader())

	clock = time.Unix(1010, 0)
	slow.delay = 15 * time.Second
	assert.Equal(t, 10*time.Second, a.Step(ctx))
	assert.Equal(t, time.Unix(1025, 0), clock)
	assert.Equal(t, time.Unix(1010, 0), a.Status().LastRefresh)

	// The store restarted the TTL at 1010 at the latest, so it can expire at
	// 1040; the node must have stopped leading before then.
	clock = time.Unix(1029, 0)
	assert.True(t, a.IsLeader())
	clock = time.Unix(1030, 0)
	assert.False(t, a.IsLeader())
}
