package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerTickOnlyOnLeader(t *testing.T) {
	leader := &alwaysLeader{}
	var runs atomic.Int32
	job := SnapshotJob(time.Second, func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	})
	s := NewScheduler(leader, nil, job)

	s.Tick(context.Background(), job)
	assert.Zero(t, runs.Load())

	leader.leader.Store(true)
	s.Tick(context.Background(), job)
	assert.EqualValues(t, 1, runs.Load())
}

func TestSchedulerRunsJobsUntilCanceled(t *testing.T) {
	leader := &alwaysLeader{}
	leader.leader.Store(true)
	var snaps, expiries atomic.Int32
	s := NewScheduler(leader, nil,
		SnapshotJob(5*time.Millisecond, func(context.Context) (int, error) {
			snaps.Add(1)
			return 0, errors.New("redis down")
		}),
		ExpiryJob(5*time.Millisecond, func(context.Context) (int, error) {
			expiries.Add(1)
			return 2, nil
		}),
		ExpiryJob(0, func(context.Context) (int, error) { panic("disabled job ran") }),
	)
	assert.Len(t, s.jobs, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return snaps.Load() >= 2 && expiries.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
