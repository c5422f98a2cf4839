package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Leadership reports whether this node currently leads.
type Leadership interface {
	IsLeader() bool
}

// Job is a periodic task that only runs on the leader.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler runs leader-only jobs on fixed intervals. On a follower each
// tick is skipped.
type Scheduler struct {
	leader Leadership
	jobs   []Job
	logger *slog.Logger
}

// NewScheduler creates a Scheduler. Jobs with a non-positive interval are
// dropped.
func NewScheduler(leader Leadership, logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{leader: leader, logger: logger}
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			s.jobs = append(s.jobs, j)
		}
	}
	return s
}

// SnapshotJob saves every book on interval.
func SnapshotJob(interval time.Duration, snapshotAll func(ctx context.Context) (int, error)) Job {
	return Job{Name: "snapshot", Interval: interval, Run: snapshotAll}
}

// ExpiryJob removes expired resting orders on interval.
func ExpiryJob(interval time.Duration, expireDue func(ctx context.Context) (int, error)) Job {
	return Job{Name: "expiry", Interval: interval, Run: expireDue}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	s.logger.InfoContext(ctx, "recovery: job started",
		slog.String("job", j.Name),
		slog.Duration("interval", j.Interval),
	)
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, j)
		}
	}
}

// Tick runs j once if this node leads.
func (s *Scheduler) Tick(ctx context.Context, j Job) {
	if !s.leader.IsLeader() {
		return
	}
	n, err := j.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrNotLeader), errors.Is(err, context.Canceled):
	case err != nil:
		s.logger.ErrorContext(ctx, "recovery: job failed",
			slog.String("job", j.Name),
			slog.String("error", err.Error()),
		)
	case n > 0:
		s.logger.DebugContext(ctx, "recovery: job done",
			slog.String("job", j.Name),
			slog.Int("count", n),
		)
	}
}
