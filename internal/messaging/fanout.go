// Package messaging fans committed market events out to every configured
// sink.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/metrics"
)

// Sink is a named publisher.
type Sink struct {
	Name      string
	Publisher domain.EventPublisher
}

// Fanout publishes each batch to every sink. A failing sink does not stop
// the others.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFanout creates a Fanout. Sinks with a nil publisher are skipped.
func NewFanout(m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{metrics: m, logger: logger}
	for _, s := range sinks {
		if s.Publisher != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish returns the joined errors of every failed sink.
func (f *Fanout) Publish(ctx context.Context, events []domain.MarketEvent) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, events); err != nil {
			f.metrics.Published(s.Name, "error", len(events))
			f.logger.WarnContext(ctx, "messaging: sink publish failed",
				slog.String("sink", s.Name),
				slog.Int("events", len(events)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("messaging: %s: %w", s.Name, err))
			continue
		}
		f.metrics.Published(s.Name, "ok", len(events))
	}
	return errors.Join(errs...)
}

// Compile-time interface check.
var _ domain.EventPublisher = (*Fanout)(nil)
