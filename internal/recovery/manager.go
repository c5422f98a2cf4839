// Package recovery rebuilds in-memory books from snapshots and the event
// log, and runs the leader's periodic maintenance jobs.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/metrics"
	"github.com/alanyoungcy/matchcore/internal/orderbook"
)

// Sequencer is the engine's global sequence counter.
type Sequencer interface {
	Current() uint64
	Reset(v uint64)
}

// Report summarises one recovery run.
type Report struct {
	Books    int
	Restored int
	Replayed int
	Sequence uint64
	Duration time.Duration
}

// ArchiveSource reads snapshots from cold storage.
type ArchiveSource interface {
	Latest(ctx context.Context, key domain.BookKey) (*domain.Snapshot, error)
}

// Manager restores books. It must only run while the node is not accepting
// writes.
type Manager struct {
	books     *orderbook.Manager
	seq       Sequencer
	log       domain.EventLog
	snapshots domain.SnapshotStore
	archive   ArchiveSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewManager creates a Manager. snapshots may be nil, in which case books are
// rebuilt from the full event log.
func NewManager(books *orderbook.Manager, seq Sequencer, log domain.EventLog, snapshots domain.SnapshotStore, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		books:     books,
		seq:       seq,
		log:       log,
		snapshots: snapshots,
		metrics:   m,
		logger:    logger,
	}
}

// UseArchive makes books without a hot snapshot start from the newest
// archived one.
func (m *Manager) UseArchive(a ArchiveSource) { m.archive = a }

// Recover drops every in-memory book and rebuilds each one from its latest
// snapshot plus the log entries after the snapshot's watermark. The
// sequencer then resumes above everything seen.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	start := time.Now()
	keys, err := m.keys(ctx)
	if err != nil {
		return Report{}, err
	}

	m.books.Reset()
	rep := Report{Books: len(keys)}
	var high uint64
	for _, key := range keys {
		restored, replayed, watermark, err := m.recoverBook(ctx, key)
		if err != nil {
			return rep, err
		}
		if restored {
			rep.Restored++
		}
		rep.Replayed += replayed
		high = max(high, watermark)
	}

	last, err := m.log.LastSequence(ctx)
	if err != nil {
		return rep, fmt.Errorf("recovery: last sequence: %w", err)
	}
	high = max(high, last)
	m.seq.Reset(high)

	rep.Sequence = high
	rep.Duration = time.Since(start)
	m.metrics.Recovery(rep.Books, rep.Duration)
	m.logger.InfoContext(ctx, "recovery: books rebuilt",
		slog.Int("books", rep.Books),
		slog.Int("snapshots", rep.Restored),
		slog.Int("replayed", rep.Replayed),
		slog.Uint64("sequence", rep.Sequence),
		slog.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// keys is the union of books with a snapshot and books with log entries.
func (m *Manager) keys(ctx context.Context) ([]domain.BookKey, error) {
	seen := make(map[domain.BookKey]struct{})
	if m.snapshots != nil {
		snapped, err := m.snapshots.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("recovery: list snapshots: %w", err)
		}
		for _, k := range snapped {
			seen[k] = struct{}{}
		}
	}
	logged, err := m.log.Books(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list logged books: %w", err)
	}
	for _, k := range logged {
		seen[k] = struct{}{}
	}

	keys := make([]domain.BookKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	orderbook.SortKeys(keys)
	return keys, nil
}

func (m *Manager) recoverBook(ctx context.Context, key domain.BookKey) (restored bool, replayed int, watermark uint64, err error) {
	unlock := m.books.Lock(key)
	defer unlock()
	book := m.books.GetOrCreate(key)

	snap, err := m.latestSnapshot(ctx, key)
	if err != nil {
		return false, 0, 0, err
	}
	if snap != nil {
		if err := book.Restore(snap); err != nil {
			return false, 0, 0, fmt.Errorf("recovery: %w", err)
		}
		restored = true
	}

	err = m.log.Stream(ctx, key, book.Watermark(), func(e domain.EventEntry) error {
		applied, err := book.Apply(e)
		if err != nil {
			return err
		}
		if applied {
			replayed++
		}
		return nil
	})
	if err != nil {
		return restored, replayed, 0, fmt.Errorf("recovery: replay %s: %w", key, err)
	}
	return restored, replayed, book.Watermark(), nil
}

// latestSnapshot returns nil without error when neither the snapshot store
// nor the archive has one for key.
func (m *Manager) latestSnapshot(ctx context.Context, key domain.BookKey) (*domain.Snapshot, error) {
	if m.snapshots != nil {
		snap, err := m.snapshots.Load(ctx, key)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("recovery: load snapshot %s: %w", key, err)
		}
	}
	if m.archive == nil {
		return nil, nil
	}
	snap, err := m.archive.Latest(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, nil
	case err != nil:
		m.logger.WarnContext(ctx, "recovery: archived snapshot unavailable, replaying full log",
			slog.String("book", key.String()),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return snap, nil
}
