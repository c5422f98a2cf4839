package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// uniqueViolation is the SQLSTATE of a duplicate key.
const uniqueViolation = "23505"

// EventLog implements domain.EventLog. Each Commit writes order rows, matches
// and events in one transaction so that the log never runs ahead of, or
// behind, the tables it describes.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog creates an EventLog backed by the given connection pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

const insertEventSQL = `
	INSERT INTO order_events (market_key, outcome_index, sequence, event_type, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Commit applies batch atomically. A sequence collision (for instance from a
// deposed leader still writing) fails with domain.ErrAlreadyExists.
func (l *EventLog) Commit(ctx context.Context, batch domain.CommitBatch) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin commit %s: %w", batch.Book, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, o := range batch.Orders {
		b.Queue(upsertOrderSQL, upsertOrderArgs(o)...)
	}
	for _, m := range batch.Matches {
		b.Queue(insertMatchSQL, insertMatchArgs(m)...)
	}
	for _, e := range batch.Events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("postgres: encode event %d: %w", e.Sequence, err)
		}
		b.Queue(insertEventSQL, e.Book.MarketKey, e.Book.OutcomeIndex, int64(e.Sequence), string(e.Type), payload, e.Time)
	}

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("postgres: commit %s: %s: %w", batch.Book, pgErr.ConstraintName, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("postgres: commit %s: %w", batch.Book, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: commit %s: %w", batch.Book, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit %s: %w", batch.Book, err)
	}
	return nil
}

// Stream replays a book's entries after the given sequence, in order.
func (l *EventLog) Stream(ctx context.Context, key domain.BookKey, after uint64, fn func(domain.EventEntry) error) error {
	rows, err := l.pool.Query(ctx, `
		SELECT payload FROM order_events
		WHERE market_key = $1 AND outcome_index = $2 AND sequence > $3
		ORDER BY sequence`, key.MarketKey, key.OutcomeIndex, int64(after))
	if err != nil {
		return fmt.Errorf("postgres: stream events %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("postgres: scan event %s: %w", key, err)
		}
		var e domain.EventEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("postgres: decode event %s: %w", key, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: stream events %s: %w", key, err)
	}
	return nil
}

// Books lists every book with at least one entry.
func (l *EventLog) Books(ctx context.Context) ([]domain.BookKey, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT market_key, outcome_index FROM order_events`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list event books: %w", err)
	}
	defer rows.Close()

	var keys []domain.BookKey
	for rows.Next() {
		var k domain.BookKey
		if err := rows.Scan(&k.MarketKey, &k.OutcomeIndex); err != nil {
			return nil, fmt.Errorf("postgres: scan event book: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LastSequence returns the highest sequence written by any node.
func (l *EventLog) LastSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM order_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: last sequence: %w", err)
	}
	return uint64(seq), nil
}

// Compile-time interface check.
var _ domain.EventLog = (*EventLog)(nil)
