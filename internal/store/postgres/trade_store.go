package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const insertMatchSQL = `
	INSERT INTO matches (
		id, market_key, outcome_index, taker_order_id, maker_order_id,
		taker_address, maker_address, taker_side, price, amount,
		taker_fee, maker_fee, sequence, executed_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9::numeric, $10::numeric,
		$11::numeric, $12::numeric, $13, $14
	)`

func insertMatchArgs(m *domain.Match) []any {
	return []any{
		m.ID, m.Book.MarketKey, m.Book.OutcomeIndex, m.TakerOrderID, m.MakerOrderID,
		m.Taker, m.Maker, string(m.TakerSide), dec(m.Price), dec(m.Amount),
		dec(m.TakerFee), dec(m.MakerFee), int64(m.Sequence), m.Timestamp,
	}
}

// ListByBook returns the most recent matches of a book, newest first.
func (s *TradeStore) ListByBook(ctx context.Context, key domain.BookKey, limit int) ([]*domain.Match, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, taker_order_id, maker_order_id, taker_address, maker_address,
		       taker_side, price::text, amount::text, taker_fee::text, maker_fee::text,
		       sequence, executed_at
		FROM matches
		WHERE market_key = $1 AND outcome_index = $2
		ORDER BY sequence DESC
		LIMIT $3`, key.MarketKey, key.OutcomeIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches %s: %w", key, err)
	}
	defer rows.Close()

	var out []*domain.Match
	for rows.Next() {
		var (
			m                         = domain.Match{Book: key}
			side                      string
			price, amount, tfee, mfee string
			seq                       int64
		)
		err := rows.Scan(&m.ID, &m.TakerOrderID, &m.MakerOrderID, &m.Taker, &m.Maker,
			&side, &price, &amount, &tfee, &mfee, &seq, &m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan match: %w", err)
		}
		m.TakerSide = domain.OrderSide(side)
		m.Sequence = uint64(seq)
		if m.Price, err = parseNumeric("price", price); err != nil {
			return nil, err
		}
		if m.Amount, err = parseNumeric("amount", amount); err != nil {
			return nil, err
		}
		if m.TakerFee, err = parseNumeric("taker_fee", tfee); err != nil {
			return nil, err
		}
		if m.MakerFee, err = parseNumeric("maker_fee", mfee); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list matches %s: %w", key, err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
