package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. Rows are written
// by EventLog.Commit as part of each mutation.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// upsertOrderSQL inserts an order or updates its mutable columns.
const upsertOrderSQL = `
	INSERT INTO orders (
		id, market_key, outcome_index, chain_id, verifying_contract,
		maker_address, is_buy, price, amount, remaining,
		salt, expiry, signature, time_in_force, post_only,
		sequence, status, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8::numeric, $9::numeric, $10::numeric,
		$11, $12, $13, $14, $15,
		$16, $17, $18, $19
	)
	ON CONFLICT (id) DO UPDATE SET
		remaining  = EXCLUDED.remaining,
		status     = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at`

func upsertOrderArgs(o *domain.Order) []any {
	return []any{
		o.ID, o.MarketKey, o.OutcomeIndex, o.ChainID, o.VerifyingContract,
		o.Maker, o.IsBuy(), dec(o.Price), dec(o.Amount), dec(o.Remaining),
		o.Salt, o.Expiry, o.Signature, string(o.TimeInForce), o.PostOnly,
		int64(o.Sequence), string(o.Status), o.CreatedAt, o.UpdatedAt,
	}
}

const orderSelectCols = `id, market_key, outcome_index, chain_id, verifying_contract,
	maker_address, is_buy, price::text, amount::text, remaining::text,
	salt, expiry, signature, time_in_force, post_only,
	sequence, status, created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (*domain.Order, error) {
	var (
		o                        domain.Order
		isBuy                    bool
		price, amount, remaining string
		tif, status              string
		seq                      int64
	)
	err := scanner.Scan(
		&o.ID, &o.MarketKey, &o.OutcomeIndex, &o.ChainID, &o.VerifyingContract,
		&o.Maker, &isBuy, &price, &amount, &remaining,
		&o.Salt, &o.Expiry, &o.Signature, &tif, &o.PostOnly,
		&seq, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSideSell
	if isBuy {
		o.Side = domain.OrderSideBuy
	}
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.Sequence = uint64(seq)
	if o.Price, err = parseNumeric("price", price); err != nil {
		return nil, err
	}
	if o.Amount, err = parseNumeric("amount", amount); err != nil {
		return nil, err
	}
	if o.Remaining, err = parseNumeric("remaining", remaining); err != nil {
		return nil, err
	}
	return &o, nil
}

// Get retrieves a single order by id.
func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// Exists reports whether an order id was ever accepted.
func (s *OrderStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: order exists %s: %w", id, err)
	}
	return exists, nil
}

// ListOpenByMaker returns the maker's live orders on one side.
func (s *OrderStore) ListOpenByMaker(ctx context.Context, maker string, side domain.OrderSide) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE maker_address = $1 AND is_buy = $2 AND status IN ('open', 'partially_filled')
		 ORDER BY sequence`, maker, side == domain.OrderSideBuy)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders %s: %w", maker, err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open orders %s: %w", maker, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open orders %s: %w", maker, err)
	}
	return orders, nil
}

// CountOpenByMaker counts the maker's live orders across all books.
func (s *OrderStore) CountOpenByMaker(ctx context.Context, maker string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE maker_address = $1 AND status IN ('open', 'partially_filled')`,
		maker).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open orders %s: %w", maker, err)
	}
	return n, nil
}

// MarkCanceled cancels a stored order that is still live.
func (s *OrderStore) MarkCanceled(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'canceled', remaining = 0, updated_at = $2
		 WHERE id = $1 AND status IN ('open', 'partially_filled')`, id, at)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel order %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
