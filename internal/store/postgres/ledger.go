package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Ledger implements domain.CollateralLedger on the user_balances table. All
// amounts are micro-USDC. Each operation is a single guarded statement so
// concurrent reserves for one maker cannot oversubscribe the balance.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Account reads the maker's balance row. A missing row yields zero balance
// with HasLedger false.
func (l *Ledger) Account(ctx context.Context, maker string) (domain.Account, error) {
	maker = strings.ToLower(maker)
	acct := domain.Account{Maker: maker, Balance: new(uint256.Int), Reserved: new(uint256.Int)}

	var balance, reserved string
	err := l.pool.QueryRow(ctx,
		`SELECT balance::text, reserved::text FROM user_balances WHERE user_address = $1`,
		maker).Scan(&balance, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return acct, fmt.Errorf("postgres: account %s: %w", maker, err)
	}
	if acct.Balance, err = parseNumeric("balance", balance); err != nil {
		return acct, fmt.Errorf("postgres: account %s: %w", maker, err)
	}
	if acct.Reserved, err = parseNumeric("reserved", reserved); err != nil {
		return acct, fmt.Errorf("postgres: account %s: %w", maker, err)
	}
	acct.HasLedger = true
	return acct, nil
}

// SetBalance upserts the maker's balance, leaving reserved untouched.
func (l *Ledger) SetBalance(ctx context.Context, maker string, balance *uint256.Int) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO user_balances (user_address, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (user_address) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
		strings.ToLower(maker), dec(balance))
	if err != nil {
		return fmt.Errorf("postgres: set balance %s: %w", maker, err)
	}
	return nil
}

// Reserve adds amount to reserved if the free balance covers it.
func (l *Ledger) Reserve(ctx context.Context, maker string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE user_balances
		SET reserved = reserved + $2::numeric, updated_at = NOW()
		WHERE user_address = $1 AND balance - reserved >= $2::numeric`,
		strings.ToLower(maker), dec(amount))
	if err != nil {
		return fmt.Errorf("postgres: reserve %s: %w", maker, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: reserve %s: %w", maker, domain.ErrInsufficientBalance)
	}
	return nil
}

// Release lowers reserved by amount, never below zero.
func (l *Ledger) Release(ctx context.Context, maker string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		UPDATE user_balances
		SET reserved = GREATEST(reserved - $2::numeric, 0), updated_at = NOW()
		WHERE user_address = $1`,
		strings.ToLower(maker), dec(amount))
	if err != nil {
		return fmt.Errorf("postgres: release %s: %w", maker, err)
	}
	return nil
}

// Debit consumes reserved collateral for executed fills.
func (l *Ledger) Debit(ctx context.Context, maker string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		UPDATE user_balances
		SET balance  = GREATEST(balance - $2::numeric, 0),
		    reserved = GREATEST(reserved - $2::numeric, 0),
		    updated_at = NOW()
		WHERE user_address = $1`,
		strings.ToLower(maker), dec(amount))
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", maker, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CollateralLedger = (*Ledger)(nil)
