// Package risk runs pre-trade checks and keeps collateral reservations in
// step with the book: a buy reserves its notional at acceptance, fills debit
// it, cancels and expiries release it.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Config holds the tunable risk limits. Zero caps mean unlimited.
type Config struct {
	MaxLongExposureUSDC  float64
	MaxShortExposureUSDC float64
	// ReconcileReserved recomputes reserved collateral from open orders and
	// uses the larger of that and the ledger value.
	ReconcileReserved bool
}

// Position is what the book knows about the maker before the order enters.
type Position struct {
	Exposure domain.Exposure
	// RestingSell is the maker's open sell remaining in this book.
	RestingSell *uint256.Int
}

// Reservation is the collateral held for one accepted buy. Sells hold none.
type Reservation struct {
	Maker  string
	Amount *uint256.Int
}

// Held reports whether anything was reserved.
func (r Reservation) Held() bool {
	return r.Amount != nil && !r.Amount.IsZero()
}

// Manager evaluates orders against exposure caps, inventory and collateral.
type Manager struct {
	ledger     domain.CollateralLedger
	orders     domain.OrderStore
	inventory  domain.InventorySource
	collateral domain.CollateralSource
	cfg        Config
	maxLong    *uint256.Int
	maxShort   *uint256.Int
	logger     *slog.Logger
}

// NewManager creates a Manager. inventory and collateral may be nil: without
// an inventory source sells are not checked, without a collateral source the
// ledger balance is final.
func NewManager(
	ledger domain.CollateralLedger,
	orders domain.OrderStore,
	inventory domain.InventorySource,
	collateral domain.CollateralSource,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:     ledger,
		orders:     orders,
		inventory:  inventory,
		collateral: collateral,
		cfg:        cfg,
		maxLong:    domain.USDCToMicro(cfg.MaxLongExposureUSDC),
		maxShort:   domain.USDCToMicro(cfg.MaxShortExposureUSDC),
		logger:     logger,
	}
}

// CheckAndReserve validates o and, for buys, reserves its full notional at
// the limit price. Checks run in order: exposure, then inventory for sells or
// collateral for buys.
func (m *Manager) CheckAndReserve(ctx context.Context, o *domain.Order, pos Position) (Reservation, error) {
	cost := domain.Notional(o.Amount, o.Price)
	if err := m.checkExposure(o, pos.Exposure, cost); err != nil {
		return Reservation{}, err
	}
	if !o.IsBuy() {
		return Reservation{}, m.checkInventory(ctx, o, pos.RestingSell)
	}
	if err := m.checkCollateral(ctx, o, cost); err != nil {
		return Reservation{}, err
	}
	if err := m.ledger.Reserve(ctx, o.Maker, cost); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return Reservation{}, err
		}
		return Reservation{}, fmt.Errorf("risk: reserve %s: %w", o.Maker, err)
	}
	return Reservation{Maker: o.Maker, Amount: cost}, nil
}

func (m *Manager) checkExposure(o *domain.Order, exp domain.Exposure, cost *uint256.Int) error {
	limit, current := m.maxShort, exp.Short
	if o.IsBuy() {
		limit, current = m.maxLong, exp.Long
	}
	if limit.IsZero() {
		return nil
	}
	if current == nil {
		current = new(uint256.Int)
	}
	next := new(uint256.Int).Add(current, cost)
	if next.Gt(limit) {
		return fmt.Errorf("%w: %s would reach %s of %s", domain.ErrExposureLimit, o.Side, next.Dec(), limit.Dec())
	}
	return nil
}

func (m *Manager) checkInventory(ctx context.Context, o *domain.Order, resting *uint256.Int) error {
	if m.inventory == nil {
		return nil
	}
	inv, err := m.inventory.Inventory(ctx, domain.InventoryQuery{
		Maker:             o.Maker,
		VerifyingContract: o.VerifyingContract,
		OutcomeIndex:      o.OutcomeIndex,
		ChainID:           o.ChainID,
	})
	if err != nil {
		return fmt.Errorf("%w: inventory check failed: %w", domain.ErrInsufficientInventory, err)
	}
	if !inv.Approved {
		return domain.ErrNotApproved
	}
	required := o.Amount.Clone()
	if resting != nil {
		required.Add(required, resting)
	}
	if inv.Balance == nil || inv.Balance.Lt(required) {
		return fmt.Errorf("%w: need %s", domain.ErrInsufficientInventory, required.Dec())
	}
	return nil
}

func (m *Manager) checkCollateral(ctx context.Context, o *domain.Order, cost *uint256.Int) error {
	acct, err := m.ledger.Account(ctx, o.Maker)
	if err != nil {
		return fmt.Errorf("risk: account %s: %w", o.Maker, err)
	}
	reserved := acct.Reserved
	if reserved == nil {
		reserved = new(uint256.Int)
	}
	if !acct.HasLedger || m.cfg.ReconcileReserved {
		recomputed, err := m.openBuyNotional(ctx, o.Maker)
		if err != nil {
			return err
		}
		if !acct.HasLedger || recomputed.Gt(reserved) {
			reserved = recomputed
		}
	}

	required := new(uint256.Int).Add(reserved, cost)
	balance := acct.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}
	if !required.Gt(balance) {
		return nil
	}

	if m.collateral != nil {
		onchain, err := m.collateral.CollateralBalance(ctx, o.Maker, o.ChainID)
		if err != nil {
			m.logger.WarnContext(ctx, "risk: collateral lookup failed",
				slog.String("maker", o.Maker),
				slog.String("error", err.Error()),
			)
		} else if !required.Gt(onchain) {
			if err := m.ledger.SetBalance(ctx, o.Maker, onchain); err != nil {
				return fmt.Errorf("risk: refresh balance %s: %w", o.Maker, err)
			}
			return nil
		}
	}
	m.logger.InfoContext(ctx, "risk: insufficient collateral",
		slog.String("maker", o.Maker),
		slog.String("balance", balance.Dec()),
		slog.String("required", required.Dec()),
	)
	return fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientBalance, required.Dec(), balance.Dec())
}

func (m *Manager) openBuyNotional(ctx context.Context, maker string) (*uint256.Int, error) {
	total := new(uint256.Int)
	if m.orders == nil {
		return total, nil
	}
	open, err := m.orders.ListOpenByMaker(ctx, maker, domain.OrderSideBuy)
	if err != nil {
		return nil, fmt.Errorf("risk: list open buys %s: %w", maker, err)
	}
	for _, o := range open {
		total.Add(total, domain.Notional(o.Remaining, o.Price))
	}
	return total, nil
}

// FinalizeAfterMatch settles a taker's reservation once its submission is
// resolved. When ok is false the whole reservation is released. Otherwise
// the matched notional is debited and whatever the resting remainder does not
// need is released.
func (m *Manager) FinalizeAfterMatch(ctx context.Context, res Reservation, price *uint256.Int, matches []*domain.Match, resting *uint256.Int, ok bool) {
	if !res.Held() {
		return
	}
	if !ok {
		m.release(ctx, res.Maker, res.Amount)
		return
	}
	spent := new(uint256.Int)
	for _, mt := range matches {
		spent.Add(spent, mt.Notional())
	}
	m.debit(ctx, res.Maker, spent)

	keep := domain.Notional(resting, price)
	excess := domain.SubClamp(res.Amount, new(uint256.Int).Add(spent, keep))
	m.release(ctx, res.Maker, excess)
}

// SettleMakerFill debits a resting buy maker for the part filled from prev
// to next remaining.
func (m *Manager) SettleMakerFill(ctx context.Context, maker string, price, prev, next *uint256.Int) {
	m.debit(ctx, maker, domain.SubClamp(domain.Notional(prev, price), domain.Notional(next, price)))
}

// ReleaseOrder frees the collateral of a resting buy leaving the book
// without trading.
func (m *Manager) ReleaseOrder(ctx context.Context, o *domain.Order) {
	if !o.IsBuy() {
		return
	}
	m.release(ctx, o.Maker, domain.Notional(o.Remaining, o.Price))
}

// Ledger failures past this point are logged, not returned.
func (m *Manager) release(ctx context.Context, maker string, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	if err := m.ledger.Release(ctx, maker, amount); err != nil {
		m.logger.ErrorContext(ctx, "risk: release failed",
			slog.String("maker", maker),
			slog.String("amount", amount.Dec()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) debit(ctx context.Context, maker string, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	if err := m.ledger.Debit(ctx, maker, amount); err != nil {
		m.logger.ErrorContext(ctx, "risk: debit failed",
			slog.String("maker", maker),
			slog.String("amount", amount.Dec()),
			slog.String("error", err.Error()),
		)
	}
}
