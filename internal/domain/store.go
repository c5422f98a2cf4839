package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// EventLog is the append-only, sequence-keyed record of book mutations.
type EventLog interface {
	// Commit durably writes the order rows, matches and events of one
	// mutation atomically. A sequence that already exists for the book fails
	// the whole batch.
	Commit(ctx context.Context, batch CommitBatch) error
	// Stream calls fn for each entry of key with Sequence > after, in order.
	Stream(ctx context.Context, key BookKey, after uint64, fn func(EventEntry) error) error
	// Books lists every book that has at least one entry.
	Books(ctx context.Context) ([]BookKey, error)
	// LastSequence is the highest sequence across all books, 0 when empty.
	LastSequence(ctx context.Context) (uint64, error)
}

// OrderStore reads durable order history.
type OrderStore interface {
	Get(ctx context.Context, id string) (*Order, error)
	Exists(ctx context.Context, id string) (bool, error)
	// ListOpenByMaker returns the maker's open and partially filled orders on
	// one side across every book.
	ListOpenByMaker(ctx context.Context, maker string, side OrderSide) ([]*Order, error)
	CountOpenByMaker(ctx context.Context, maker string) (int, error)
	// MarkCanceled flips a still-live stored order to canceled. It reports
	// false when the order was absent or already terminal.
	MarkCanceled(ctx context.Context, id string, at time.Time) (bool, error)
}

// TradeStore reads durable match history.
type TradeStore interface {
	ListByBook(ctx context.Context, key BookKey, limit int) ([]*Match, error)
}

// SnapshotStore keeps the latest snapshot per book.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns ErrNotFound when no snapshot exists for key.
	Load(ctx context.Context, key BookKey) (*Snapshot, error)
	List(ctx context.Context) ([]BookKey, error)
}

// SnapshotArchiver keeps historical snapshots in cold storage.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snap *Snapshot) error
}

// Account is a maker's off-chain collateral position in micro-USDC.
// HasLedger is false when the store has no row for the maker, in which case
// reserved must be recomputed from open orders.
type Account struct {
	Maker     string
	Balance   *uint256.Int
	Reserved  *uint256.Int
	HasLedger bool
}

// CollateralLedger tracks balances and incremental reservations.
type CollateralLedger interface {
	Account(ctx context.Context, maker string) (Account, error)
	SetBalance(ctx context.Context, maker string, balance *uint256.Int) error
	// Reserve returns ErrInsufficientBalance when balance-reserved < amount.
	Reserve(ctx context.Context, maker string, amount *uint256.Int) error
	// Release lowers reserved by amount, clamped at zero.
	Release(ctx context.Context, maker string, amount *uint256.Int) error
	// Debit consumes reserved collateral for executed fills: both balance
	// and reserved drop by amount, each clamped at zero.
	Debit(ctx context.Context, maker string, amount *uint256.Int) error
}

// InventoryQuery identifies one maker's outcome token position.
type InventoryQuery struct {
	Maker             string
	VerifyingContract string
	OutcomeIndex      int
	ChainID           int64
}

// Inventory is an outcome token balance plus the operator approval flag.
type Inventory struct {
	Balance  *uint256.Int
	Approved bool
}

// InventorySource reads outcome token positions, normally from chain.
type InventorySource interface {
	Inventory(ctx context.Context, q InventoryQuery) (Inventory, error)
}

// CollateralSource reads the maker's on-chain collateral balance.
type CollateralSource interface {
	CollateralBalance(ctx context.Context, maker string, chainID int64) (*uint256.Int, error)
}
