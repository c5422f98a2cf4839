// Package memory provides in-process implementations of the storage
// interfaces. They back single-node development runs and tests, and keep the
// same commit semantics as the Postgres stores: a batch is applied wholly or
// not at all.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Store is an EventLog, OrderStore and TradeStore sharing one lock.
type Store struct {
	mu      sync.RWMutex
	events  map[domain.BookKey][]domain.EventEntry
	seqs    map[uint64]struct{}
	orders  map[string]*domain.Order
	matches []*domain.Match
	lastSeq uint64

	// FailCommit, when set, is returned by Commit before anything is
	// written. Tests use it to simulate a durability outage.
	FailCommit error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		events: make(map[domain.BookKey][]domain.EventEntry),
		seqs:   make(map[uint64]struct{}),
		orders: make(map[string]*domain.Order),
	}
}

// Commit implements domain.EventLog.
func (s *Store) Commit(_ context.Context, batch domain.CommitBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommit != nil {
		return s.FailCommit
	}
	for _, e := range batch.Events {
		if _, dup := s.seqs[e.Sequence]; dup {
			return fmt.Errorf("memory: commit %s: sequence %d: %w", batch.Book, e.Sequence, domain.ErrAlreadyExists)
		}
	}
	for _, o := range batch.Orders {
		s.orders[o.ID] = o.Clone()
	}
	for _, m := range batch.Matches {
		c := *m
		s.matches = append(s.matches, &c)
	}
	for _, e := range batch.Events {
		s.seqs[e.Sequence] = struct{}{}
		s.events[e.Book] = append(s.events[e.Book], e)
		if e.Sequence > s.lastSeq {
			s.lastSeq = e.Sequence
		}
	}
	return nil
}

// Stream implements domain.EventLog.
func (s *Store) Stream(_ context.Context, key domain.BookKey, after uint64, fn func(domain.EventEntry) error) error {
	s.mu.RLock()
	entries := make([]domain.EventEntry, 0, len(s.events[key]))
	for _, e := range s.events[key] {
		if e.Sequence > after {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Books implements domain.EventLog.
func (s *Store) Books(_ context.Context) ([]domain.BookKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]domain.BookKey, 0, len(s.events))
	for k := range s.events {
		keys = append(keys, k)
	}
	return keys, nil
}

// LastSequence implements domain.EventLog.
func (s *Store) LastSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq, nil
}

// Events returns a copy of every entry of key, in sequence order.
func (s *Store) Events(key domain.BookKey) []domain.EventEntry {
	out := make([]domain.EventEntry, 0)
	_ = s.Stream(context.Background(), key, 0, func(e domain.EventEntry) error {
		out = append(out, e)
		return nil
	})
	return out
}

// Get implements domain.OrderStore.
func (s *Store) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("memory: order %s: %w", id, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// Exists implements domain.OrderStore.
func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.orders[id]
	return ok, nil
}

// ListOpenByMaker implements domain.OrderStore.
func (s *Store) ListOpenByMaker(_ context.Context, maker string, side domain.OrderSide) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Order
	for _, o := range s.orders {
		if o.Side == side && o.Status.Live() && strings.EqualFold(o.Maker, maker) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// CountOpenByMaker implements domain.OrderStore.
func (s *Store) CountOpenByMaker(_ context.Context, maker string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if o.Status.Live() && strings.EqualFold(o.Maker, maker) {
			n++
		}
	}
	return n, nil
}

// MarkCanceled implements domain.OrderStore.
func (s *Store) MarkCanceled(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || !o.Status.Live() {
		return false, nil
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = at
	return true, nil
}

// ListByBook implements domain.TradeStore, newest first.
func (s *Store) ListByBook(_ context.Context, key domain.BookKey, limit int) ([]*domain.Match, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Match
	for i := len(s.matches) - 1; i >= 0 && len(out) < limit; i-- {
		if s.matches[i].Book == key {
			c := *s.matches[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// SnapshotStore keeps the newest snapshot per book.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[domain.BookKey]*domain.Snapshot
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[domain.BookKey]*domain.Snapshot)}
}

// Save keeps snap unless a snapshot with a higher watermark is stored.
func (s *SnapshotStore) Save(_ context.Context, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[snap.Book]; ok && cur.SequenceWatermark > snap.SequenceWatermark {
		return nil
	}
	s.snaps[snap.Book] = snap
	return nil
}

// Load returns domain.ErrNotFound when key has no snapshot.
func (s *SnapshotStore) Load(_ context.Context, key domain.BookKey) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[key]
	if !ok {
		return nil, fmt.Errorf("memory: snapshot %s: %w", key, domain.ErrNotFound)
	}
	return snap, nil
}

// List returns every book with a snapshot.
func (s *SnapshotStore) List(_ context.Context) ([]domain.BookKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]domain.BookKey, 0, len(s.snaps))
	for k := range s.snaps {
		keys = append(keys, k)
	}
	return keys, nil
}

// Ledger is an in-memory domain.CollateralLedger.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*domain.Account)}
}

func (l *Ledger) lookup(maker string) *domain.Account {
	maker = strings.ToLower(maker)
	a, ok := l.accounts[maker]
	if !ok {
		a = &domain.Account{Maker: maker, Balance: new(uint256.Int), Reserved: new(uint256.Int)}
		l.accounts[maker] = a
	}
	a.HasLedger = true
	return a
}

// Account implements domain.CollateralLedger.
func (l *Ledger) Account(_ context.Context, maker string) (domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[strings.ToLower(maker)]
	if !ok {
		return domain.Account{Maker: strings.ToLower(maker), Balance: new(uint256.Int), Reserved: new(uint256.Int)}, nil
	}
	return domain.Account{Maker: a.Maker, Balance: a.Balance.Clone(), Reserved: a.Reserved.Clone(), HasLedger: true}, nil
}

// SetBalance implements domain.CollateralLedger.
func (l *Ledger) SetBalance(_ context.Context, maker string, balance *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookup(maker).Balance = balance.Clone()
	return nil
}

// Reserve implements domain.CollateralLedger.
func (l *Ledger) Reserve(_ context.Context, maker string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.lookup(maker)
	free := domain.SubClamp(a.Balance, a.Reserved)
	if free.Lt(amount) {
		return fmt.Errorf("memory: reserve %s: %w", maker, domain.ErrInsufficientBalance)
	}
	a.Reserved.Add(a.Reserved, amount)
	return nil
}

// Release implements domain.CollateralLedger.
func (l *Ledger) Release(_ context.Context, maker string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.lookup(maker)
	a.Reserved = domain.SubClamp(a.Reserved, amount)
	return nil
}

// Debit implements domain.CollateralLedger.
func (l *Ledger) Debit(_ context.Context, maker string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.lookup(maker)
	a.Balance = domain.SubClamp(a.Balance, amount)
	a.Reserved = domain.SubClamp(a.Reserved, amount)
	return nil
}

// Compile-time interface checks.
var (
	_ domain.EventLog         = (*Store)(nil)
	_ domain.OrderStore       = (*Store)(nil)
	_ domain.TradeStore       = (*Store)(nil)
	_ domain.SnapshotStore    = (*SnapshotStore)(nil)
	_ domain.CollateralLedger = (*Ledger)(nil)
)
