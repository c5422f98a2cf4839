package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Manager owns every book and one mutex per book. Books for unrelated
// markets never share a lock.
type Manager struct {
	mu     sync.RWMutex
	books  map[domain.BookKey]*Book
	locks  map[domain.BookKey]*sync.Mutex
	window time.Duration
	now    func() time.Time
}

// NewManager creates an empty manager. See NewBook for window and now.
func NewManager(window time.Duration, now func() time.Time) *Manager {
	return &Manager{
		books:  make(map[domain.BookKey]*Book),
		locks:  make(map[domain.BookKey]*sync.Mutex),
		window: window,
		now:    now,
	}
}

// Lock acquires the per-book mutex and returns its unlock func. The mutex
// outlives Drop and Reset so that waiters never end up on different locks.
func (m *Manager) Lock(key domain.BookKey) func() {
	m.mu.Lock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// GetOrCreate returns the book for key, creating it on first use. The caller
// must hold the book's lock before touching it.
func (m *Manager) GetOrCreate(key domain.BookKey) *Book {
	m.mu.RLock()
	b, ok := m.books[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[key]; ok {
		return b
	}
	b = NewBook(key, m.window, m.now)
	m.books[key] = b
	return b
}

// Get returns the book for key if it exists.
func (m *Manager) Get(key domain.BookKey) (*Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[key]
	return b, ok
}

// Keys lists every book, sorted by market then outcome.
func (m *Manager) Keys() []domain.BookKey {
	m.mu.RLock()
	keys := make([]domain.BookKey, 0, len(m.books))
	for k := range m.books {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	SortKeys(keys)
	return keys
}

// Drop forgets a book.
func (m *Manager) Drop(key domain.BookKey) {
	m.mu.Lock()
	delete(m.books, key)
	m.mu.Unlock()
}

// Reset forgets every book. Recovery calls it before rebuilding.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.books = make(map[domain.BookKey]*Book)
	m.mu.Unlock()
}

// SortKeys orders keys by market then outcome.
func SortKeys(keys []domain.BookKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].MarketKey != keys[j].MarketKey {
			return keys[i].MarketKey < keys[j].MarketKey
		}
		return keys[i].OutcomeIndex < keys[j].OutcomeIndex
	})
}
