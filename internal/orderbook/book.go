// Package orderbook implements the in-memory price-time priority limit order
// book for one market outcome, plus the manager that owns every book.
//
// A Book is not safe for concurrent use. Callers serialise access through
// Manager.Lock, which hands out one mutex per book.
package orderbook

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// DefaultDepthLevels is used when Depth is called with maxLevels <= 0.
const DefaultDepthLevels = 20

// DefaultVolumeWindow is the trailing window of Stats().Volume24h.
const DefaultVolumeWindow = 24 * time.Hour

var (
	errEmptyOrder  = errors.New("orderbook: order has no remaining amount")
	errWrongBook   = errors.New("orderbook: order belongs to another book")
	errUnknownSide = errors.New("orderbook: unknown order side")
)

// priceLevel is the FIFO queue of orders resting at one price. total always
// equals the sum of the queued orders' remaining amounts.
type priceLevel struct {
	price uint256.Int
	total uint256.Int
	queue *list.List // of *domain.Order
}

type entry struct {
	order *domain.Order
	level *priceLevel
	elem  *list.Element
}

func levelLess(a, b *priceLevel) bool {
	return a.price.Lt(&b.price)
}

// Book holds both sides of one (market, outcome) pair. Both trees are ordered
// ascending by price; bids are walked in reverse.
type Book struct {
	key   domain.BookKey
	bids  *btree.BTreeG[*priceLevel]
	asks  *btree.BTreeG[*priceLevel]
	index map[string]*entry

	lastTrade   *uint256.Int
	volume      *uint256.Int
	windowStart time.Time
	window      time.Duration

	watermark uint64
	now       func() time.Time
}

// NewBook returns an empty book. window <= 0 selects DefaultVolumeWindow and
// a nil now selects time.Now.
func NewBook(key domain.BookKey, window time.Duration, now func() time.Time) *Book {
	if window <= 0 {
		window = DefaultVolumeWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Book{
		key:    key,
		bids:   btree.NewBTreeG(levelLess),
		asks:   btree.NewBTreeG(levelLess),
		index:  make(map[string]*entry),
		volume: new(uint256.Int),
		window: window,
		now:    now,
	}
}

// Key returns the book identity.
func (b *Book) Key() domain.BookKey { return b.key }

// Len is the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Watermark is the highest event sequence applied to the book.
func (b *Book) Watermark() uint64 { return b.watermark }

// SetWatermark advances the watermark. Lower values are ignored.
func (b *Book) SetWatermark(seq uint64) {
	if seq > b.watermark {
		b.watermark = seq
	}
}

func (b *Book) side(s domain.OrderSide) (*btree.BTreeG[*priceLevel], error) {
	switch s {
	case domain.OrderSideBuy:
		return b.bids, nil
	case domain.OrderSideSell:
		return b.asks, nil
	}
	return nil, errUnknownSide
}

// Add rests a copy of o at o.Price, appending it to the level's queue. Adding
// an id that is already resting replaces it: at the same price and side the
// queue position is kept and the level total moves by the delta, otherwise
// the old entry is removed first.
func (b *Book) Add(o *domain.Order) error {
	if o.Remaining == nil || o.Remaining.IsZero() {
		return errEmptyOrder
	}
	if o.Book() != b.key {
		return errWrongBook
	}
	tree, err := b.side(o.Side)
	if err != nil {
		return err
	}
	order := o.Clone()

	if old, ok := b.index[order.ID]; ok {
		if old.order.Side == order.Side && old.level.price.Eq(order.Price) {
			old.level.total.Sub(&old.level.total, old.order.Remaining)
			old.level.total.Add(&old.level.total, order.Remaining)
			old.elem.Value = order
			old.order = order
			return nil
		}
		b.Remove(order.ID)
	}

	pivot := &priceLevel{price: *order.Price}
	lvl, ok := tree.Get(pivot)
	if !ok {
		lvl = &priceLevel{price: *order.Price, queue: list.New()}
		tree.Set(lvl)
	}
	elem := lvl.queue.PushBack(order)
	lvl.total.Add(&lvl.total, order.Remaining)
	b.index[order.ID] = &entry{order: order, level: lvl, elem: elem}
	return nil
}

// Remove pulls an order out of the book, dropping its level when empty.
func (b *Book) Remove(id string) (*domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	delete(b.index, id)
	e.level.queue.Remove(e.elem)
	e.level.total.Sub(&e.level.total, e.order.Remaining)
	if e.level.queue.Len() == 0 {
		tree, _ := b.side(e.order.Side)
		tree.Delete(e.level)
	}
	return e.order, true
}

// Fill decrements a resting order by amount (capped at its remaining) and
// removes it once nothing remains. It returns the order's new remaining.
func (b *Book) Fill(id string, amount *uint256.Int) (*uint256.Int, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	dec := domain.MinInt(amount, e.order.Remaining)
	e.order.Remaining.Sub(e.order.Remaining, dec)
	e.level.total.Sub(&e.level.total, dec)
	if e.order.Remaining.IsZero() {
		b.Remove(id)
		return new(uint256.Int), true
	}
	return e.order.Remaining.Clone(), true
}

// Get returns a copy of a resting order.
func (b *Book) Get(id string) (*domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return e.order.Clone(), true
}

// Has reports whether id is resting.
func (b *Book) Has(id string) bool {
	_, ok := b.index[id]
	return ok
}

// WalkCounter visits resting orders on the side opposite takerSide in match
// priority: best price first, then queue order. Orders whose maker equals
// excludeMaker are skipped without being touched. fn must not mutate the
// order or the book; returning false stops the walk.
func (b *Book) WalkCounter(takerSide domain.OrderSide, excludeMaker string, fn func(o *domain.Order) bool) {
	visit := func(lvl *priceLevel) bool {
		for el := lvl.queue.Front(); el != nil; el = el.Next() {
			o := el.Value.(*domain.Order)
			if excludeMaker != "" && strings.EqualFold(o.Maker, excludeMaker) {
				continue
			}
			if !fn(o) {
				return false
			}
		}
		return true
	}
	if takerSide == domain.OrderSideBuy {
		b.asks.Scan(visit)
		return
	}
	b.bids.Reverse(visit)
}

// BestCounterOrder returns the first order WalkCounter would visit.
func (b *Book) BestCounterOrder(takerSide domain.OrderSide, excludeMaker string) (*domain.Order, bool) {
	var best *domain.Order
	b.WalkCounter(takerSide, excludeMaker, func(o *domain.Order) bool {
		best = o
		return false
	})
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// Crosses reports whether price would trade against the opposite side,
// ignoring excludeMaker's own orders.
func (b *Book) Crosses(side domain.OrderSide, price *uint256.Int, excludeMaker string) bool {
	best, ok := b.BestCounterOrder(side, excludeMaker)
	if !ok {
		return false
	}
	return PricesCross(side, price, best.Price)
}

// PricesCross applies the crossing rule: a buy at limit trades against asks at
// or below it, a sell against bids at or above it.
func PricesCross(takerSide domain.OrderSide, limit, counter *uint256.Int) bool {
	if takerSide == domain.OrderSideBuy {
		return !counter.Gt(limit)
	}
	return !counter.Lt(limit)
}

// Depth aggregates up to maxLevels levels per side, best first.
func (b *Book) Depth(maxLevels int) domain.BookDepth {
	if maxLevels <= 0 {
		maxLevels = DefaultDepthLevels
	}
	collect := func(out *[]domain.DepthLevel) func(*priceLevel) bool {
		return func(lvl *priceLevel) bool {
			*out = append(*out, domain.DepthLevel{
				Price:      lvl.price.Clone(),
				Quantity:   lvl.total.Clone(),
				OrderCount: lvl.queue.Len(),
			})
			return len(*out) < maxLevels
		}
	}
	depth := domain.BookDepth{Book: b.key, Bids: []domain.DepthLevel{}, Asks: []domain.DepthLevel{}}
	b.bids.Reverse(collect(&depth.Bids))
	b.asks.Scan(collect(&depth.Asks))
	return depth
}

// Stats reports top of book, aggregate depth and trailing volume.
func (b *Book) Stats() domain.BookStats {
	st := domain.BookStats{
		Book:          b.key,
		BidDepth:      sideTotal(b.bids),
		AskDepth:      sideTotal(b.asks),
		Volume24h:     new(uint256.Int),
		RestingOrders: len(b.index),
	}
	if lvl, ok := b.bids.Max(); ok {
		st.BestBid = lvl.price.Clone()
	}
	if lvl, ok := b.asks.Min(); ok {
		st.BestAsk = lvl.price.Clone()
	}
	if st.BestBid != nil && st.BestAsk != nil {
		// A resting book never crosses, but a replay can leave an
		// intermediate cross; report zero rather than underflow.
		st.Spread = domain.SubClamp(st.BestAsk, st.BestBid)
	}
	if b.lastTrade != nil {
		st.LastTradePrice = b.lastTrade.Clone()
	}
	if !b.windowStart.IsZero() && b.now().Sub(b.windowStart) < b.window {
		st.Volume24h = b.volume.Clone()
	}
	return st
}

func sideTotal(tree *btree.BTreeG[*priceLevel]) *uint256.Int {
	total := new(uint256.Int)
	tree.Scan(func(lvl *priceLevel) bool {
		total.Add(total, &lvl.total)
		return true
	})
	return total
}

// RecordTrade updates last trade price and the trailing volume window. The
// window restarts at the first trade after it has elapsed.
func (b *Book) RecordTrade(price, amount *uint256.Int, at time.Time) {
	b.lastTrade = price.Clone()
	if b.windowStart.IsZero() || at.Sub(b.windowStart) >= b.window {
		b.windowStart = at
		b.volume = new(uint256.Int)
	}
	b.volume.Add(b.volume, amount)
}

// MakerExposure sums the maker's resting notional per side in this book.
func (b *Book) MakerExposure(maker string) domain.Exposure {
	exp := domain.Exposure{Long: new(uint256.Int), Short: new(uint256.Int)}
	for _, e := range b.index {
		if !strings.EqualFold(e.order.Maker, maker) {
			continue
		}
		n := domain.Notional(e.order.Remaining, e.order.Price)
		if e.order.IsBuy() {
			exp.Long.Add(exp.Long, n)
		} else {
			exp.Short.Add(exp.Short, n)
		}
	}
	return exp
}

// MakerRemaining sums the maker's resting remaining amount on one side.
func (b *Book) MakerRemaining(maker string, side domain.OrderSide) *uint256.Int {
	total := new(uint256.Int)
	for _, e := range b.index {
		if e.order.Side == side && strings.EqualFold(e.order.Maker, maker) {
			total.Add(total, e.order.Remaining)
		}
	}
	return total
}

// Expired returns copies of resting orders whose expiry is at or before now,
// in sequence order.
func (b *Book) Expired(now time.Time) []*domain.Order {
	var out []*domain.Order
	for _, e := range b.index {
		if e.order.ExpiredAt(now) {
			out = append(out, e.order.Clone())
		}
	}
	sortBySequence(out)
	return out
}

// Snapshot copies the book. Per side, orders are listed best level first and
// in queue order within a level.
func (b *Book) Snapshot() *domain.Snapshot {
	snap := &domain.Snapshot{
		Book:              b.key,
		SequenceWatermark: b.watermark,
		Bids:              []*domain.Order{},
		Asks:              []*domain.Order{},
		Volume24h:         b.volume.Clone(),
		VolumeWindowStart: b.windowStart,
		TakenAt:           b.now(),
	}
	if b.lastTrade != nil {
		snap.LastTradePrice = b.lastTrade.Clone()
	}
	dump := func(out *[]*domain.Order) func(*priceLevel) bool {
		return func(lvl *priceLevel) bool {
			for el := lvl.queue.Front(); el != nil; el = el.Next() {
				*out = append(*out, el.Value.(*domain.Order).Clone())
			}
			return true
		}
	}
	b.bids.Reverse(dump(&snap.Bids))
	b.asks.Scan(dump(&snap.Asks))
	return snap
}

// Restore replaces the book's contents with snap.
func (b *Book) Restore(snap *domain.Snapshot) error {
	if snap.Book != b.key {
		return fmt.Errorf("orderbook: restore %s into %s: %w", snap.Book, b.key, errWrongBook)
	}
	b.bids = btree.NewBTreeG(levelLess)
	b.asks = btree.NewBTreeG(levelLess)
	b.index = make(map[string]*entry)
	for _, side := range [][]*domain.Order{snap.Bids, snap.Asks} {
		for _, o := range side {
			if err := b.Add(o); err != nil {
				return fmt.Errorf("orderbook: restore order %s: %w", o.ID, err)
			}
		}
	}
	b.lastTrade = nil
	if snap.LastTradePrice != nil {
		b.lastTrade = snap.LastTradePrice.Clone()
	}
	b.volume = new(uint256.Int)
	if snap.Volume24h != nil {
		b.volume = snap.Volume24h.Clone()
	}
	b.windowStart = snap.VolumeWindowStart
	b.watermark = snap.SequenceWatermark
	return nil
}
