// Package matching implements the price-time priority matching engine.
//
// Every mutation of a book follows plan, commit, apply under the book's
// mutex: the engine first works out the full outcome of a submission without
// touching the book, makes it durable in one event log commit, and only then
// changes the in-memory state. A failed commit leaves the book as it was.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/metrics"
	"github.com/alanyoungcy/matchcore/internal/orderbook"
	"github.com/alanyoungcy/matchcore/internal/risk"
)

// Leadership reports whether this node may mutate books.
type Leadership interface {
	IsLeader() bool
	LeaderID() string
	NodeID() string
}

// Deps are the collaborators of an Engine. Log, Orders and Risk are
// required; the rest may be nil.
type Deps struct {
	Books     *orderbook.Manager
	Log       domain.EventLog
	Orders    domain.OrderStore
	Risk      *risk.Manager
	Leader    Leadership
	Locks     domain.LockManager
	Publisher domain.EventPublisher
	Snapshots domain.SnapshotStore
	Archiver  domain.SnapshotArchiver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine matches orders for every book it owns.
type Engine struct {
	cfg       Config
	books     *orderbook.Manager
	log       domain.EventLog
	orders    domain.OrderStore
	risk      *risk.Manager
	leader    Leadership
	locks     domain.LockManager
	publisher domain.EventPublisher
	snapshots domain.SnapshotStore
	archiver  domain.SnapshotArchiver
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	seq       Sequencer
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Books == nil {
		deps.Books = orderbook.NewManager(0, deps.Now)
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		books:     deps.Books,
		log:       deps.Log,
		orders:    deps.Orders,
		risk:      deps.Risk,
		leader:    deps.Leader,
		locks:     deps.Locks,
		publisher: deps.Publisher,
		snapshots: deps.Snapshots,
		archiver:  deps.Archiver,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Books exposes the book manager to recovery.
func (e *Engine) Books() *orderbook.Manager { return e.books }

// Sequencer exposes the global sequencer to recovery.
func (e *Engine) Sequencer() *Sequencer { return &e.seq }

func (e *Engine) gate() error {
	if e.leader == nil || e.leader.IsLeader() {
		return nil
	}
	return &domain.NotLeaderError{LeaderID: e.leader.LeaderID(), NodeID: e.leader.NodeID()}
}

// lockBook takes the per-book mutex and, when configured, the distributed
// book lock. The returned func releases both.
func (e *Engine) lockBook(ctx context.Context, key domain.BookKey) (func(), error) {
	unlock := e.books.Lock(key)
	if !e.cfg.DistributedLock || e.locks == nil {
		return unlock, nil
	}
	lockKey := fmt.Sprintf("orderbook:lock:%s:%d", key.MarketKey, key.OutcomeIndex)
	holder := ""
	if e.leader != nil {
		holder = e.leader.NodeID()
	}
	lease, err := e.locks.Acquire(ctx, lockKey, e.cfg.LockTTL, domain.AcquireOptions{
		Holder:     holder,
		Retries:    e.cfg.LockRetries,
		RetryDelay: e.cfg.LockRetryDelay,
	})
	if err != nil {
		unlock()
		if errors.Is(err, domain.ErrLockContention) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrLockContention, lockKey, err)
	}
	return func() {
		if _, err := e.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			e.logger.WarnContext(ctx, "matching: release book lock failed",
				slog.String("key", lockKey),
				slog.String("error", err.Error()),
			)
		}
		unlock()
	}, nil
}

// step is one planned counter interaction, in walk order.
type step struct {
	maker  *domain.Order // copy taken at plan time
	amount *uint256.Int  // zero for an expiry
	expire bool
}

type plan struct {
	steps    []step
	filled   *uint256.Int
	residual *uint256.Int
	killed   bool // FOK that cannot fill completely
}

// planMatch walks the counter side without mutating it.
func (e *Engine) planMatch(book *orderbook.Book, o *domain.Order, now time.Time) (*plan, error) {
	p := &plan{filled: new(uint256.Int), residual: o.Amount.Clone()}

	if o.PostOnly {
		crosses := false
		book.WalkCounter(o.Side, o.Maker, func(c *domain.Order) bool {
			if c.ExpiredAt(now) {
				return true
			}
			crosses = orderbook.PricesCross(o.Side, o.Price, c.Price)
			return false
		})
		if crosses {
			return nil, invalid("postOnly order would cross the book")
		}
	}

	if o.TimeInForce == domain.TimeInForceFOK {
		available := new(uint256.Int)
		book.WalkCounter(o.Side, o.Maker, func(c *domain.Order) bool {
			if c.ExpiredAt(now) {
				return true
			}
			if !orderbook.PricesCross(o.Side, o.Price, c.Price) {
				return false
			}
			available.Add(available, c.Remaining)
			return available.Lt(o.Amount)
		})
		if available.Lt(o.Amount) {
			p.killed = true
			return p, nil
		}
	}

	book.WalkCounter(o.Side, o.Maker, func(c *domain.Order) bool {
		if c.ExpiredAt(now) {
			p.steps = append(p.steps, step{maker: c.Clone(), amount: new(uint256.Int), expire: true})
			return true
		}
		if p.residual.IsZero() || !orderbook.PricesCross(o.Side, o.Price, c.Price) {
			return false
		}
		amt := domain.MinInt(p.residual, c.Remaining)
		p.steps = append(p.steps, step{maker: c.Clone(), amount: amt})
		p.residual.Sub(p.residual, amt)
		p.filled.Add(p.filled, amt)
		return true
	})
	return p, nil
}

// Submit validates, risk-checks and matches one order. The returned result
// is durable: every match and the order's final state are committed before
// Submit returns.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (*domain.SubmitResult, error) {
	start := e.now()
	res, err := e.submit(ctx, req)
	e.metrics.Submission(outcomeLabel(err), e.now().Sub(start))
	return res, err
}

func (e *Engine) submit(ctx context.Context, req OrderRequest) (*domain.SubmitResult, error) {
	if err := e.gate(); err != nil {
		return nil, err
	}
	now := e.now()
	o, err := e.cfg.buildOrder(req, now)
	if err != nil {
		return nil, err
	}
	key := o.Book()

	unlock, err := e.lockBook(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Leadership may have moved while waiting on the lock.
	if err := e.gate(); err != nil {
		return nil, err
	}

	book := e.books.GetOrCreate(key)
	if err := e.checkCapacity(ctx, book, o); err != nil {
		return nil, err
	}

	p, err := e.planMatch(book, o, now)
	if err != nil {
		return nil, err
	}

	reservation, err := e.risk.CheckAndReserve(ctx, o, risk.Position{
		Exposure:    book.MakerExposure(o.Maker),
		RestingSell: book.MakerRemaining(o.Maker, domain.OrderSideSell),
	})
	if err != nil {
		return nil, err
	}

	batch, result := e.sequence(o, p, now)
	if err := e.log.Commit(ctx, batch); err != nil {
		e.risk.FinalizeAfterMatch(ctx, reservation, o.Price, nil, nil, false)
		e.logger.ErrorContext(ctx, "matching: commit failed",
			slog.String("book", key.String()),
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrDurability, err)
	}

	e.apply(ctx, book, o, p, result, batch.LastSequence())
	resting := new(uint256.Int)
	if result.RemainingOrder != nil {
		resting = result.RemainingOrder.Remaining
	}
	e.risk.FinalizeAfterMatch(ctx, reservation, o.Price, result.Matches, resting, true)

	e.metrics.Matches(len(result.Matches))
	e.logger.InfoContext(ctx, "matching: order accepted",
		slog.String("book", key.String()),
		slog.String("order_id", o.ID),
		slog.String("side", string(o.Side)),
		slog.String("price", o.Price.Dec()),
		slog.Int("matches", len(result.Matches)),
		slog.Uint64("sequence", o.Sequence),
	)
	e.publish(ctx, book, submitEvents(o, result, p, now))
	return result, nil
}

func (e *Engine) checkCapacity(ctx context.Context, book *orderbook.Book, o *domain.Order) error {
	if book.Has(o.ID) {
		return invalid("duplicate order %s", o.ID)
	}
	exists, err := e.orders.Exists(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("matching: check order %s: %w", o.ID, err)
	}
	if exists {
		return invalid("duplicate order %s", o.ID)
	}
	if book.Len() >= e.cfg.MaxOrdersPerMarket {
		return invalid("book %s is full (%d orders)", book.Key(), e.cfg.MaxOrdersPerMarket)
	}
	open, err := e.orders.CountOpenByMaker(ctx, o.Maker)
	if err != nil {
		return fmt.Errorf("matching: count open orders %s: %w", o.Maker, err)
	}
	if open >= e.cfg.MaxOrdersPerUser {
		return invalid("maker %s has %d open orders", o.Maker, open)
	}
	return nil
}

// sequence turns a plan into the commit batch and the result it implies.
// Sequences are drawn accept first, then per step, then the residual cancel.
func (e *Engine) sequence(o *domain.Order, p *plan, now time.Time) (domain.CommitBatch, *domain.SubmitResult) {
	key := o.Book()
	o.Sequence = e.seq.Next()

	batch := domain.CommitBatch{Book: key}
	placed := o.Clone()
	batch.Events = append(batch.Events, domain.EventEntry{
		Sequence: o.Sequence, Type: domain.EventOrderPlaced, Book: key, Order: placed, Time: now,
	})

	result := &domain.SubmitResult{Order: o, Matches: []*domain.Match{}, Unfilled: new(uint256.Int)}
	for _, s := range p.steps {
		seq := e.seq.Next()
		if s.expire {
			exp := s.maker.Clone()
			exp.Status = domain.OrderStatusExpired
			exp.UpdatedAt = now
			batch.Orders = append(batch.Orders, exp)
			batch.Events = append(batch.Events, domain.EventEntry{
				Sequence: seq, Type: domain.EventOrderExpired, Book: key, OrderID: exp.ID, Time: now,
			})
			continue
		}
		notional := domain.Notional(s.amount, s.maker.Price)
		m := &domain.Match{
			ID:           uuid.NewString(),
			Book:         key,
			TakerOrderID: o.ID,
			MakerOrderID: s.maker.ID,
			Taker:        o.Maker,
			Maker:        s.maker.Maker,
			TakerSide:    o.Side,
			Price:        s.maker.Price.Clone(),
			Amount:       s.amount.Clone(),
			TakerFee:     domain.FeeFor(notional, e.cfg.TakerFeeBps),
			MakerFee:     domain.FeeFor(notional, e.cfg.MakerFeeBps),
			Sequence:     seq,
			Timestamp:    now,
		}
		result.Matches = append(result.Matches, m)
		batch.Matches = append(batch.Matches, m)
		batch.Events = append(batch.Events, domain.EventEntry{
			Sequence: seq, Type: domain.EventOrderMatched, Book: key, Match: m, Time: now,
		})

		mk := s.maker.Clone()
		mk.Remaining.Sub(mk.Remaining, s.amount)
		mk.Status = mk.FillStatus()
		mk.UpdatedAt = now
		batch.Orders = append(batch.Orders, mk)
	}

	o.Remaining = p.residual.Clone()
	if p.killed {
		o.Remaining = o.Amount.Clone()
	}
	o.Status = o.FillStatus()
	switch {
	case o.Remaining.IsZero():
	case o.TimeInForce.Rests():
		result.RemainingOrder = o.Clone()
	default:
		result.Unfilled = o.Remaining.Clone()
		batch.Events = append(batch.Events, domain.EventEntry{
			Sequence: e.seq.Next(), Type: domain.EventOrderCanceled, Book: key,
			OrderID: o.ID, Reason: domain.ReasonUnfilledRemainder, Time: now,
		})
		o.Remaining = new(uint256.Int)
		o.Status = domain.OrderStatusCanceled
	}
	o.UpdatedAt = now
	batch.Orders = append([]*domain.Order{o.Clone()}, batch.Orders...)
	return batch, result
}

// apply mutates the book to the committed outcome.
func (e *Engine) apply(ctx context.Context, book *orderbook.Book, o *domain.Order, p *plan, result *domain.SubmitResult, last uint64) {
	for _, s := range p.steps {
		if s.expire {
			if gone, ok := book.Remove(s.maker.ID); ok {
				e.risk.ReleaseOrder(ctx, gone)
			}
			continue
		}
		next, ok := book.Fill(s.maker.ID, s.amount)
		if ok && s.maker.IsBuy() {
			e.risk.SettleMakerFill(ctx, s.maker.Maker, s.maker.Price, s.maker.Remaining, next)
		}
	}
	for _, m := range result.Matches {
		book.RecordTrade(m.Price, m.Amount, m.Timestamp)
	}
	if result.RemainingOrder != nil {
		if err := book.Add(result.RemainingOrder); err != nil {
			e.logger.ErrorContext(ctx, "matching: rest order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if n := expiredSteps(p); n > 0 {
		e.metrics.Expired(n)
	}
	if !result.Unfilled.IsZero() {
		e.metrics.Cancel(domain.ReasonUnfilledRemainder)
	}
	book.SetWatermark(last)
}

func expiredSteps(p *plan) int {
	n := 0
	for _, s := range p.steps {
		if s.expire {
			n++
		}
	}
	return n
}

// Cancel pulls the maker's order from its book. An order that is no longer
// resting is marked canceled in the store if it is still open there.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*domain.CancelResult, error) {
	if err := e.gate(); err != nil {
		return nil, err
	}
	if err := e.cfg.checkCancel(req); err != nil {
		return nil, err
	}
	id := domain.OrderID(req.Maker, req.Salt)
	key := domain.BookKey{MarketKey: req.MarketKey, OutcomeIndex: req.OutcomeIndex}

	// The id carries no book; the stored row says which book the order is in.
	stored, err := e.orders.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("matching: load order %s: %w", id, err)
	case stored.Book() != key:
		return nil, fmt.Errorf("matching: order %s belongs to book %s, not %s: %w",
			id, stored.Book(), key, domain.ErrInvalidOrder)
	}

	unlock, err := e.lockBook(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.gate(); err != nil {
		return nil, err
	}

	now := e.now()
	book, ok := e.books.Get(key)
	if !ok || !book.Has(id) {
		marked, err := e.orders.MarkCanceled(ctx, id, now)
		if err != nil {
			return nil, fmt.Errorf("matching: mark canceled %s: %w", id, err)
		}
		return &domain.CancelResult{OrderID: id, Canceled: marked}, nil
	}

	o, _ := book.Get(id)
	if err := e.removeOrders(ctx, book, []*domain.Order{o}, domain.EventOrderCanceled, domain.ReasonUserCanceled, now); err != nil {
		return nil, err
	}
	e.metrics.Cancel(domain.ReasonUserCanceled)
	e.logger.InfoContext(ctx, "matching: order canceled",
		slog.String("book", key.String()),
		slog.String("order_id", id),
	)
	return &domain.CancelResult{OrderID: id, Canceled: true, Resting: true}, nil
}

// ExpireDue removes every resting order whose expiry has passed. It
// returns the number of orders expired.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	if err := e.gate(); err != nil {
		return 0, err
	}
	total := 0
	for _, key := range e.books.Keys() {
		n, err := e.expireBook(ctx, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	e.metrics.Expired(total)
	return total, nil
}

func (e *Engine) expireBook(ctx context.Context, key domain.BookKey) (int, error) {
	unlock, err := e.lockBook(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	book, ok := e.books.Get(key)
	if !ok {
		return 0, nil
	}
	now := e.now()
	due := book.Expired(now)
	if len(due) == 0 {
		return 0, nil
	}
	if err := e.removeOrders(ctx, book, due, domain.EventOrderExpired, "", now); err != nil {
		return 0, err
	}
	e.logger.InfoContext(ctx, "matching: expired orders",
		slog.String("book", key.String()),
		slog.Int("count", len(due)),
	)
	return len(due), nil
}

// removeOrders commits and applies the removal of resting orders, either
// canceled or expired. The caller holds the book lock.
func (e *Engine) removeOrders(ctx context.Context, book *orderbook.Book, gone []*domain.Order, typ domain.EventType, reason string, now time.Time) error {
	key := book.Key()
	status := domain.OrderStatusCanceled
	if typ == domain.EventOrderExpired {
		status = domain.OrderStatusExpired
	}

	batch := domain.CommitBatch{Book: key}
	for _, o := range gone {
		row := o.Clone()
		row.Status = status
		row.UpdatedAt = now
		batch.Orders = append(batch.Orders, row)
		batch.Events = append(batch.Events, domain.EventEntry{
			Sequence: e.seq.Next(), Type: typ, Book: key, OrderID: o.ID, Reason: reason, Time: now,
		})
	}
	if err := e.log.Commit(ctx, batch); err != nil {
		e.logger.ErrorContext(ctx, "matching: commit failed",
			slog.String("book", key.String()),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", domain.ErrDurability, err)
	}

	events := make([]domain.MarketEvent, 0, len(gone)+2)
	for _, o := range gone {
		if removed, ok := book.Remove(o.ID); ok {
			e.risk.ReleaseOrder(ctx, removed)
		}
		events = append(events, domain.MarketEvent{
			Type: domain.MarketEventOrderCanceled, Book: key, Time: now,
			Payload: orderCanceledPayload{OrderID: o.ID, Maker: o.Maker, Reason: reasonOr(reason, string(typ))},
		})
	}
	book.SetWatermark(batch.LastSequence())
	e.publish(ctx, book, events)
	return nil
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// Depth returns the aggregated levels of a book. Unknown books are empty.
func (e *Engine) Depth(key domain.BookKey, levels int) domain.BookDepth {
	if levels <= 0 {
		levels = e.cfg.DepthLevels
	}
	unlock := e.books.Lock(key)
	defer unlock()
	book, ok := e.books.Get(key)
	if !ok {
		return domain.BookDepth{Book: key, Bids: []domain.DepthLevel{}, Asks: []domain.DepthLevel{}}
	}
	return book.Depth(levels)
}

// Stats returns the statistics of a book. Unknown books are empty.
func (e *Engine) Stats(key domain.BookKey) domain.BookStats {
	unlock := e.books.Lock(key)
	defer unlock()
	book, ok := e.books.Get(key)
	if !ok {
		return orderbook.NewBook(key, 0, e.now).Stats()
	}
	return book.Stats()
}

// SnapshotAll snapshots every book, one lock at a time, saves each to the
// snapshot store and hands it to the archiver when one is configured.
func (e *Engine) SnapshotAll(ctx context.Context) (int, error) {
	if e.snapshots == nil {
		return 0, nil
	}
	saved := 0
	var errs []error
	for _, key := range e.books.Keys() {
		unlock := e.books.Lock(key)
		book, ok := e.books.Get(key)
		var snap *domain.Snapshot
		if ok {
			snap = book.Snapshot()
		}
		unlock()
		if snap == nil || snap.SequenceWatermark == 0 {
			continue
		}

		if err := e.snapshots.Save(ctx, snap); err != nil {
			e.metrics.Snapshot("error")
			errs = append(errs, fmt.Errorf("matching: save snapshot %s: %w", key, err))
			continue
		}
		e.metrics.Snapshot("saved")
		saved++
		if e.archiver != nil {
			if err := e.archiver.Archive(ctx, snap); err != nil {
				e.logger.WarnContext(ctx, "matching: archive snapshot failed",
					slog.String("book", key.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return saved, errors.Join(errs...)
}

// outcomeLabel maps a submission error to a low-cardinality metric label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrNotLeader):
		return "not_leader"
	case errors.Is(err, domain.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrOrderExpired):
		return "invalid"
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientInventory),
		errors.Is(err, domain.ErrNotApproved),
		errors.Is(err, domain.ErrExposureLimit):
		return "risk"
	case errors.Is(err, domain.ErrLockContention):
		return "lock_contention"
	case errors.Is(err, domain.ErrDurability):
		return "durability"
	default:
		return "error"
	}
}
