package cluster

import (
	"sort"
	"sync"
	"time"
)

// CircuitState is the externally visible state of one path's circuit.
type CircuitState struct {
	Path        string `json:"path"`
	Failures    int    `json:"failures"`
	OpenUntilMs int64  `json:"openUntilMs"`
	Open        bool   `json:"open"`
}

type circuit struct {
	failures  int
	openUntil time.Time
}

// Breaker is a per-path consecutive-failure circuit breaker. After
// threshold failures a path opens for openFor. Once that elapses the next
// attempt goes through; another failure reopens it at once, a success
// resets it.
type Breaker struct {
	threshold int
	openFor   time.Duration
	now       func() time.Time
	onChange  func(path string, open bool)

	mu    sync.Mutex
	paths map[string]*circuit
}

// NewBreaker creates a Breaker. threshold is at least 1 (default 3) and
// openFor at least one second (default 5s). onChange may be nil.
func NewBreaker(threshold int, openFor time.Duration, onChange func(path string, open bool)) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 5 * time.Second
	}
	if openFor < time.Second {
		openFor = time.Second
	}
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
		onChange:  onChange,
		paths:     make(map[string]*circuit),
	}
}

func (b *Breaker) circuit(path string) *circuit {
	c, ok := b.paths[path]
	if !ok {
		c = &circuit{}
		b.paths[path] = c
	}
	return c
}

// Allow reports whether an attempt on path may proceed. When it may not,
// wait is how long the circuit stays open.
func (b *Breaker) Allow(path string) (ok bool, wait time.Duration) {
	b.mu.Lock()
	c := b.circuit(path)
	now := b.now()
	if now.Before(c.openUntil) {
		wait = c.openUntil.Sub(now)
		b.mu.Unlock()
		return false, wait
	}
	closing := !c.openUntil.IsZero()
	c.openUntil = time.Time{}
	b.mu.Unlock()
	if closing {
		b.onChange(path, false)
	}
	return true, 0
}

// Success resets path.
func (b *Breaker) Success(path string) {
	b.mu.Lock()
	b.circuit(path).failures = 0
	b.mu.Unlock()
}

// Failure records a failed attempt on path and opens it at the threshold.
func (b *Breaker) Failure(path string) {
	b.mu.Lock()
	c := b.circuit(path)
	c.failures++
	opened := c.failures >= b.threshold
	if opened {
		c.openUntil = b.now().Add(b.openFor)
	}
	b.mu.Unlock()
	if opened {
		b.onChange(path, true)
	}
}

// OpenFor is the configured open duration.
func (b *Breaker) OpenFor() time.Duration { return b.openFor }

// States lists every known path, sorted.
func (b *Breaker) States() []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]CircuitState, 0, len(b.paths))
	for path, c := range b.paths {
		st := CircuitState{Path: path, Failures: c.failures, Open: now.Before(c.openUntil)}
		if !c.openUntil.IsZero() {
			st.OpenUntilMs = c.openUntil.UnixMilli()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
