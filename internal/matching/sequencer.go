package matching

import "sync/atomic"

// Sequencer hands out the global, strictly increasing event sequence.
// Sequences drawn for a batch that then fails to commit are lost; gaps are
// expected and harmless.
type Sequencer struct {
	cur atomic.Uint64
}

// Next returns the next sequence.
func (s *Sequencer) Next() uint64 { return s.cur.Add(1) }

// Current returns the last sequence handed out.
func (s *Sequencer) Current() uint64 { return s.cur.Load() }

// Reset moves the sequencer to v. Recovery calls it with the highest durable
// sequence before the node starts accepting orders.
func (s *Sequencer) Reset(v uint64) { s.cur.Store(v) }
