package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThresholdAndRecovers(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var changes []bool
	b := NewBreaker(3, 2*time.Second, func(_ string, open bool) { changes = append(changes, open) })
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, _ := b.Allow("/api/orders")
		assert.True(t, ok)
		b.Failure("/api/orders")
	}
	ok, _ := b.Allow("/api/orders")
	assert.True(t, ok)
	b.Failure("/api/orders")

	ok, wait := b.Allow("/api/orders")
	assert.False(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	ok, _ = b.Allow("/api/orders/cancel")
	assert.True(t, ok, "circuits are per path")

	now = now.Add(2 * time.Second)
	ok, _ = b.Allow("/api/orders")
	assert.True(t, ok)

	// Still at the threshold: one more failure reopens immediately.
	b.Failure("/api/orders")
	ok, _ = b.Allow("/api/orders")
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = b.Allow("/api/orders")
	assert.True(t, ok)
	b.Success("/api/orders")
	b.Failure("/api/orders")
	ok, _ = b.Allow("/api/orders")
	assert.True(t, ok, "success resets the failure count")

	assert.Equal(t, []bool{true, false, true, false}, changes)
}

func TestBreakerStates(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	b := NewBreaker(1, time.Second, nil)
	b.now = func() time.Time { return now }

	b.Failure("/b")
	b.Allow("/a")

	assert.Equal(t, []CircuitState{
		{Path: "/a"},
		{Path: "/b", Failures: 1, OpenUntilMs: now.Add(time.Second).UnixMilli(), Open: true},
	}, b.States())
}

func TestBreakerBounds(t *testing.T) {
	b := NewBreaker(0, 10*time.Millisecond, nil)
	assert.Equal(t, 3, b.threshold)
	assert.Equal(t, time.Second, b.OpenFor())

	b = NewBreaker(-1, 0, nil)
	assert.Equal(t, 5*time.Second, b.OpenFor())
}
