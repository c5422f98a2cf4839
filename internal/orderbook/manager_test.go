package orderbook

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

func TestManagerGetOrCreateAndKeys(t *testing.T) {
	m := NewManager(0, nil)
	k1 := domain.BookKey{MarketKey: "b", OutcomeIndex: 1}
	k2 := domain.BookKey{MarketKey: "a", OutcomeIndex: 2}
	k3 := domain.BookKey{MarketKey: "a", OutcomeIndex: 0}

	b := m.GetOrCreate(k1)
	assert.Same(t, b, m.GetOrCreate(k1))
	m.GetOrCreate(k2)
	m.GetOrCreate(k3)

	assert.Equal(t, []domain.BookKey{k3, k2, k1}, m.Keys())

	m.Drop(k2)
	_, ok := m.Get(k2)
	assert.False(t, ok)

	m.Reset()
	assert.Empty(t, m.Keys())
}

func TestManagerLockSerialisesOneBookOnly(t *testing.T) {
	m := NewManager(0, nil)
	a := domain.BookKey{MarketKey: "a"}
	b := domain.BookKey{MarketKey: "b"}

	var inA int32
	var maxInA int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(a)
			defer unlock()
			n := atomic.AddInt32(&inA, 1)
			if n > atomic.LoadInt32(&maxInA) {
				atomic.StoreInt32(&maxInA, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inA, -1)
		}()
	}

	unlockA := m.Lock(a)
	done := make(chan struct{})
	go func() {
		unlock := m.Lock(b)
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on book b blocked by book a")
	}
	unlockA()

	wg.Wait()
	assert.Equal(t, int32(1), maxInA)
}
