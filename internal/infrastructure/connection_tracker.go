package infrastructure

import (
	"sync"
	"sync/atomic"
)

// ConnectionTracker counts in-flight and cumulative forwarded calls per
// endpoint. Counters of one endpoint never contend with another's.
type ConnectionTracker struct {
	mu       sync.RWMutex
	counters map[string]*connCounter
	onChange func(endpointID string, current int64)
}

type connCounter struct {
	current atomic.Int64
	total   atomic.Int64
}

func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{counters: make(map[string]*connCounter)}
}

// OnChange registers a hook called after every acquire and release.
func (t *ConnectionTracker) OnChange(fn func(endpointID string, current int64)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *ConnectionTracker) counter(id string) *connCounter {
	t.mu.RLock()
	c, ok := t.counters[id]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.counters[id]; ok {
		return c
	}
	c = &connCounter{}
	t.counters[id] = c
	return c
}

// Acquire marks one call in flight. The returned release is safe to call
// any number of times; only the first call decrements.
func (t *ConnectionTracker) Acquire(id string) (release func()) {
	c := t.counter(id)
	c.total.Add(1)
	t.notify(id, c.current.Add(1))

	var once sync.Once
	return func() {
		once.Do(func() {
			t.notify(id, c.current.Add(-1))
		})
	}
}

func (t *ConnectionTracker) notify(id string, current int64) {
	t.mu.RLock()
	fn := t.onChange
	t.mu.RUnlock()
	if fn != nil {
		fn(id, current)
	}
}

func (t *ConnectionTracker) Current(id string) int64 {
	t.mu.RLock()
	c, ok := t.counters[id]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.current.Load()
}

func (t *ConnectionTracker) Total(id string) int64 {
	t.mu.RLock()
	c, ok := t.counters[id]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.total.Load()
}

// Forget drops the counters of a removed endpoint. Releases still pending
// for it keep working against the detached counter.
func (t *ConnectionTracker) Forget(id string) {
	t.mu.Lock()
	delete(t.counters, id)
	t.mu.Unlock()
}
