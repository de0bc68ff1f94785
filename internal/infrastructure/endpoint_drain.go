package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EndpointDrainer waits for in-flight calls of removed endpoints to finish
// before their counters are discarded.
type EndpointDrainer struct {
	mu            sync.Mutex
	pending       map[string]*drainState
	drainTimeout  time.Duration
	checkInterval time.Duration
	current       func(id string) int64
	onDrained     func(id string)
	logger        *zap.Logger
	wg            sync.WaitGroup
}

type drainState struct {
	startTime time.Time
	deadline  time.Time
	cancel    context.CancelFunc
}

// NewEndpointDrainer polls current for each draining id and calls
// onDrained once it reaches zero or the drain timeout expires.
func NewEndpointDrainer(current func(id string) int64, onDrained func(id string), logger *zap.Logger) *EndpointDrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EndpointDrainer{
		pending:       make(map[string]*drainState),
		drainTimeout:  30 * time.Second,
		checkInterval: 100 * time.Millisecond,
		current:       current,
		onDrained:     onDrained,
		logger:        logger.With(zap.String("component", "endpoint_drainer")),
	}
}

func (d *EndpointDrainer) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.mu.Lock()
	d.drainTimeout = timeout
	d.mu.Unlock()
}

// Start begins draining id. A drain already in progress is left alone.
func (d *EndpointDrainer) Start(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[id]; exists {
		return
	}

	now := time.Now()
	ctx, cancel := context.WithDeadline(context.Background(), now.Add(d.drainTimeout))
	state := &drainState{startTime: now, deadline: now.Add(d.drainTimeout), cancel: cancel}
	d.pending[id] = state

	d.wg.Add(1)
	go d.monitor(ctx, id, state)
}

func (d *EndpointDrainer) monitor(ctx context.Context, id string, state *drainState) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		if d.current(id) == 0 {
			d.finish(id, state, false)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			d.finish(id, state, ctx.Err() == context.DeadlineExceeded)
			return
		}
	}
}

// finish is a no-op when state was cancelled or replaced meanwhile.
func (d *EndpointDrainer) finish(id string, state *drainState, expired bool) {
	d.mu.Lock()
	if d.pending[id] != state {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	state.cancel()
	d.mu.Unlock()

	if expired {
		d.logger.Warn("drain timeout expired with calls in flight",
			zap.String("endpoint_id", id),
			zap.Int64("in_flight", d.current(id)),
		)
	} else {
		d.logger.Info("endpoint drained",
			zap.String("endpoint_id", id),
			zap.Duration("took", time.Since(state.startTime)),
		)
	}
	if d.onDrained != nil {
		d.onDrained(id)
	}
}

// Cancel aborts a drain, e.g. when the endpoint is added back. It reports
// whether a drain was pending.
func (d *EndpointDrainer) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, exists := d.pending[id]
	if !exists {
		return false
	}
	state.cancel()
	delete(d.pending, id)
	return true
}

func (d *EndpointDrainer) IsDraining(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.pending[id]
	return exists
}

func (d *EndpointDrainer) Draining() []string {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Wait blocks until every drain goroutine has exited.
func (d *EndpointDrainer) Wait() {
	d.wg.Wait()
}
