package broker

import (
	"context"
	"sync"
	"time"

	"jobbroker/lib/task"
)

// TimeoutTicker periodically calls Manager.CheckTimeouts. It is the
// background half of timeout enforcement: deadlines are checked on a
// fixed period rather than by per-job timers, since no connection drives
// that check on its own.
//
// Multiple goroutines may invoke methods on a TimeoutTicker simultaneously.
type TimeoutTicker struct {
	Manager *task.Manager
	Period  time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTimeoutTicker constructs a TimeoutTicker that has not yet been started.
func NewTimeoutTicker(m *task.Manager, period time.Duration) *TimeoutTicker {
	return &TimeoutTicker{Manager: m, Period: period}
}

// Start launches the background timeout sweep. It returns without blocking.
func (t *TimeoutTicker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return
	}
	t.started = true
	t.stopped = false

	childCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.run(childCtx)
}

func (t *TimeoutTicker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Manager.CheckTimeouts(now)
		}
	}
}

// Stop cancels the sweep and blocks until it has fully stopped.
func (t *TimeoutTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.stopped {
		return
	}
	t.started = false
	t.stopped = true
	t.cancel()
	t.wg.Wait()
}
