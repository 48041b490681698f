package retry

import (
	"context"
	"sync"
	"time"
)

// Trigger is an interruptible sleep. Sleep waits for a duration, for the
// context, or for the next Fire, whichever comes first. Fire wakes every
// sleeper currently waiting and arms a fresh channel for later sleepers.
type Trigger struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewTrigger creates an armed trigger
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{})}
}

// Fire wakes all current sleepers
func (t *Trigger) Fire() {
	t.mu.Lock()
	close(t.ch)
	t.ch = make(chan struct{})
	t.mu.Unlock()
}

// Armed returns the channel the next Fire closes. A caller that takes it
// before checking its condition cannot miss a Fire that happens between the
// check and the wait.
func (t *Trigger) Armed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

// Sleep blocks until d elapses or the trigger fires (both return nil) or
// ctx is done (returns ctx.Err()).
func (t *Trigger) Sleep(ctx context.Context, d time.Duration) error {
	return SleepUntil(ctx, t.Armed(), d)
}

// SleepUntil is Trigger.Sleep on a channel obtained earlier from Armed
func SleepUntil(ctx context.Context, fired <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
