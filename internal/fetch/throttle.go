package fetch

import (
	"context"
	"sync"
	"time"
)

// Throttle is a site-wide pause shared by every worker of one site. A 429 on
// any worker pauses the whole site until the deadline passes.
type Throttle struct {
	mu    sync.Mutex
	until time.Time
}

// NewThrottle returns an idle throttle.
func NewThrottle() *Throttle {
	return &Throttle{}
}

// Pause extends the site-wide pause to at least d from now.
func (t *Throttle) Pause(d time.Duration) {
	deadline := time.Now().Add(d)
	t.mu.Lock()
	if deadline.After(t.until) {
		t.until = deadline
	}
	t.mu.Unlock()
}

// Remaining returns how long the current pause still has to run.
func (t *Throttle) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := time.Until(t.until); r > 0 {
		return r
	}
	return 0
}

// Wait blocks until the pause has elapsed or the context is cancelled.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		remaining := t.Remaining()
		if remaining <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, remaining); err != nil {
			return err
		}
	}
}
