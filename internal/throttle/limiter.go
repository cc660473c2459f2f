package throttle

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter with an explicit pause deadline.
// A window of max timestamps is kept; once full, callers wait until the
// oldest timestamp ages out. Pause (set on a 429) overrides the window wait.
type Limiter struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	stamps      []time.Time
	pausedUntil time.Time

	now func() time.Time
}

// NewLimiter creates a limiter allowing max requests per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// WaitTime reports how long a caller must wait before the next request is
// allowed. Zero means the request may proceed immediately.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitTimeLocked(l.now())
}

func (l *Limiter) waitTimeLocked(now time.Time) time.Duration {
	var wait time.Duration
	if l.pausedUntil.After(now) {
		wait = l.pausedUntil.Sub(now)
	}
	l.pruneLocked(now)
	if len(l.stamps) >= l.max {
		windowWait := l.window - now.Sub(l.stamps[0])
		if windowWait > wait {
			wait = windowWait
		}
	}
	return wait
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Acquire blocks until the limiter admits a request or ctx is done.
// It does not record the request; callers pair it with Record.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := l.WaitTime()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record appends a request timestamp to the window.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.stamps = append(l.stamps, now)
}

// Pause blocks the limiter for d, regardless of window occupancy.
// Used when the remote side answered 429.
func (l *Limiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
}
