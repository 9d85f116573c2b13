package backend

import (
	"sync"
	"time"
)

// Throttler limits outbound provider calls to at most limit requests per
// rolling window. Request timestamps live in a FIFO; the front expires as
// the window slides.
//
// A zero limit or window disables throttling entirely.
type Throttler struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewThrottler creates a rolling-window throttler. limit <= 0 or
// window <= 0 creates a disabled throttler.
func NewThrottler(limit int, window time.Duration) *Throttler {
	return &Throttler{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Enabled reports whether the throttler imposes any limit.
func (t *Throttler) Enabled() bool {
	return t.limit > 0 && t.window > 0
}

// CalculateDelay returns how long the caller must wait before issuing the
// next request. Zero means go now. The caller sleeps, then calls
// RecordRequest after actually issuing the request.
func (t *Throttler) CalculateDelay() time.Duration {
	if !t.Enabled() {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expire(now)

	if len(t.stamps) < t.limit {
		return 0
	}

	// The oldest in-window request must age out before the next may go.
	oldest := t.stamps[len(t.stamps)-t.limit]
	return oldest.Add(t.window).Sub(now)
}

// RecordRequest records that a request was just issued.
func (t *Throttler) RecordRequest() {
	if !t.Enabled() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expire(now)
	t.stamps = append(t.stamps, now)
}

// CurrentCount returns the number of requests inside the current window.
func (t *Throttler) CurrentCount() int {
	if !t.Enabled() {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.expire(t.now())
	return len(t.stamps)
}

// expire drops timestamps that have left the window. Caller holds mu.
func (t *Throttler) expire(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.stamps) && !t.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.stamps = t.stamps[i:]
	}
}
