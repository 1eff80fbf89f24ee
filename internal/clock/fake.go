package clock

import (
	"sync"
	"time"
)

// Fake is a Clock for tests. Sleep and After never block: they advance the
// fake time by the requested duration and record it. AfterFunc callbacks are
// held until Fire is called, so tests decide when rescheduled work runs.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	due     time.Duration
	f       func()
	stopped bool
	fired   bool
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and returns a channel that is already ready.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// Sleep advances the clock by d without blocking.
func (c *Fake) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(d)
}

func (c *Fake) advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

// AfterFunc registers f to run on the next Fire.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, due: d, f: f}
	c.pending = append(c.pending, t)
	return t
}

// Stop cancels the pending call.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fire runs every pending, non-stopped AfterFunc callback synchronously and
// returns how many ran. Callbacks may register new timers; those run on the
// next Fire.
func (c *Fake) Fire() int {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	var run []func()
	for _, t := range pending {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		run = append(run, t.f)
	}
	c.mu.Unlock()

	for _, f := range run {
		f()
	}
	return len(run)
}

// Pending returns the number of AfterFunc callbacks waiting for Fire.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Slept returns every duration passed to Sleep or After, in call order.
func (c *Fake) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}
