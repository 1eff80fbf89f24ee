package retry

import "sync"

// Budget counts the failures tolerated between two successes. Each Consume
// decrements it; Reset restores the initial value. Once it reaches zero the
// next failure is terminal.
type Budget struct {
	mu        sync.Mutex
	initial   int
	remaining int
}

// NewBudget returns a budget holding n.
func NewBudget(n int) *Budget {
	return &Budget{initial: n, remaining: n}
}

// Consume spends one unit and reports the remaining count and whether
// another retry is allowed (remaining > 0).
func (b *Budget) Consume() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining > 0 {
		b.remaining--
	}
	return b.remaining, b.remaining > 0
}

// Reset restores the initial value.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = b.initial
}

// Remaining returns the current value.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Initial returns the value Reset restores.
func (b *Budget) Initial() int {
	return b.initial
}
