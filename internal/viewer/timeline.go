package viewer

import "sync"

// Timeline is the project time cursor. Seeks are clamped to its bounds.
type Timeline struct {
	mu          sync.RWMutex
	first, last int
	current     int
}

// NewTimeline returns a timeline spanning [first, last] positioned at first.
func NewTimeline(first, last int) *Timeline {
	if last < first {
		last = first
	}
	return &Timeline{first: first, last: last, current: first}
}

// Current implements scheduler.Timeline.
func (t *Timeline) Current() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Seek implements scheduler.Timeline.
func (t *Timeline) Seek(time int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = clamp(time, t.first, t.last)
}

// Bounds implements scheduler.Timeline.
func (t *Timeline) Bounds() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.first, t.last
}

// SetBounds changes the range and clamps the cursor into it.
func (t *Timeline) SetBounds(first, last int) {
	if last < first {
		last = first
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.first, t.last = first, last
	t.current = clamp(t.current, first, last)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
