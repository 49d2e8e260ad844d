package viewer

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultHistorySize is the number of displays a history keeps per viewer.
const DefaultHistorySize = 64

// Display is one frame shown by a viewer.
type Display struct {
	Seq    uint64    `json:"seq"`
	Frame  int       `json:"frame"`
	Views  []int     `json:"views"`
	Inputs string    `json:"inputs"`
	At     time.Time `json:"at"`
}

// ErrViewerClosed is returned when recording a display for a closed viewer.
var ErrViewerClosed = errors.New("viewer is closed")

// Repository is a concurrency-safe record of what every viewer displayed.
// Each history keeps at most size displays, dropping the oldest.
type Repository struct {
	mu    sync.RWMutex
	store Store
	size  int
}

// NewRepository constructs a repository with a default in-memory store.
// If size <= 0, DefaultHistorySize is used.
func NewRepository(size int) *Repository {
	return NewRepositoryWithStore(NewInMemoryStore(), size)
}

// NewRepositoryWithStore constructs a repository that uses the given Store.
func NewRepositoryWithStore(store Store, size int) *Repository {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Repository{store: store, size: size}
}

// RecordDisplay appends d to the history of viewer, creating it.
// Duplicate sequence numbers are ignored.
func (r *Repository) RecordDisplay(viewer string, d Display) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.store.Load(viewer)
	if !ok {
		h = newHistory(viewer)
	}
	if h.Closed {
		return errors.Wrapf(ErrViewerClosed, "viewer %s", viewer)
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	if h.add(d, r.size) {
		r.store.Save(h)
	}
	return nil
}

// Snapshot returns the displays of viewer sorted by sequence, and whether
// the viewer was closed. ok is false for an unknown viewer.
func (r *Repository) Snapshot(viewer string) (displays []Display, closed bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.store.Load(viewer)
	if !ok {
		return nil, false, false
	}
	return h.last(0), h.Closed, true
}

// Recent returns at most n of the latest displays of viewer, oldest first.
func (r *Repository) Recent(viewer string, n int) ([]Display, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.store.Load(viewer)
	if !ok {
		return nil, false
	}
	return h.last(n), true
}

// CloseViewer marks viewer closed; later displays are rejected. Closing an
// unknown or closed viewer is a no-op.
func (r *Repository) CloseViewer(viewer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.store.Load(viewer); ok && !h.Closed {
		h.Closed = true
		r.store.Save(h)
	}
}

// OpenViewerCount returns the number of viewers that are not closed.
func (r *Repository) OpenViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	r.store.Range(func(h *History) bool {
		if !h.Closed {
			n++
		}
		return true
	})
	return n
}
