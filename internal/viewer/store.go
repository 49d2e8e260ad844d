package viewer

import (
	"sort"

	"github.com/google/btree"
)

// History is everything recorded for one viewer: its displays ordered by
// sequence number, bounded to a fixed count.
type History struct {
	Viewer string
	Closed bool

	displays *btree.BTree
}

type displayItem Display

func (a displayItem) Less(b btree.Item) bool {
	return a.Seq < b.(displayItem).Seq
}

func newHistory(viewer string) *History {
	return &History{Viewer: viewer, displays: btree.New(8)}
}

// add records d and evicts the oldest displays beyond limit. It reports
// false for a sequence number already recorded.
func (h *History) add(d Display, limit int) bool {
	if h.displays.Has(displayItem(d)) {
		return false
	}
	h.displays.ReplaceOrInsert(displayItem(d))
	for h.displays.Len() > limit {
		h.displays.DeleteMin()
	}
	return true
}

// Len returns the number of displays kept.
func (h *History) Len() int { return h.displays.Len() }

// last returns at most n of the latest displays in sequence order, all of
// them when n <= 0.
func (h *History) last(n int) []Display {
	if n <= 0 || n > h.displays.Len() {
		n = h.displays.Len()
	}
	out := make([]Display, n)
	i := n - 1
	h.displays.Descend(func(it btree.Item) bool {
		out[i] = Display(it.(displayItem))
		i--
		return i >= 0
	})
	return out
}

// Store keeps the histories of viewers. The Repository serializes access to
// it, so implementations need no locking of their own.
type Store interface {
	Load(viewer string) (*History, bool)
	Save(h *History)

	// Range calls fn for every history in viewer name order until fn
	// returns false.
	Range(fn func(h *History) bool)
}

// InMemoryStore is a Store backed by a map.
type InMemoryStore struct {
	histories map[string]*History
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{histories: make(map[string]*History)}
}

// Load implements Store.
func (s *InMemoryStore) Load(viewer string) (*History, bool) {
	h, ok := s.histories[viewer]
	return h, ok
}

// Save implements Store.
func (s *InMemoryStore) Save(h *History) {
	s.histories[h.Viewer] = h
}

// Range implements Store.
func (s *InMemoryStore) Range(fn func(h *History) bool) {
	names := make([]string, 0, len(s.histories))
	for name := range s.histories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !fn(s.histories[name]) {
			return
		}
	}
}
