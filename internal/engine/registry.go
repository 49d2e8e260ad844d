package engine

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrDuplicateNode is returned when registering a node name twice.
var ErrDuplicateNode = errors.New("output node already registered")

// Registry is a concurrency-safe set of engines keyed by node name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*RenderEngine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*RenderEngine)}
}

// Add registers e under its node name.
func (r *Registry) Add(e *RenderEngine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[e.Name()]; exists {
		return errors.Wrapf(ErrDuplicateNode, "node %s", e.Name())
	}
	r.engines[e.Name()] = e
	return nil
}

// Get returns the engine of node.
func (r *Registry) Get(node string) (*RenderEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[node]
	return e, ok
}

// List returns every engine sorted by node name.
func (r *Registry) List() []*RenderEngine {
	r.mu.RLock()
	out := make([]*RenderEngine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WorkingCount returns the number of engines with renders in progress.
func (r *Registry) WorkingCount() int {
	n := 0
	for _, e := range r.List() {
		if e.HasThreadsWorking() {
			n++
		}
	}
	return n
}

// QuitAll asks every engine to quit without waiting.
func (r *Registry) QuitAll() {
	for _, e := range r.List() {
		e.QuitEngine(false)
	}
}

// WaitAll blocks until every engine stopped.
func (r *Registry) WaitAll() {
	for _, e := range r.List() {
		e.WaitForEngineToQuitEnforceBlocking()
	}
}

// CloseAll closes every engine.
func (r *Registry) CloseAll() {
	for _, e := range r.List() {
		e.Close()
	}
}
