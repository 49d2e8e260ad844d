package engine

import "log/slog"

// watcher waits on a background goroutine for a blocking condition and then
// calls its callback on the main loop.
type watcher struct {
	kind string
	done func()
}

// watch starts a watcher running wait. done may be nil.
func (e *RenderEngine) watch(kind string, wait func(), done func()) {
	w := &watcher{kind: kind, done: done}
	e.mu.Lock()
	e.watchers[w] = struct{}{}
	e.mu.Unlock()

	go func() {
		wait()
		e.dispatch(func() {
			e.mu.Lock()
			delete(e.watchers, w)
			e.mu.Unlock()
			if w.done != nil {
				w.done()
			}
		})
		e.log.Debug("watcher finished", slog.String("kind", w.kind))
	}()
}

// PendingWatchers returns the number of non-blocking waits not yet
// completed.
func (e *RenderEngine) PendingWatchers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watchers)
}
