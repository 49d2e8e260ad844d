// Package mainloop implements the queue of closures that must run on the
// application's main goroutine. Background goroutines post work to it and
// the main goroutine drains it from its own event loop, one tick at a time.
package mainloop

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/petermattis/goid"
)

// ErrClosed is returned by Run once the loop has been closed.
var ErrClosed = errors.New("main loop closed")

// Loop is a FIFO of closures bound to one goroutine. Every posted closure
// runs exactly once, in posting order. Closures posted while a tick is
// running are deferred to the next tick.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	// owner is the goroutine id of the loop goroutine, 0 while unbound.
	owner atomic.Int64
}

// New returns an unbound loop. The first goroutine to call Run or RunOnce
// becomes the loop goroutine.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn for the next tick. It never blocks and returns false once
// the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Invoke queues fn and returns a channel closed after fn ran. If the loop is
// closed fn never runs and the returned channel is already closed.
func (l *Loop) Invoke(fn func()) <-chan struct{} {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		close(done)
	}
	return done
}

// Do runs fn on the loop goroutine and waits for it. Called from the loop
// goroutine itself it runs fn inline.
func (l *Loop) Do(fn func()) {
	if l.OnLoop() {
		fn()
		return
	}
	<-l.Invoke(fn)
}

// OnLoop reports whether the caller is the loop goroutine.
func (l *Loop) OnLoop() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == goid.Get()
}

// RunOnce runs the closures queued before the call and returns how many ran.
func (l *Loop) RunOnce() int {
	l.bind()

	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Run drains the loop until ctx is done or Close is called. Closures still
// queued at Close run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.bind()
	for {
		l.RunOnce()

		l.mu.Lock()
		closed := l.closed
		pending := len(l.queue)
		l.mu.Unlock()
		if closed {
			if pending > 0 {
				continue
			}
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close stops accepting closures and wakes Run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued closures.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) bind() {
	l.owner.CompareAndSwap(0, goid.Get())
}
