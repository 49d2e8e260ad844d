// Package synth provides a synthetic tree-render evaluator. It stands in for
// the node-graph evaluation engine when running the scheduler headless or in
// tests: each render takes a configurable time, observes aborts, and can be
// held until explicitly released so completion order is controllable.
package synth

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"render-orchestrator/internal/render"
)

// Evaluator creates synthetic tree renders.
type Evaluator struct {
	// Cost is how long a render takes once launched.
	Cost time.Duration

	// Out receives one line per successfully completed render, standing in
	// for the write a real render action performs. May be nil.
	Out io.Writer

	mu       sync.Mutex
	statuses map[int]render.Status
	hold     bool
	gates    map[int]chan struct{}
	created  []*Tree
	outMu    sync.Mutex
	launched atomic.Int64
}

// NewEvaluator returns an evaluator whose renders take cost.
func NewEvaluator(cost time.Duration) *Evaluator {
	return &Evaluator{
		Cost:     cost,
		statuses: make(map[int]render.Status),
		gates:    make(map[int]chan struct{}),
	}
}

// FailAt makes every render of frame time finish with status.
func (e *Evaluator) FailAt(time int, status render.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[time] = status
}

// Hold makes renders created from now on wait for Release before finishing.
func (e *Evaluator) Hold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = true
}

// Release lets every held render of frame time finish.
func (e *Evaluator) Release(time int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.gateLocked(time))
	// A later render of the same frame gets a fresh gate.
	delete(e.gates, time)
}

// ReleaseAll stops holding and lets every pending render finish.
func (e *Evaluator) ReleaseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = false
	for t, g := range e.gates {
		close(g)
		delete(e.gates, t)
	}
}

// Launched returns how many renders have been launched.
func (e *Evaluator) Launched() int {
	return int(e.launched.Load())
}

// Created returns a snapshot of every tree created so far.
func (e *Evaluator) Created() []*Tree {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Tree(nil), e.created...)
}

// CreateTreeRender implements render.TreeRenderFactory.
func (e *Evaluator) CreateTreeRender(args render.TreeRenderArgs) (render.TreeRender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.statuses[args.Time]
	if !ok {
		status = render.StatusOK
	}
	var gate chan struct{}
	if e.hold {
		gate = e.gateLocked(args.Time)
	}
	t := &Tree{
		Args:   args,
		eval:   e,
		cost:   e.Cost,
		status: status,
		gate:   gate,
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.created = append(e.created, t)
	return t, nil
}

// gateLocked returns the gate of time, creating it. Caller holds e.mu.
func (e *Evaluator) gateLocked(time int) chan struct{} {
	g, ok := e.gates[time]
	if !ok {
		g = make(chan struct{})
		e.gates[time] = g
	}
	return g
}

func (e *Evaluator) write(args render.TreeRenderArgs) {
	if e.Out == nil {
		return
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	fmt.Fprintf(e.Out, "%s frame=%d view=%d input=%s\n", args.Node, args.Time, args.View, args.Input)
}

// Tree is a synthetic render.TreeRender.
type Tree struct {
	Args render.TreeRenderArgs

	eval   *Evaluator
	cost   time.Duration
	status render.Status
	gate   chan struct{}

	launchOnce sync.Once
	launched   atomic.Bool
	abortOnce  sync.Once
	aborted    atomic.Bool
	abort      chan struct{}
	done       chan struct{}
	result     render.Status
}

// Launch implements render.TreeRender.
func (t *Tree) Launch() {
	t.launchOnce.Do(func() {
		t.launched.Store(true)
		t.eval.launched.Add(1)
		go t.run()
	})
}

func (t *Tree) run() {
	defer close(t.done)

	if t.gate != nil {
		select {
		case <-t.gate:
		case <-t.abort:
			t.result = render.StatusAborted
			return
		}
	}
	if t.cost > 0 {
		timer := time.NewTimer(t.cost)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.abort:
			t.result = render.StatusAborted
			return
		}
	}
	if t.aborted.Load() {
		t.result = render.StatusAborted
		return
	}
	t.result = t.status
	if t.result == render.StatusOK {
		t.eval.write(t.Args)
	}
}

// Wait implements render.TreeRender. A render that was never launched
// reports StatusFailed.
func (t *Tree) Wait() render.Status {
	if !t.launched.Load() {
		return render.StatusFailed
	}
	<-t.done
	return t.result
}

// Abort implements render.TreeRender.
func (t *Tree) Abort() {
	t.abortOnce.Do(func() {
		t.aborted.Store(true)
		close(t.abort)
	})
}

// IsAborted implements render.TreeRender.
func (t *Tree) IsAborted() bool {
	return t.aborted.Load()
}
