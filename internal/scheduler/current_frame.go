package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"render-orchestrator/internal/platform/logger"
	"render-orchestrator/internal/platform/metrics"
	"render-orchestrator/internal/render"
)

// CurrentFrameRequest is one "render what the viewer shows" request.
type CurrentFrameRequest struct {
	EnableStats bool

	// CanAbort lets the request cancel older interactive renders before it
	// launches, keeping the oldest one that can still improve the display.
	CanAbort bool

	// IsDrawing marks requests issued during a paint stroke. They never
	// abort other renders so the stroke renders without interruption.
	IsDrawing bool

	Draft bool
}

// renderAndAge is one admitted interactive render.
type renderAndAge struct {
	age     uint64
	results *render.FrameResults
	trees   []render.TreeRender
	done    []bool
	status  []render.Status
	aborted bool
}

func (r *renderAndAge) Less(than btree.Item) bool {
	return r.age < than.(*renderAndAge).age
}

func (r *renderAndAge) complete() bool {
	for _, d := range r.done {
		if !d {
			return false
		}
	}
	return true
}

// idleGate is a counter with a channel closed whenever it is zero.
type idleGate struct {
	n  int
	ch chan struct{}
}

func newIdleGate() idleGate {
	ch := make(chan struct{})
	close(ch)
	return idleGate{ch: ch}
}

func (g *idleGate) add() {
	if g.n == 0 {
		g.ch = make(chan struct{})
	}
	g.n++
}

func (g *idleGate) done() {
	g.n--
	if g.n == 0 {
		close(g.ch)
	}
}

// CurrentFrameScheduler renders the frame a viewer is looking at. Requests
// never block and may race: every render carries an age and a result older
// than what is displayed is dropped.
//
// The age counter, the display age and the active renders each have their
// own lock; none is held across a launch, a wait or a call into the viewer.
type CurrentFrameScheduler struct {
	viewer   Viewer
	timeline Timeline
	factory  render.TreeRenderFactory
	mainLoop Executor
	log      *slog.Logger
	metrics  *metrics.Metrics

	ageMu sync.Mutex
	age   uint64

	displayMu  sync.Mutex
	displayAge uint64

	activeMu sync.Mutex
	active   *btree.BTree
	owners   map[render.TreeRender]*renderAndAge
	aborting idleGate
	busy     idleGate
	quit     bool
}

// NewCurrentFrameScheduler returns the interactive scheduler of viewer.
// Frames are displayed through opts.MainLoop when set.
func NewCurrentFrameScheduler(viewer Viewer, timeline Timeline, factory render.TreeRenderFactory, opts Options) *CurrentFrameScheduler {
	return &CurrentFrameScheduler{
		viewer:   viewer,
		timeline: timeline,
		factory:  factory,
		mainLoop: opts.MainLoop,
		log:      logger.OrNop(opts.Log).With(slog.String("node", viewer.Name()), slog.String("scheduler", "current_frame")),
		metrics:  opts.Metrics,
		active:   btree.New(4),
		owners:   make(map[render.TreeRender]*renderAndAge),
		aborting: newIdleGate(),
		busy:     newIdleGate(),
	}
}

// GetRenderAgeAndIncrement returns a fresh age. Ages start at 1; past
// math.MaxUint64 the counter wraps to 0, which should never happen.
func (s *CurrentFrameScheduler) GetRenderAgeAndIncrement() uint64 {
	s.ageMu.Lock()
	defer s.ageMu.Unlock()
	s.age++
	return s.age
}

func (s *CurrentFrameScheduler) setRenderAge(age uint64) {
	s.ageMu.Lock()
	s.age = age
	s.ageMu.Unlock()
}

// DisplayAge returns the age of the last displayed render, 0 if none.
func (s *CurrentFrameScheduler) DisplayAge() uint64 {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	return s.displayAge
}

func (s *CurrentFrameScheduler) setDisplayAge(age uint64) {
	s.displayMu.Lock()
	s.displayAge = age
	s.displayMu.Unlock()
}

// RenderCurrentFrame launches the renders of the timeline's current frame
// and returns their age without waiting for them.
func (s *CurrentFrameScheduler) RenderCurrentFrame(req CurrentFrameRequest) (uint64, error) {
	s.activeMu.Lock()
	quit := s.quit
	s.activeMu.Unlock()
	if quit {
		return 0, ErrQuit
	}

	inputA, inputB := s.viewer.ActiveInputs()
	time := s.timeline.Current()
	results, err := createViewerFrameResults(s.factory, viewerFrameArgs{
		node:        s.viewer.Name(),
		time:        time,
		enableStats: req.EnableStats,
		draft:       req.Draft,
		inputA:      inputA,
		inputB:      inputB,
	})
	if err != nil {
		s.log.Warn("creating interactive render failed", slog.Int("frame", time), slog.String("error", err.Error()))
		return 0, err
	}

	age := s.GetRenderAgeAndIncrement()
	if req.CanAbort && !req.IsDrawing {
		s.OnAbortRequested(true)
	}

	entry, ok := s.admit(age, results)
	if !ok {
		results.AbortRenders()
		return 0, ErrQuit
	}
	s.metrics.IncInteractiveRenders(s.viewer.Name())
	s.log.Debug("interactive render launched", slog.Uint64("age", age), slog.Int("frame", time))

	if err := results.LaunchRenders(); err != nil {
		// Renders that did launch still report through their watchers.
		s.log.Error("launching interactive render failed", slog.Uint64("age", age), slog.String("error", err.Error()))
	}
	for _, tree := range entry.trees {
		go s.watch(tree)
	}
	return age, nil
}

// admit registers results under age with every sub-render incomplete.
func (s *CurrentFrameScheduler) admit(age uint64, results *render.FrameResults) (*renderAndAge, bool) {
	trees := results.TreeRenders()
	entry := &renderAndAge{
		age:     age,
		results: results,
		trees:   trees,
		done:    make([]bool, len(trees)),
		status:  make([]render.Status, len(trees)),
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.quit {
		return nil, false
	}
	s.active.ReplaceOrInsert(entry)
	for _, tree := range trees {
		s.owners[tree] = entry
	}
	s.busy.add()
	s.metrics.SetActiveInteractiveRenders(s.viewer.Name(), s.active.Len())
	return entry, true
}

func (s *CurrentFrameScheduler) watch(tree render.TreeRender) {
	s.OnTreeRenderFinished(tree, tree.Wait())
}

// OnTreeRenderFinished records that tree finished with status. Once every
// sub-render of its age finished the render is finalized. Unknown or already
// finished trees are ignored.
func (s *CurrentFrameScheduler) OnTreeRenderFinished(tree render.TreeRender, status render.Status) {
	s.activeMu.Lock()
	entry, ok := s.owners[tree]
	if !ok {
		s.activeMu.Unlock()
		return
	}
	delete(s.owners, tree)
	for i, t := range entry.trees {
		if t == tree {
			entry.done[i] = true
			entry.status[i] = status
		}
	}
	if !entry.complete() {
		s.activeMu.Unlock()
		return
	}
	s.active.Delete(entry)
	if entry.aborted {
		s.aborting.done()
	}
	n := s.active.Len()
	s.activeMu.Unlock()

	s.metrics.SetActiveInteractiveRenders(s.viewer.Name(), n)
	s.finalize(entry)
}

// finalize disposes of a completed render: failures clear the viewer,
// aborts are dropped and successes are displayed unless stale.
func (s *CurrentFrameScheduler) finalize(entry *renderAndAge) {
	status := render.AggregateStatus(entry.status...)
	var fn func()
	switch {
	case status == render.StatusAborted, entry.aborted:
		s.log.Debug("interactive render aborted", slog.Uint64("age", entry.age))
	case status.IsFailure():
		s.log.Error("interactive render failed", slog.Uint64("age", entry.age), slog.String("status", status.String()))
		fn = s.viewer.Disconnect
	default:
		fn = func() { s.processFrame(entry.age, entry.results) }
	}

	if fn == nil || !s.postToMain(fn) {
		s.activeMu.Lock()
		s.busy.done()
		s.activeMu.Unlock()
	}
}

// postToMain runs fn on the main loop, or inline without one, then marks one
// render as finished. It reports whether it took charge of the accounting.
func (s *CurrentFrameScheduler) postToMain(fn func()) bool {
	run := func() {
		fn()
		s.activeMu.Lock()
		s.busy.done()
		s.activeMu.Unlock()
	}
	if s.mainLoop == nil {
		run()
		return true
	}
	return s.mainLoop.Post(run)
}

// processFrame displays results when age is newer than what is displayed.
// It reports whether the display changed.
func (s *CurrentFrameScheduler) processFrame(age uint64, results *render.FrameResults) bool {
	s.displayMu.Lock()
	if age <= s.displayAge {
		displayed := s.displayAge
		s.displayMu.Unlock()
		s.metrics.IncInteractiveStale(s.viewer.Name())
		s.log.Debug("stale interactive render dropped", slog.Uint64("age", age), slog.Uint64("display_age", displayed))
		return false
	}
	s.displayAge = age
	s.displayMu.Unlock()

	s.viewer.ProcessFramesResults(results)
	return true
}

// OnAbortRequested aborts the active renders. With keepOldest the oldest
// render not older than the display is spared so the viewer still gets
// feedback. It reports whether anything was aborted.
func (s *CurrentFrameScheduler) OnAbortRequested(keepOldest bool) bool {
	displayAge := s.DisplayAge()

	var toAbort []*render.FrameResults
	s.activeMu.Lock()
	kept := !keepOldest
	s.active.Ascend(func(i btree.Item) bool {
		entry := i.(*renderAndAge)
		if !kept && entry.age >= displayAge {
			kept = true
			return true
		}
		if !entry.aborted {
			entry.aborted = true
			s.aborting.add()
			toAbort = append(toAbort, entry.results)
		}
		return true
	})
	s.activeMu.Unlock()

	for _, results := range toAbort {
		results.AbortRenders()
	}
	if len(toAbort) > 0 {
		s.log.Debug("interactive renders aborted", slog.Int("count", len(toAbort)), slog.Bool("keep_oldest", keepOldest))
	}
	return len(toAbort) > 0
}

// ActiveRenderAges returns the ages of the renders in flight, oldest first.
func (s *CurrentFrameScheduler) ActiveRenderAges() []uint64 {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	ages := make([]uint64, 0, s.active.Len())
	s.active.Ascend(func(i btree.Item) bool {
		ages = append(ages, i.(*renderAndAge).age)
		return true
	})
	return ages
}

// IsWorking reports whether a render is in flight or waiting to be displayed.
func (s *CurrentFrameScheduler) IsWorking() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.busy.n > 0
}

// IsBeingAborted reports whether an aborted render has yet to unwind.
func (s *CurrentFrameScheduler) IsBeingAborted() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.aborting.n > 0
}

// Quit aborts every render and refuses new requests.
func (s *CurrentFrameScheduler) Quit() {
	s.activeMu.Lock()
	s.quit = true
	s.activeMu.Unlock()
	s.OnAbortRequested(false)
}

// WaitForAbortToComplete waits until every aborted render unwound.
func (s *CurrentFrameScheduler) WaitForAbortToComplete(ctx context.Context) error {
	s.activeMu.Lock()
	ch := s.aborting.ch
	s.activeMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForAbortToCompleteEnforceBlocking blocks until every aborted render
// unwound. Only teardown paths should use it.
func (s *CurrentFrameScheduler) WaitForAbortToCompleteEnforceBlocking() {
	_ = s.WaitForAbortToComplete(context.Background())
}

// WaitForQuit waits until no render is in flight or waiting to be displayed.
func (s *CurrentFrameScheduler) WaitForQuit(ctx context.Context) error {
	s.activeMu.Lock()
	ch := s.busy.ch
	s.activeMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForQuitEnforceBlocking blocks until no render is in flight. Only
// teardown paths should use it; with a main loop the loop must keep running.
func (s *CurrentFrameScheduler) WaitForQuitEnforceBlocking() {
	_ = s.WaitForQuit(context.Background())
}
