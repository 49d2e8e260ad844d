// Package engine is the single entry point for starting renders of an output
// node. A RenderEngine owns the node's schedulers, creates them on first use,
// coalesces bursts of refresh requests and resumes playback interrupted by
// an abort.
package engine

import (
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"render-orchestrator/internal/platform/config"
	"render-orchestrator/internal/platform/logger"
	"render-orchestrator/internal/platform/metrics"
	"render-orchestrator/internal/render"
	"render-orchestrator/internal/scheduler"
)

var (
	// ErrOnMainThread is returned by blocking waits called from the main loop.
	ErrOnMainThread = errors.New("cannot block on the main loop")

	// ErrNotViewer is returned for viewer-only operations on a writer.
	ErrNotViewer = errors.New("output is not a viewer")

	// ErrClosed is returned once the engine was closed.
	ErrClosed = errors.New("render engine closed")
)

// Kind is the kind of output node an engine renders.
type Kind int

const (
	KindWriter Kind = iota
	KindViewer
)

func (k Kind) String() string {
	if k == KindViewer {
		return "viewer"
	}
	return "writer"
}

// OutputNode describes the node an engine renders and its collaborators.
type OutputNode struct {
	Name    string
	Kind    Kind
	Factory render.TreeRenderFactory

	// Viewer and Timeline are required for viewers.
	Viewer   scheduler.Viewer
	Timeline scheduler.Timeline

	// Progress and ErrOut receive a writer's background progress and
	// failures. Either may be nil.
	Progress io.Writer
	ErrOut   io.Writer
}

// Options are shared by every engine of a process.
type Options struct {
	Settings config.Settings

	// MainLoop runs debounced refreshes, stop handling and watcher
	// completions. Nil runs them on the calling goroutine.
	MainLoop scheduler.Executor

	Budget  *scheduler.ThreadBudget
	Policy  scheduler.ThreadPolicy
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// PlaybackArgs are the parameters of a run that playback restarts reuse.
type PlaybackArgs struct {
	Step        int                 `json:"step"`
	Views       []int               `json:"views"`
	Direction   scheduler.Direction `json:"direction"`
	EnableStats bool                `json:"enable_stats"`
}

// RangeArgs describe an explicit frame range.
type RangeArgs struct {
	First int `json:"first"`
	Last  int `json:"last"`
	PlaybackArgs
}

type refreshRequest struct {
	enableStats bool
	canAbort    bool
}

// RenderEngine drives the renders of one output node.
type RenderEngine struct {
	node OutputNode
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	output  *scheduler.OutputScheduler
	writer  *scheduler.DefaultScheduler
	current *scheduler.CurrentFrameScheduler
	closed  bool

	// terminated is set by a quit that allows no restarts.
	terminated bool

	// autoRestart is set by every range or playback start and cleared by
	// AbortRenderingNoRestart. interrupted marks a run stopped by
	// AbortRenderingAutoRestart; the next refresh resumes it.
	autoRestart    bool
	interrupted    bool
	restartPending bool
	last           PlaybackArgs

	pending     []refreshRequest
	flushPosted bool

	queue      []RangeArgs
	sequential bool

	watchers map[*watcher]struct{}
}

// New returns an engine for node. Schedulers are created on first use.
func New(node OutputNode, opts Options) (*RenderEngine, error) {
	if node.Name == "" {
		return nil, errors.New("output node has no name")
	}
	if node.Factory == nil {
		return nil, errors.Newf("output node %s has no tree render factory", node.Name)
	}
	if node.Kind == KindViewer && (node.Viewer == nil || node.Timeline == nil) {
		return nil, errors.Newf("viewer %s needs a viewer and a timeline", node.Name)
	}
	log := logger.OrNop(opts.Log)
	opts.Log = log
	return &RenderEngine{
		node:     node,
		opts:     opts,
		log:      log.With(slog.String("node", node.Name), slog.String("kind", node.Kind.String())),
		watchers: make(map[*watcher]struct{}),
	}, nil
}

// Name returns the name of the output node.
func (e *RenderEngine) Name() string { return e.node.Name }

// Kind returns the kind of the output node.
func (e *RenderEngine) Kind() Kind { return e.node.Kind }

// usableLocked returns why the engine cannot start renders, if it cannot.
// Caller holds e.mu.
func (e *RenderEngine) usableLocked() error {
	switch {
	case e.closed:
		return ErrClosed
	case e.terminated:
		return scheduler.ErrQuit
	}
	return nil
}

func (e *RenderEngine) schedulerOptions() scheduler.Options {
	return scheduler.Options{
		Settings: e.opts.Settings,
		Policy:   e.opts.Policy,
		Budget:   e.opts.Budget,
		MainLoop: e.opts.MainLoop,
		Log:      e.opts.Log,
		Metrics:  e.opts.Metrics,
	}
}

// outputLocked returns the ordered scheduler, creating it. Caller holds e.mu.
func (e *RenderEngine) outputLocked() *scheduler.OutputScheduler {
	if e.output != nil {
		return e.output
	}
	if e.node.Kind == KindViewer {
		v := scheduler.NewViewerDisplayScheduler(e.node.Viewer, e.node.Timeline, e.node.Factory, e.schedulerOptions())
		e.output = v.OutputScheduler
	} else {
		w := scheduler.NewDefaultScheduler(e.node.Name, e.node.Factory, e.schedulerOptions(), e.node.Progress, e.node.ErrOut)
		e.writer = w
		e.output = w.OutputScheduler
	}
	e.output.OnStopped(e.onOutputStopped)
	e.log.Debug("output scheduler created")
	return e.output
}

// currentLocked returns the current-frame scheduler, creating it. Caller
// holds e.mu.
func (e *RenderEngine) currentLocked() *scheduler.CurrentFrameScheduler {
	if e.current == nil {
		e.current = scheduler.NewCurrentFrameScheduler(e.node.Viewer, e.node.Timeline, e.node.Factory, e.schedulerOptions())
		e.log.Debug("current frame scheduler created")
	}
	return e.current
}

func (e *RenderEngine) schedulers() (*scheduler.OutputScheduler, *scheduler.CurrentFrameScheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output, e.current
}

// runMemo is the restart bookkeeping a start replaces.
type runMemo struct {
	autoRestart    bool
	interrupted    bool
	restartPending bool
	last           PlaybackArgs
}

// startRun records a range or playback start and calls start. The previous
// bookkeeping comes back if start is rejected.
func (e *RenderEngine) startRun(args PlaybackArgs, start func(*scheduler.OutputScheduler) error) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	out := e.outputLocked()
	prev := runMemo{e.autoRestart, e.interrupted, e.restartPending, e.last}
	e.autoRestart = true
	e.interrupted = false
	e.restartPending = false
	e.last = args
	e.mu.Unlock()

	err := start(out)
	if rejected(err) {
		e.mu.Lock()
		e.autoRestart, e.interrupted, e.restartPending, e.last = prev.autoRestart, prev.interrupted, prev.restartPending, prev.last
		e.mu.Unlock()
	}
	return err
}

// rejected reports whether err kept a run from starting.
func rejected(err error) bool {
	return errors.IsAny(err, scheduler.ErrAlreadyRunning, scheduler.ErrAbortInProgress, scheduler.ErrQuit, scheduler.ErrInvalidRange)
}

// RenderFrameRange renders args.First..args.Last. A blocking call returns
// once the run stopped.
func (e *RenderEngine) RenderFrameRange(blocking bool, args RangeArgs) error {
	return e.startRun(args.PlaybackArgs, func(out *scheduler.OutputScheduler) error {
		return out.RenderFrameRange(blocking, args.EnableStats, args.First, args.Last, args.Step, args.Views, args.Direction)
	})
}

// RenderFromCurrentFrame plays from the timeline cursor.
func (e *RenderEngine) RenderFromCurrentFrame(blocking bool, args PlaybackArgs) error {
	return e.startRun(args, func(out *scheduler.OutputScheduler) error {
		return out.RenderFromCurrentFrame(blocking, args.EnableStats, args.Step, args.Views, args.Direction)
	})
}

// QueueFrameRange adds a range to the sequential render queue. It starts
// right away when nothing renders; otherwise it starts once every range
// queued before it finished without being aborted.
func (e *RenderEngine) QueueFrameRange(args RangeArgs) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	out := e.outputLocked()
	e.sequential = true
	if out.IsWorking() || len(e.queue) > 0 {
		e.queue = append(e.queue, args)
		n := len(e.queue)
		e.mu.Unlock()
		e.log.Info("range queued", slog.Int("first", args.First), slog.Int("last", args.Last), slog.Int("queued", n))
		return nil
	}
	e.mu.Unlock()

	err := e.RenderFrameRange(false, args)
	if err != nil {
		e.mu.Lock()
		e.sequential = len(e.queue) > 0
		e.mu.Unlock()
	}
	return err
}

// RenderCurrentFrame renders the frame the viewer shows. If playback was
// interrupted by AbortRenderingAutoRestart it resumes playback instead.
func (e *RenderEngine) RenderCurrentFrame(enableStats, canAbort bool) error {
	return e.RenderCurrentFrameRequest(scheduler.CurrentFrameRequest{EnableStats: enableStats, CanAbort: canAbort})
}

// RenderCurrentFrameWithRenderStats renders the current frame with render
// statistics. It never aborts other renders.
func (e *RenderEngine) RenderCurrentFrameWithRenderStats() error {
	return e.RenderCurrentFrame(true, false)
}

// RenderCurrentFrameRequest is RenderCurrentFrame with every request flag.
func (e *RenderEngine) RenderCurrentFrameRequest(req scheduler.CurrentFrameRequest) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.interrupted && e.autoRestart {
		out := e.outputLocked()
		if out.IsWorking() {
			// The stop listener restarts once the abort completed.
			e.restartPending = true
			e.mu.Unlock()
			return nil
		}
		e.interrupted = false
		args := e.last
		e.mu.Unlock()
		return e.restartPlayback(args)
	}
	if e.node.Kind != KindViewer {
		e.mu.Unlock()
		return ErrNotViewer
	}
	cur := e.currentLocked()
	e.mu.Unlock()

	_, err := cur.RenderCurrentFrame(req)
	return err
}

func (e *RenderEngine) restartPlayback(args PlaybackArgs) error {
	e.log.Info("restarting interrupted playback", slog.String("direction", args.Direction.String()))
	return e.RenderFromCurrentFrame(false, args)
}

// RenderCurrentFrameDebounced queues a refresh for the next main loop tick.
// Every refresh queued within one tick is coalesced: only the last one
// renders.
func (e *RenderEngine) RenderCurrentFrameDebounced(enableStats, canAbort bool) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.pending = append(e.pending, refreshRequest{enableStats: enableStats, canAbort: canAbort})
	if e.flushPosted {
		e.mu.Unlock()
		return nil
	}
	e.flushPosted = true
	loop := e.opts.MainLoop
	e.mu.Unlock()

	if loop == nil || !loop.Post(e.flushRefreshes) {
		e.flushRefreshes()
	}
	return nil
}

func (e *RenderEngine) flushRefreshes() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.flushPosted = false
	e.mu.Unlock()

	req, ok := coalesce(batch)
	if !ok {
		return
	}
	if len(batch) > 1 {
		e.log.Debug("refreshes coalesced", slog.Int("requested", len(batch)))
	}
	if err := e.RenderCurrentFrame(req.enableStats, req.canAbort); err != nil {
		e.log.Warn("refresh failed", slog.String("error", err.Error()))
	}
}

// coalesce folds a tick's requests into the one that renders: adjacent
// identical requests collapse and only the last distinct one is kept.
func coalesce(reqs []refreshRequest) (refreshRequest, bool) {
	if len(reqs) == 0 {
		return refreshRequest{}, false
	}
	return reqs[len(reqs)-1], true
}

// onOutputStopped runs on the scheduler goroutine after every run.
func (e *RenderEngine) onOutputStopped(aborted bool) {
	e.mu.Lock()
	var next func()
	switch {
	case aborted:
		if len(e.queue) > 0 {
			e.log.Info("sequential render cancelled", slog.Int("dropped", len(e.queue)))
		}
		e.queue = nil
		e.sequential = false
		if e.restartPending && e.autoRestart && !e.closed {
			e.restartPending = false
			e.interrupted = false
			args := e.last
			next = func() {
				if err := e.restartPlayback(args); err != nil {
					e.log.Warn("playback restart failed", slog.String("error", err.Error()))
				}
			}
		}
	case len(e.queue) > 0 && !e.closed:
		r := e.queue[0]
		e.queue = e.queue[1:]
		next = func() { e.startQueued(r) }
	default:
		e.sequential = false
	}
	e.mu.Unlock()

	if next != nil {
		e.dispatch(next)
	}
}

func (e *RenderEngine) startQueued(args RangeArgs) {
	e.log.Info("starting queued range", slog.Int("first", args.First), slog.Int("last", args.Last))
	err := e.RenderFrameRange(false, args)
	switch {
	case err == nil, errors.Is(err, ErrClosed):
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		// Another range won the race; run this one after it.
		e.mu.Lock()
		e.queue = append([]RangeArgs{args}, e.queue...)
		out := e.output
		e.mu.Unlock()
		if !out.IsWorking() {
			e.dispatch(func() { e.resumeQueue() })
		}
	default:
		e.log.Error("queued range failed to start", slog.String("error", err.Error()))
		e.mu.Lock()
		e.queue = nil
		e.sequential = false
		e.mu.Unlock()
	}
}

// resumeQueue starts the head of the queue if nothing renders.
func (e *RenderEngine) resumeQueue() {
	e.mu.Lock()
	if e.closed || len(e.queue) == 0 || e.output.IsWorking() {
		e.mu.Unlock()
		return
	}
	r := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()
	e.startQueued(r)
}

// dispatch runs fn on the main loop, or inline without one.
func (e *RenderEngine) dispatch(fn func()) {
	if loop := e.opts.MainLoop; loop != nil && loop.Post(fn) {
		return
	}
	fn()
}

func (e *RenderEngine) abortSchedulers(out *scheduler.OutputScheduler, cur *scheduler.CurrentFrameScheduler) bool {
	keepOldest := e.node.Kind == KindViewer
	aborted := false
	if out != nil && out.AbortThreadedTask(keepOldest) {
		aborted = true
	}
	if cur != nil && cur.OnAbortRequested(keepOldest) {
		aborted = true
	}
	return aborted
}

func isWorking(out *scheduler.OutputScheduler, cur *scheduler.CurrentFrameScheduler) bool {
	return (out != nil && out.IsWorking()) || (cur != nil && cur.IsWorking())
}

// AbortRenderingNoRestart aborts every render, clears the sequential queue
// and disables playback restarts. It returns false, changing nothing, when
// nothing was rendering.
func (e *RenderEngine) AbortRenderingNoRestart() bool {
	e.mu.Lock()
	out, cur := e.output, e.current
	if !isWorking(out, cur) && len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	e.autoRestart = false
	e.interrupted = false
	e.restartPending = false
	e.queue = nil
	e.sequential = false
	e.mu.Unlock()

	e.abortSchedulers(out, cur)
	e.log.Info("rendering aborted", slog.Bool("restart", false))
	return true
}

// AbortRenderingAutoRestart aborts every render but keeps playback restarts
// enabled: the next refresh resumes the interrupted playback. It returns
// false when nothing was rendering.
func (e *RenderEngine) AbortRenderingAutoRestart() bool {
	e.mu.Lock()
	out, cur := e.output, e.current
	if !isWorking(out, cur) {
		e.mu.Unlock()
		return false
	}
	if out != nil && out.IsWorking() && e.autoRestart {
		e.interrupted = true
	}
	e.mu.Unlock()

	e.abortSchedulers(out, cur)
	e.log.Info("rendering aborted", slog.Bool("restart", true))
	return true
}

// IsPlaybackAutoRestartEnabled reports whether a refresh may resume playback.
func (e *RenderEngine) IsPlaybackAutoRestartEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoRestart
}

// HasThreadsWorking reports whether any scheduler of the engine renders.
func (e *RenderEngine) HasThreadsWorking() bool {
	return isWorking(e.schedulers())
}

// IsDoingSequentialRender reports whether queued ranges are being rendered.
func (e *RenderEngine) IsDoingSequentialRender() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequential
}

// QuitEngine asks every scheduler to stop. It does not wait. With
// allowRestarts the engine accepts renders again once they stopped.
func (e *RenderEngine) QuitEngine(allowRestarts bool) {
	e.mu.Lock()
	out, cur := e.output, e.current
	e.autoRestart = false
	e.interrupted = false
	e.restartPending = false
	e.queue = nil
	e.sequential = false
	e.pending = nil
	if !allowRestarts {
		e.terminated = true
	}
	e.mu.Unlock()

	if out != nil {
		out.QuitThread(allowRestarts)
	}
	if cur != nil {
		if allowRestarts {
			cur.OnAbortRequested(false)
		} else {
			cur.Quit()
		}
	}
	e.log.Info("engine quit requested", slog.Bool("allow_restarts", allowRestarts))
}

func (e *RenderEngine) onMainLoop() bool {
	return e.opts.MainLoop != nil && e.opts.MainLoop.OnLoop()
}

// WaitForEngineToQuit blocks until every scheduler stopped. It refuses to
// block the main loop.
func (e *RenderEngine) WaitForEngineToQuit() error {
	if e.onMainLoop() {
		return ErrOnMainThread
	}
	e.WaitForEngineToQuitEnforceBlocking()
	return nil
}

// WaitForEngineToQuitNonBlocking returns at once and calls done on the main
// loop once every scheduler stopped.
func (e *RenderEngine) WaitForEngineToQuitNonBlocking(done func()) {
	e.watch("quit", e.WaitForEngineToQuitEnforceBlocking, done)
}

// WaitForEngineToQuitEnforceBlocking blocks until every scheduler stopped,
// wherever it is called from. Only teardown paths should use it.
func (e *RenderEngine) WaitForEngineToQuitEnforceBlocking() {
	out, cur := e.schedulers()
	if out != nil {
		out.WaitForThreadToQuitEnforceBlocking()
	}
	if cur != nil {
		cur.WaitForQuitEnforceBlocking()
	}
}

// WaitForAbortToComplete blocks until every aborted render unwound. It
// refuses to block the main loop.
func (e *RenderEngine) WaitForAbortToComplete() error {
	if e.onMainLoop() {
		return ErrOnMainThread
	}
	e.WaitForAbortToCompleteEnforceBlocking()
	return nil
}

// WaitForAbortToCompleteNonBlocking returns at once and calls done on the
// main loop once every aborted render unwound.
func (e *RenderEngine) WaitForAbortToCompleteNonBlocking(done func()) {
	e.watch("abort", e.WaitForAbortToCompleteEnforceBlocking, done)
}

// WaitForAbortToCompleteEnforceBlocking blocks until every aborted render
// unwound. Only teardown paths should use it.
func (e *RenderEngine) WaitForAbortToCompleteEnforceBlocking() {
	out, cur := e.schedulers()
	if out != nil {
		out.WaitForAbortToCompleteEnforceBlocking()
	}
	if cur != nil {
		cur.WaitForAbortToCompleteEnforceBlocking()
	}
}

// Close quits the engine and waits for it. The engine rejects every
// request afterwards. Close must not run on a main loop that still has
// displays to deliver.
func (e *RenderEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.QuitEngine(false)
	e.WaitForEngineToQuitEnforceBlocking()
	e.log.Info("engine closed")
}
