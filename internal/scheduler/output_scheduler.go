package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"golang.org/x/time/rate"

	"render-orchestrator/internal/platform/config"
	"render-orchestrator/internal/platform/logger"
	"render-orchestrator/internal/platform/metrics"
	"render-orchestrator/internal/render"
)

// Options are the collaborators injected into a scheduler.
type Options struct {
	Settings config.Settings

	// Policy sizes the worker pool. Nil picks a CPUPolicy when
	// Settings.AdaptiveThreads is set and a FixedPolicy otherwise.
	Policy ThreadPolicy

	// Budget is shared by every scheduler of the process. Nil creates a
	// private one from Settings.
	Budget *ThreadBudget

	// MainLoop receives frames to process when the output asks for it.
	// Nil processes on the scheduler goroutine.
	MainLoop Executor

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Policy == nil {
		if o.Settings.AdaptiveThreads {
			o.Policy = NewCPUPolicy(o.Settings.MaxThreads())
		} else {
			o.Policy = FixedPolicy{N: o.Settings.MaxThreads()}
		}
	}
	if o.Budget == nil {
		o.Budget = NewThreadBudget(o.Settings.Budget())
	}
	o.Log = logger.OrNop(o.Log)
	return o
}

// Stats is a snapshot of an ordered scheduler.
type Stats struct {
	State     State
	Workers   int
	Processed int
	Buffered  int
	InFlight  int
	FPS       float64
}

// OutputScheduler renders runs of frames on a worker pool and hands them to
// its Output in timeline order.
//
// Its background goroutine is started by the first run and lives until
// QuitThread. A quit that allows restarts lets the next run start a new one.
type OutputScheduler struct {
	output   Output
	settings config.Settings
	policy   ThreadPolicy
	budget   *ThreadBudget
	mainLoop Executor
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	run           *runState
	loopRunning   bool
	loopDone      chan struct{}
	quitRequested bool
	noRestart     bool
	listeners     []func(aborted bool)
	fps           ewma.MovingAverage
	lastFPS       float64
}

// NewOutputScheduler returns an idle scheduler for output.
func NewOutputScheduler(output Output, opts Options) *OutputScheduler {
	opts = opts.withDefaults()
	s := &OutputScheduler{
		output:   output,
		settings: opts.Settings,
		policy:   opts.Policy,
		budget:   opts.Budget,
		mainLoop: opts.MainLoop,
		log:      opts.Log.With(slog.String("node", output.Name())),
		metrics:  opts.Metrics,
		fps:      ewma.NewMovingAverage(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// runState is everything that lives for the duration of one run.
type runState struct {
	args   RunArgs
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	started bool
	cursor  *frameCursor

	// toRender is the pull queue workers take frames from, in push order.
	toRender []pushedFrame
	nextSeq  uint64

	// expectedSeq is the push sequence the process step needs next.
	expectedSeq uint64
	buffered    *btree.BTree

	// inFlight holds frames picked by a worker and not yet reported back.
	// The value is nil until the worker created the frame's renders.
	inFlight map[uint64]*render.FrameResults
	aborted  map[uint64]bool

	tasks  []*renderTask
	nextID int

	abortRequested bool
	keep           bool
	keepSeq        uint64
	failed         bool
	err            error
	processed      int
}

type pushedFrame struct {
	seq  uint64
	time int
}

// frameItem orders buffered frames by push sequence, which follows the
// timeline in the direction of the run, wrap-arounds included.
type frameItem struct {
	BufferedFrame
}

func (a *frameItem) Less(b btree.Item) bool {
	return a.Seq < b.(*frameItem).Seq
}

// RenderFrameRange renders first..last every step frames. A blocking call
// returns once the run stopped, with the failure that stopped it if any.
func (s *OutputScheduler) RenderFrameRange(blocking, enableStats bool, first, last, step int, views []int, dir Direction) error {
	if step <= 0 || first > last {
		return errors.Wrapf(ErrInvalidRange, "[%d, %d] step %d", first, last, step)
	}
	args := RunArgs{
		First:       first,
		Last:        last,
		Step:        step,
		Views:       views,
		Direction:   dir,
		EnableStats: enableStats,
		Blocking:    blocking,
		Mode:        PlaybackOnce,
		Start:       first,
	}
	if dir == Backward {
		args.Start = first + (args.FrameCount()-1)*step
	}
	return s.start(args)
}

// RenderFromCurrentFrame plays from the output's current time within its
// timeline bounds, following its playback mode.
func (s *OutputScheduler) RenderFromCurrentFrame(blocking, enableStats bool, step int, views []int, dir Direction) error {
	if step <= 0 {
		return errors.Wrapf(ErrInvalidRange, "step %d", step)
	}
	first, last := s.output.TimelineBounds()
	if first > last {
		return errors.Wrapf(ErrInvalidRange, "timeline [%d, %d]", first, last)
	}
	start := s.output.CurrentTime()
	if start < first {
		start = first
	}
	if start > last {
		start = last
	}
	return s.start(RunArgs{
		First:            first,
		Last:             last,
		Step:             step,
		Views:            views,
		Direction:        dir,
		EnableStats:      enableStats,
		Blocking:         blocking,
		Mode:             s.output.PlaybackMode(),
		Start:            start,
		FromCurrentFrame: true,
	})
}

func (s *OutputScheduler) start(args RunArgs) error {
	s.mu.Lock()
	switch {
	case s.noRestart:
		s.mu.Unlock()
		return ErrQuit
	case s.state == StateRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case s.state == StateAborting:
		s.mu.Unlock()
		return ErrAbortInProgress
	case s.state == StateQuitting:
		s.mu.Unlock()
		return ErrQuit
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &runState{
		args:     args,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		cursor:   newFrameCursor(args),
		buffered: btree.New(8),
		inFlight: make(map[uint64]*render.FrameResults),
		aborted:  make(map[uint64]bool),
	}
	s.run = run
	s.state = StateRunning
	if !s.loopRunning {
		s.loopRunning = true
		s.quitRequested = false
		s.loopDone = make(chan struct{})
		go s.loop(s.loopDone)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.log.Info("render started",
		slog.Int("first", args.First),
		slog.Int("last", args.Last),
		slog.Int("step", args.Step),
		slog.String("direction", args.Direction.String()),
		slog.String("mode", args.Mode.String()))

	if !args.Blocking {
		return nil
	}
	<-run.done
	return run.err
}

// loop is the scheduler goroutine.
func (s *OutputScheduler) loop(done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		for !s.quitRequested && (s.run == nil || s.run.started) {
			s.cond.Wait()
		}
		if s.quitRequested && (s.run == nil || s.run.started) {
			s.state = StateTerminated
			s.loopRunning = false
			s.quitRequested = false
			s.cond.Broadcast()
			s.mu.Unlock()
			s.log.Debug("scheduler goroutine exited")
			return
		}
		run := s.run
		run.started = true
		s.mu.Unlock()

		aborted := s.execute(run)
		s.finish(run, aborted)
	}
}

// execute runs the push/buffer/process cycle of run and reports whether it
// stopped because of an abort.
func (s *OutputScheduler) execute(run *runState) bool {
	s.output.AboutToStartRender(run.args)
	s.adjustPool(run)
	s.mu.Lock()
	s.pushFramesLocked(run)
	s.mu.Unlock()

	var limiter *rate.Limiter
	var lastProcessed time.Time
	for {
		s.mu.Lock()
		frame, ok, finished := s.waitNextFrameLocked(run)
		s.mu.Unlock()
		if finished {
			return false
		}
		if !ok {
			break
		}

		if fps := s.output.DesiredFPS(); fps > 0 {
			if limiter == nil {
				limiter = rate.NewLimiter(rate.Limit(fps), 1)
			} else if limiter.Limit() != rate.Limit(fps) {
				limiter.SetLimit(rate.Limit(fps))
			}
			if err := limiter.Wait(run.ctx); err != nil {
				// Aborted while pacing: the frame is dropped with the run.
				break
			}
		}

		if err := s.processFrame(run, frame); err != nil {
			if errors.Is(err, ErrMainLoopClosed) {
				s.log.Info("main loop closed, aborting run", slog.Int("frame", frame.Time))
				s.abortRun(run, false)
				continue
			}
			s.notifyRenderFailure(run, frame.Time, render.StatusFailed, err)
			continue
		}

		now := time.Now()
		if !lastProcessed.IsZero() {
			if dt := now.Sub(lastProcessed).Seconds(); dt > 0 {
				s.reportFPS(1 / dt)
			}
		}
		lastProcessed = now

		s.adjustPool(run)
		s.mu.Lock()
		run.processed++
		s.pushFramesLocked(run)
		s.mu.Unlock()
	}

	// Aborted: wait for the workers to hand back what they were rendering,
	// then process the render kept alive by a keep-oldest abort.
	s.mu.Lock()
	for len(run.inFlight) > 0 {
		s.cond.Wait()
	}
	var kept []BufferedFrame
	if run.keep && !run.failed {
		for {
			f, ok := s.popInOrderLocked(run)
			if !ok || f.Seq > run.keepSeq {
				break
			}
			kept = append(kept, f)
		}
	}
	s.mu.Unlock()

	for _, f := range kept {
		if err := s.processFrame(run, f); err != nil {
			s.log.Warn("processing kept frame failed", slog.Int("frame", f.Time), slog.String("error", err.Error()))
			break
		}
		s.mu.Lock()
		run.processed++
		s.mu.Unlock()
	}
	return true
}

// waitNextFrameLocked blocks until the next in-order frame is buffered, the
// run is aborted, or the run rendered everything. Caller holds s.mu.
func (s *OutputScheduler) waitNextFrameLocked(run *runState) (frame BufferedFrame, ok, finished bool) {
	for {
		if run.abortRequested {
			return BufferedFrame{}, false, false
		}
		if f, ok := s.popInOrderLocked(run); ok {
			return f, true, false
		}
		if run.cursor.Exhausted() && len(run.toRender) == 0 && len(run.inFlight) == 0 && run.buffered.Len() == 0 {
			return BufferedFrame{}, false, true
		}
		s.cond.Wait()
	}
}

// popInOrderLocked removes the buffered frame with the expected sequence.
// Caller holds s.mu.
func (s *OutputScheduler) popInOrderLocked(run *runState) (BufferedFrame, bool) {
	min := run.buffered.Min()
	if min == nil {
		return BufferedFrame{}, false
	}
	item := min.(*frameItem)
	if item.Seq != run.expectedSeq {
		return BufferedFrame{}, false
	}
	run.buffered.DeleteMin()
	run.expectedSeq++
	return item.BufferedFrame, true
}

// pushFramesLocked tops the pull queue up so that no more frames than there
// are workers are pushed and not yet processed. Caller holds s.mu.
func (s *OutputScheduler) pushFramesLocked(run *runState) {
	if run.abortRequested {
		return
	}
	limit := uint64(run.aliveTasks())
	if limit == 0 {
		limit = 1
	}
	pushed := 0
	for run.nextSeq-run.expectedSeq < limit {
		t, _, ok := run.cursor.Next()
		if !ok {
			break
		}
		run.toRender = append(run.toRender, pushedFrame{seq: run.nextSeq, time: t})
		run.nextSeq++
		pushed++
	}
	if pushed > 0 {
		s.cond.Broadcast()
	}
}

// adjustPool asks the thread policy for a pool size and grows or drains the
// workers of run to match.
func (s *OutputScheduler) adjustPool(run *runState) {
	s.mu.Lock()
	current := run.aliveTasks()
	s.mu.Unlock()

	target := clampWorkers(s.policy.Target(current), s.settings.MaxThreads())

	s.mu.Lock()
	defer s.mu.Unlock()
	if run.abortRequested {
		return
	}
	alive := run.aliveTasks()
	for ; alive < target; alive++ {
		t := &renderTask{id: run.nextID, run: run}
		run.nextID++
		run.tasks = append(run.tasks, t)
		run.wg.Add(1)
		go s.runTask(t)
	}
	if alive > target {
		// Drain the newest workers; they quit after their current frame.
		for i := len(run.tasks) - 1; i >= 0 && alive > target; i-- {
			if !run.tasks[i].mustQuit {
				run.tasks[i].mustQuit = true
				alive--
			}
		}
		s.cond.Broadcast()
	}
	s.metrics.SetWorkerThreads(s.output.Name(), alive)
}

func (r *runState) aliveTasks() int {
	n := 0
	for _, t := range r.tasks {
		if !t.mustQuit {
			n++
		}
	}
	return n
}

func (s *OutputScheduler) processFrame(run *runState, frame BufferedFrame) error {
	// Blocking runs are waited on by their caller, which may be the main
	// goroutine itself: they always process here.
	onMain := s.mainLoop != nil && !run.args.Blocking && s.output.ProcessOnMainThread()
	var err error
	if onMain {
		ran := false
		s.mainLoop.Do(func() {
			ran = true
			err = s.output.ProcessFrame(frame)
		})
		if !ran {
			return ErrMainLoopClosed
		}
	} else {
		err = s.output.ProcessFrame(frame)
	}
	if err == nil {
		s.metrics.IncFramesProcessed(s.output.Name())
		s.log.Debug("frame processed", slog.Int("frame", frame.Time))
	}
	return err
}

func (s *OutputScheduler) reportFPS(instant float64) {
	s.mu.Lock()
	s.fps.Add(instant)
	fps := s.fps.Value()
	s.lastFPS = fps
	s.mu.Unlock()

	s.output.ReportFPS(fps)
	s.metrics.SetPlaybackFPS(s.output.Name(), fps)
}

// notifyFrameRendered is called by a worker once the renders of a frame it
// picked are done.
func (s *OutputScheduler) notifyFrameRendered(run *runState, pf pushedFrame, results *render.FrameResults, status render.Status, err error) {
	s.mu.Lock()
	delete(run.inFlight, pf.seq)
	if status == render.StatusOK && err == nil {
		run.buffered.ReplaceOrInsert(&frameItem{BufferedFrame{
			Time:    pf.time,
			Seq:     pf.seq,
			Status:  status,
			Results: results,
		}})
		s.cond.Broadcast()
		s.mu.Unlock()
		s.metrics.IncFramesRendered(s.output.Name())
		return
	}
	abortedByUs := run.abortRequested
	s.cond.Broadcast()
	s.mu.Unlock()

	if status == render.StatusAborted && err == nil {
		if !abortedByUs {
			// Cancelled from outside the scheduler: stop quietly.
			s.abortRun(run, false)
		}
		return
	}
	if err == nil {
		err = status.Err()
	}
	s.notifyRenderFailure(run, pf.time, status, err)
}

// notifyRenderFailure reports a failed frame to the output once per run and
// aborts the frames still in flight.
func (s *OutputScheduler) notifyRenderFailure(run *runState, frame int, status render.Status, err error) {
	s.mu.Lock()
	if run.failed {
		s.mu.Unlock()
		s.abortRun(run, false)
		return
	}
	run.failed = true
	run.err = errors.Wrapf(err, "frame %d", frame)
	failure := run.err
	s.mu.Unlock()

	s.log.Error("render failed",
		slog.Int("frame", frame),
		slog.String("status", status.String()),
		slog.String("error", failure.Error()))
	s.metrics.IncFrameFailures(s.output.Name())
	s.output.HandleRenderFailure(failure)
	s.abortRun(run, false)
}

// abortRun cancels run. The abort calls on the renders are made outside the
// lock.
func (s *OutputScheduler) abortRun(run *runState, keepOldest bool) {
	s.mu.Lock()
	toAbort := s.abortRunLocked(run, keepOldest)
	s.mu.Unlock()
	for _, r := range toAbort {
		r.AbortRenders()
	}
}

// abortRunLocked marks run aborted and returns the renders to cancel.
// Caller holds s.mu.
func (s *OutputScheduler) abortRunLocked(run *runState, keepOldest bool) []*render.FrameResults {
	if !run.abortRequested {
		run.abortRequested = true
		run.toRender = nil
		if s.state == StateRunning {
			s.state = StateAborting
		}
		if keepOldest && len(run.inFlight) > 0 {
			first := true
			for seq := range run.inFlight {
				if first || seq < run.keepSeq {
					run.keepSeq = seq
					first = false
				}
			}
			run.keep = true
		}
		run.cancel()
	} else if !keepOldest {
		run.keep = false
	}

	var out []*render.FrameResults
	for seq, results := range run.inFlight {
		if results == nil || run.aborted[seq] {
			continue
		}
		if run.keep && seq == run.keepSeq {
			continue
		}
		run.aborted[seq] = true
		out = append(out, results)
	}
	s.cond.Broadcast()
	return out
}

// finish tears run down once execute returned.
func (s *OutputScheduler) finish(run *runState, aborted bool) {
	s.mu.Lock()
	for _, t := range run.tasks {
		t.mustQuit = true
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	run.wg.Wait()
	run.cancel()

	s.output.OnRenderStopped(aborted)
	if aborted {
		s.metrics.IncRunsAborted(s.output.Name())
	}
	s.metrics.SetWorkerThreads(s.output.Name(), 0)
	s.log.Info("render stopped", slog.Bool("aborted", aborted), slog.Int("processed", run.processed))

	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	if s.state == StateRunning || s.state == StateAborting {
		s.state = StateIdle
	}
	listeners := append([]func(bool){}, s.listeners...)
	s.cond.Broadcast()
	s.mu.Unlock()

	close(run.done)
	for _, fn := range listeners {
		fn(aborted)
	}
}

// OnStopped registers fn to run after every run stops.
func (s *OutputScheduler) OnStopped(fn func(aborted bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// AbortThreadedTask cancels the current run. With keepOldestRender the
// oldest frame still rendering finishes and is processed so the output
// shows something. It returns false when nothing was running.
func (s *OutputScheduler) AbortThreadedTask(keepOldestRender bool) bool {
	s.mu.Lock()
	run := s.run
	if run == nil {
		s.mu.Unlock()
		return false
	}
	toAbort := s.abortRunLocked(run, keepOldestRender)
	s.mu.Unlock()

	s.log.Info("render abort requested", slog.Bool("keep_oldest", keepOldestRender))
	for _, r := range toAbort {
		r.AbortRenders()
	}
	return true
}

// QuitThread asks the scheduler goroutine to exit after aborting the current
// run. With allowRestarts false no run can ever start again.
func (s *OutputScheduler) QuitThread(allowRestarts bool) {
	s.mu.Lock()
	if !allowRestarts {
		s.noRestart = true
	}
	var toAbort []*render.FrameResults
	if s.run != nil {
		toAbort = s.abortRunLocked(s.run, false)
	}
	if s.loopRunning {
		s.quitRequested = true
		s.state = StateQuitting
	} else if !allowRestarts {
		s.state = StateTerminated
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, r := range toAbort {
		r.AbortRenders()
	}
}

// WaitForThreadToQuitEnforceBlocking blocks until the scheduler goroutine
// exited. Only teardown paths should use it.
func (s *OutputScheduler) WaitForThreadToQuitEnforceBlocking() {
	s.mu.Lock()
	if !s.loopRunning {
		s.mu.Unlock()
		return
	}
	done := s.loopDone
	s.mu.Unlock()
	<-done
}

// WaitForAbortToCompleteEnforceBlocking blocks until no aborted run is
// still winding down. Only teardown paths should use it.
func (s *OutputScheduler) WaitForAbortToCompleteEnforceBlocking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.run != nil && s.run.abortRequested {
		s.cond.Wait()
	}
}

// WaitForRenderToFinish waits for the current run, if any, to stop.
func (s *OutputScheduler) WaitForRenderToFinish(ctx context.Context) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the lifecycle state.
func (s *OutputScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsWorking reports whether a run is active, aborting included.
func (s *OutputScheduler) IsWorking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// IsBeingAborted reports whether the current run is winding down.
func (s *OutputScheduler) IsBeingAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && s.run.abortRequested
}

// CurrentRun returns the arguments of the active run.
func (s *OutputScheduler) CurrentRun() (RunArgs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return RunArgs{}, false
	}
	return s.run.args, true
}

// Stats returns a snapshot of the scheduler.
func (s *OutputScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{State: s.state, FPS: s.lastFPS}
	if s.run != nil {
		st.Workers = s.run.aliveTasks()
		st.Processed = s.run.processed
		st.Buffered = s.run.buffered.Len()
		st.InFlight = len(s.run.inFlight)
	}
	return st
}
