package scheduler

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"render-orchestrator/internal/render"
)

// renderTask is one worker of a run. It pulls the next pushed frame, renders
// it and reports back until the run stops or the pool drains it.
type renderTask struct {
	id  int
	run *runState

	// mustQuit is guarded by the scheduler mutex.
	mustQuit bool
}

func (s *OutputScheduler) runTask(t *renderTask) {
	defer t.run.wg.Done()
	for {
		pf, ok := s.pickFrameToRender(t)
		if !ok {
			return
		}
		results, status, err := s.renderFrame(t.run, pf)
		s.notifyFrameRendered(t.run, pf, results, status, err)
	}
}

// pickFrameToRender blocks until a frame is pushed and claims it. It returns
// false when the task must quit: the run stopped or was aborted, or the pool
// shrank.
func (s *OutputScheduler) pickFrameToRender(t *renderTask) (pushedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := t.run
	for len(run.toRender) == 0 && !t.mustQuit && !run.abortRequested {
		s.cond.Wait()
	}
	if t.mustQuit || run.abortRequested {
		return pushedFrame{}, false
	}
	pf := run.toRender[0]
	run.toRender = run.toRender[1:]
	run.inFlight[pf.seq] = nil
	return pf, true
}

// renderFrame creates, launches and waits for the renders of pf.
func (s *OutputScheduler) renderFrame(run *runState, pf pushedFrame) (*render.FrameResults, render.Status, error) {
	if err := s.budget.Acquire(run.ctx); err != nil {
		return nil, render.StatusAborted, nil
	}
	defer s.budget.Release()

	results, err := s.output.CreateFrameRenderResults(pf.time, run.args.Views, run.args.EnableStats)
	if err != nil {
		return nil, render.StatusFailed, errors.Wrap(err, "creating frame renders")
	}

	s.mu.Lock()
	if run.abortRequested && !(run.keep && run.keepSeq == pf.seq) {
		s.mu.Unlock()
		return nil, render.StatusAborted, nil
	}
	run.inFlight[pf.seq] = results
	s.mu.Unlock()

	if err := results.LaunchRenders(); err != nil {
		return nil, render.StatusFailed, err
	}
	status := results.WaitForResultsReady()
	s.log.Debug("frame rendered", slog.Int("frame", pf.time), slog.String("status", status.String()))
	return results, status, nil
}
