package render_test

import (
	"errors"
	"testing"

	"render-orchestrator/internal/render"
	"render-orchestrator/internal/render/synth"
)

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		in   []render.Status
		want render.Status
	}{
		{nil, render.StatusOK},
		{[]render.Status{render.StatusOK, render.StatusAborted}, render.StatusAborted},
		{[]render.Status{render.StatusAborted, render.StatusFailed}, render.StatusFailed},
		{[]render.Status{render.StatusFailed, render.StatusOutOfMemory, render.StatusOK}, render.StatusOutOfMemory},
	}
	for _, c := range cases {
		if got := render.AggregateStatus(c.in...); got != c.want {
			t.Errorf("AggregateStatus(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestStatus_ShouldReport(t *testing.T) {
	if render.StatusAborted.ShouldReport() {
		t.Error("aborts are never reported")
	}
	if !render.StatusAborted.IsFailure() {
		t.Error("an abort is still a failure for the scheduler")
	}
	if !render.StatusOutOfMemory.ShouldReport() || !render.StatusFailed.ShouldReport() {
		t.Error("failures must be reported")
	}
	if !errors.Is(render.StatusOutOfMemory.Err(), render.ErrOutOfMemory) {
		t.Error("unexpected error for out of memory")
	}
	if render.StatusOK.Err() != nil {
		t.Error("StatusOK has no error")
	}
}

func TestFrameResults_lifecycle(t *testing.T) {
	eval := synth.NewEvaluator(0)
	a, _ := eval.CreateTreeRender(render.TreeRenderArgs{Time: 3})
	b, _ := eval.CreateTreeRender(render.TreeRenderArgs{Time: 3, Input: render.InputB})

	f := render.NewFrameResults(3)
	f.Add(render.NewViewerSubResult(0, a, b))
	if n := len(f.TreeRenders()); n != 2 {
		t.Fatalf("TreeRenders = %d, want 2", n)
	}
	if err := f.LaunchRenders(); err != nil {
		t.Fatalf("LaunchRenders: %v", err)
	}
	if got := f.WaitForResultsReady(); got != render.StatusOK {
		t.Errorf("WaitForResultsReady = %s", got)
	}
}

func TestFrameResults_failure_wins(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.FailAt(2, render.StatusFailed)
	ok, _ := eval.CreateTreeRender(render.TreeRenderArgs{Time: 1})
	bad, _ := eval.CreateTreeRender(render.TreeRenderArgs{Time: 2})

	f := render.NewFrameResults(1)
	f.Add(render.NewDefaultSubResult(0, ok))
	f.Add(render.NewDefaultSubResult(1, bad))
	if err := f.LaunchRenders(); err != nil {
		t.Fatalf("LaunchRenders: %v", err)
	}
	if got := f.WaitForResultsReady(); got != render.StatusFailed {
		t.Errorf("WaitForResultsReady = %s, want failed", got)
	}
}

func TestFrameResults_empty(t *testing.T) {
	f := render.NewFrameResults(1)
	if err := f.LaunchRenders(); !errors.Is(err, render.ErrNoTreeRender) {
		t.Errorf("expected ErrNoTreeRender, got %v", err)
	}
	if got := f.WaitForResultsReady(); got != render.StatusFailed {
		t.Errorf("empty results should fail, got %s", got)
	}
}

func TestFrameResults_LaunchRenders_aborts_on_error(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	tree, _ := eval.CreateTreeRender(render.TreeRenderArgs{Time: 1})

	f := render.NewFrameResults(1)
	f.Add(render.NewDefaultSubResult(0, tree))
	f.Add(render.NewViewerSubResult(1, nil, nil))
	if err := f.LaunchRenders(); !errors.Is(err, render.ErrNoTreeRender) {
		t.Fatalf("expected ErrNoTreeRender, got %v", err)
	}
	if !tree.IsAborted() {
		t.Error("the launched render should be aborted")
	}
	if got := tree.Wait(); got != render.StatusAborted {
		t.Errorf("Wait = %s, want aborted", got)
	}
}

func TestViewerSubResult_Input(t *testing.T) {
	eval := synth.NewEvaluator(0)
	a, _ := eval.CreateTreeRender(render.TreeRenderArgs{})
	r := render.NewViewerSubResult(0, a, nil)
	if r.Input(render.InputA) != a || r.Input(render.InputB) != nil || r.Input(render.Input(5)) != nil {
		t.Error("unexpected input slots")
	}
}
