package scheduler

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"render-orchestrator/internal/mainloop"
	"render-orchestrator/internal/render"
	"render-orchestrator/internal/render/synth"
)

const waitFor = 5 * time.Second

func waitIdle(t *testing.T, s *OutputScheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.WaitForRenderToFinish(ctx))
	require.Eventually(t, func() bool { return s.State() == StateIdle }, waitFor, time.Millisecond)
}

func shutdown(s *OutputScheduler) {
	s.QuitThread(false)
	s.WaitForThreadToQuitEnforceBlocking()
}

func TestOutputScheduler_ordered_delivery_out_of_order_completion(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	v := newTestViewer("viewer1")
	tl := newTestTimeline(0, 100)
	s := NewViewerDisplayScheduler(v, tl, eval, testOptions(6))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 10, 15, 1, nil, Forward))
	require.Eventually(t, func() bool { return len(eval.Created()) == 6 }, waitFor, time.Millisecond)

	for _, frame := range []int{12, 10, 11, 14, 13, 15} {
		eval.Release(frame)
		time.Sleep(2 * time.Millisecond)
	}
	waitIdle(t, s.OutputScheduler)

	if diff := cmp.Diff([]int{10, 11, 12, 13, 14, 15}, v.Displayed()); diff != "" {
		t.Errorf("processing order (-want +got):\n%s", diff)
	}
	if got := tl.Current(); got != 15 {
		t.Errorf("timeline should follow the displayed frame, got %d", got)
	}
}

func TestOutputScheduler_backward_range(t *testing.T) {
	eval := synth.NewEvaluator(time.Millisecond)
	v := newTestViewer("viewer1")
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 100), eval, testOptions(3))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(true, false, 1, 7, 2, nil, Backward))

	if diff := cmp.Diff([]int{7, 5, 3, 1}, v.Displayed()); diff != "" {
		t.Errorf("processing order (-want +got):\n%s", diff)
	}
}

func TestOutputScheduler_pushes_no_more_than_workers(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	v := newTestViewer("viewer1")
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 100), eval, testOptions(2))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 1, 20, 1, nil, Forward))
	require.Eventually(t, func() bool { return len(eval.Created()) == 2 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if n := len(eval.Created()); n != 2 {
		t.Errorf("expected 2 frames in flight with 2 workers, got %d", n)
	}

	eval.ReleaseAll()
	waitIdle(t, s.OutputScheduler)
	require.Len(t, v.Displayed(), 20)
}

func TestOutputScheduler_RenderFrameRange_rejected_while_running(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	v := newTestViewer("viewer1")
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 100), eval, testOptions(2))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 1, 5, 1, nil, Forward))
	err := s.RenderFrameRange(false, false, 1, 5, 1, nil, Forward)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	eval.ReleaseAll()
	waitIdle(t, s.OutputScheduler)
}

func TestOutputScheduler_RenderFrameRange_invalid(t *testing.T) {
	s := NewViewerDisplayScheduler(newTestViewer("viewer1"), newTestTimeline(0, 10), synth.NewEvaluator(0), testOptions(1))

	for _, tc := range []struct {
		name              string
		first, last, step int
	}{
		{"empty", 5, 4, 1},
		{"zero step", 1, 5, 0},
		{"negative step", 1, 5, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := s.RenderFrameRange(false, false, tc.first, tc.last, tc.step, nil, Forward)
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got %v", err)
			}
		})
	}
	if s.State() != StateIdle {
		t.Errorf("invalid ranges must not start anything, state %s", s.State())
	}
}

func TestOutputScheduler_AbortThreadedTask_keep_oldest(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	v := newTestViewer("viewer1")
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 100), eval, testOptions(3))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 1, 10, 1, nil, Forward))
	require.Eventually(t, func() bool { return eval.Launched() == 3 }, waitFor, time.Millisecond)

	require.True(t, s.AbortThreadedTask(true))
	require.True(t, s.IsBeingAborted())
	for _, tree := range eval.Created() {
		if got, want := tree.IsAborted(), tree.Args.Time != 1; got != want {
			t.Errorf("frame %d: aborted=%v, want %v", tree.Args.Time, got, want)
		}
	}

	eval.ReleaseAll()
	waitIdle(t, s.OutputScheduler)
	if diff := cmp.Diff([]int{1}, v.Displayed()); diff != "" {
		t.Errorf("only the kept frame should be displayed (-want +got):\n%s", diff)
	}
	if v.Disconnects() != 0 {
		t.Error("an abort must not be reported as a failure")
	}
}

func TestOutputScheduler_AbortThreadedTask_keep_none(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	v := newTestViewer("viewer1")
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 100), eval, testOptions(3))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 1, 10, 1, nil, Forward))
	require.Eventually(t, func() bool { return eval.Launched() == 3 }, waitFor, time.Millisecond)

	require.True(t, s.AbortThreadedTask(false))
	s.WaitForAbortToCompleteEnforceBlocking()
	waitIdle(t, s.OutputScheduler)

	for _, tree := range eval.Created() {
		if !tree.IsAborted() {
			t.Errorf("frame %d should have been aborted", tree.Args.Time)
		}
	}
	require.Empty(t, v.Displayed())
}

func TestOutputScheduler_AbortThreadedTask_idle(t *testing.T) {
	s := NewViewerDisplayScheduler(newTestViewer("viewer1"), newTestTimeline(0, 10), synth.NewEvaluator(0), testOptions(1))
	if s.AbortThreadedTask(false) {
		t.Error("aborting an idle scheduler should return false")
	}
}

func TestOutputScheduler_OnStopped(t *testing.T) {
	eval := synth.NewEvaluator(0)
	s := NewViewerDisplayScheduler(newTestViewer("viewer1"), newTestTimeline(0, 10), eval, testOptions(2))
	defer shutdown(s.OutputScheduler)

	stopped := make(chan bool, 1)
	s.OnStopped(func(aborted bool) { stopped <- aborted })

	require.NoError(t, s.RenderFrameRange(true, false, 1, 3, 1, nil, Forward))
	select {
	case aborted := <-stopped:
		if aborted {
			t.Error("a finished run should not report aborted")
		}
	case <-time.After(waitFor):
		t.Fatal("stop listener not called")
	}
}

func TestOutputScheduler_QuitThread(t *testing.T) {
	eval := synth.NewEvaluator(0)
	s := NewViewerDisplayScheduler(newTestViewer("viewer1"), newTestTimeline(0, 10), eval, testOptions(2))

	require.NoError(t, s.RenderFrameRange(true, false, 1, 3, 1, nil, Forward))

	t.Run("restarts allowed", func(t *testing.T) {
		s.QuitThread(true)
		s.WaitForThreadToQuitEnforceBlocking()
		require.Equal(t, StateTerminated, s.State())
		require.NoError(t, s.RenderFrameRange(true, false, 1, 3, 1, nil, Forward))
	})

	t.Run("no restart", func(t *testing.T) {
		s.QuitThread(false)
		s.WaitForThreadToQuitEnforceBlocking()
		err := s.RenderFrameRange(true, false, 1, 3, 1, nil, Forward)
		if !errors.Is(err, ErrQuit) {
			t.Errorf("expected ErrQuit, got %v", err)
		}
	})
}

func TestOutputScheduler_RenderFromCurrentFrame_loop(t *testing.T) {
	eval := synth.NewEvaluator(0)
	v := newTestViewer("viewer1")
	v.mode = PlaybackLoop
	tl := newTestTimeline(1, 3)
	tl.current = 2
	s := NewViewerDisplayScheduler(v, tl, eval, testOptions(2))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFromCurrentFrame(false, false, 1, nil, Forward))
	require.Eventually(t, func() bool { return len(v.Displayed()) >= 5 }, waitFor, time.Millisecond)
	require.True(t, s.AbortThreadedTask(false))
	waitIdle(t, s.OutputScheduler)

	if diff := cmp.Diff([]int{2, 3, 1, 2, 3}, v.Displayed()[:5]); diff != "" {
		t.Errorf("loop order (-want +got):\n%s", diff)
	}
}

func TestOutputScheduler_process_on_main_loop(t *testing.T) {
	eval := synth.NewEvaluator(0)
	v := newTestViewer("viewer1")
	loop := mainloop.New()
	loop.RunOnce()

	opts := testOptions(2)
	opts.Settings.ProcessOnMainThread = true
	opts.MainLoop = loop
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 10), eval, opts)
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 1, 3, 1, nil, Forward))
	deadline := time.Now().Add(waitFor)
	for s.IsWorking() && time.Now().Before(deadline) {
		loop.RunOnce()
		time.Sleep(time.Millisecond)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, v.Displayed()); diff != "" {
		t.Errorf("processing order (-want +got):\n%s", diff)
	}
}

func TestOutputScheduler_closed_main_loop_aborts_run(t *testing.T) {
	eval := synth.NewEvaluator(0)
	v := newTestViewer("viewer1")
	loop := mainloop.New()
	loop.RunOnce()
	loop.Close()

	opts := testOptions(2)
	opts.Settings.ProcessOnMainThread = true
	opts.MainLoop = loop
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 10), eval, opts)
	defer shutdown(s.OutputScheduler)

	stopped := make(chan bool, 1)
	s.OnStopped(func(aborted bool) { stopped <- aborted })

	require.NoError(t, s.RenderFrameRange(false, false, 1, 3, 1, nil, Forward))
	select {
	case aborted := <-stopped:
		if !aborted {
			t.Error("a run that cannot reach the main loop should stop aborted")
		}
	case <-time.After(waitFor):
		t.Fatal("stop listener not called")
	}
	if got := v.Displayed(); len(got) != 0 {
		t.Errorf("nothing can be displayed without a main loop, got %v", got)
	}
	require.Equal(t, 0, v.Disconnects())
}

func TestViewerDisplayScheduler_failure_disconnects(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.FailAt(3, render.StatusFailed)
	v := newTestViewer("viewer1")
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 10), eval, testOptions(1))
	defer shutdown(s.OutputScheduler)

	err := s.RenderFrameRange(true, false, 1, 5, 1, nil, Forward)
	if !errors.Is(err, render.ErrRenderFailed) {
		t.Fatalf("expected ErrRenderFailed, got %v", err)
	}
	require.Equal(t, 1, v.Disconnects())
	if diff := cmp.Diff([]int{1, 2}, v.Displayed()); diff != "" {
		t.Errorf("frames after the failure must not be displayed (-want +got):\n%s", diff)
	}
}

func TestViewerDisplayScheduler_compare_mode_renders_both_inputs(t *testing.T) {
	eval := synth.NewEvaluator(0)
	v := newTestViewer("viewer1")
	v.inputB = true
	s := NewViewerDisplayScheduler(v, newTestTimeline(0, 10), eval, testOptions(1))
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(true, false, 4, 4, 1, []int{0, 1}, Forward))

	var got []string
	for _, tree := range eval.Created() {
		if !tree.Args.Playback {
			t.Errorf("playback renders should be flagged as such: %+v", tree.Args)
		}
		got = append(got, tree.Args.Input.String())
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, got); diff != "" {
		t.Errorf("inputs rendered (-want +got):\n%s", diff)
	}
}

func TestDefaultScheduler_background_progress(t *testing.T) {
	eval := synth.NewEvaluator(0)
	var progress, errOut bytes.Buffer
	opts := testOptions(2)
	opts.Settings.Background = true
	opts.Settings.ScriptName = "comp"
	s := NewDefaultScheduler("Write1", eval, opts, &progress, &errOut)
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(true, false, 1, 4, 1, nil, Forward))

	lines := strings.Split(strings.TrimSpace(progress.String()), "\n")
	require.Len(t, lines, 5)
	for i, line := range lines[:4] {
		wantPrefix := "comp ==> Frame: " + string(rune('1'+i)) + ", Progress: "
		if !strings.HasPrefix(line, wantPrefix) {
			t.Errorf("line %d = %q, want prefix %q", i, line, wantPrefix)
		}
		if !strings.Contains(line, " Fps, Time Remaining: ") {
			t.Errorf("line %d = %q misses fps or time remaining", i, line)
		}
	}
	if !strings.Contains(lines[3], "Progress: 100.0%") {
		t.Errorf("last progress line should be complete: %q", lines[3])
	}
	require.Equal(t, "Render Finished.", lines[4])
	require.Empty(t, errOut.String())

	p := s.Progress()
	require.Equal(t, 4, p.Done)
	require.Equal(t, 4, p.Frame)
}

func TestDefaultScheduler_background_failure(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.FailAt(3, render.StatusOutOfMemory)
	var progress, errOut bytes.Buffer
	opts := testOptions(2)
	opts.Settings.Background = true
	s := NewDefaultScheduler("Write1", eval, opts, &progress, &errOut)
	defer shutdown(s.OutputScheduler)

	err := s.RenderFrameRange(true, false, 1, 6, 1, nil, Forward)
	if !errors.Is(err, render.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if n := strings.Count(errOut.String(), "Render Failed: "); n != 1 {
		t.Errorf("failure should be reported once, got %d in %q", n, errOut.String())
	}
	if strings.Contains(progress.String(), "Render Finished.") {
		t.Error("a failed render must not print Render Finished.")
	}
	require.Equal(t, StateIdle, s.State())
}

func TestDefaultScheduler_abort_is_silent(t *testing.T) {
	eval := synth.NewEvaluator(0)
	eval.Hold()
	var progress, errOut bytes.Buffer
	opts := testOptions(2)
	opts.Settings.Background = true
	s := NewDefaultScheduler("Write1", eval, opts, &progress, &errOut)
	defer shutdown(s.OutputScheduler)

	require.NoError(t, s.RenderFrameRange(false, false, 1, 6, 1, nil, Forward))
	require.Eventually(t, func() bool { return len(eval.Created()) == 2 }, waitFor, time.Millisecond)
	require.True(t, s.AbortThreadedTask(false))
	waitIdle(t, s.OutputScheduler)

	require.Empty(t, errOut.String())
	require.NotContains(t, progress.String(), "Render Finished.")
}

func TestFormatRemaining(t *testing.T) {
	for _, tc := range []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "2s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h2m3s"},
	} {
		if got := formatRemaining(tc.in); got != tc.want {
			t.Errorf("formatRemaining(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
