package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"render-orchestrator/internal/render"
)

// Progress is the state of a disk render.
type Progress struct {
	Frame     int
	Done      int
	Total     int
	Percent   float64
	FPS       float64
	Remaining time.Duration
}

// DefaultScheduler renders frame ranges of a writer node to disk. The
// render action performs the write; processing a frame only reports
// progress. In background mode progress goes to a pipe and failures to the
// error writer.
type DefaultScheduler struct {
	*OutputScheduler

	node       string
	factory    render.TreeRenderFactory
	background bool
	script     string
	progressW  io.Writer
	errW       io.Writer
	log        *slog.Logger

	mu          sync.Mutex
	first, last int
	total       int
	done        int
	started     time.Time
	failed      bool
	progress    Progress
}

// NewDefaultScheduler returns the scheduler of writer node. progress and
// errOut are only written in background mode and may be nil otherwise.
func NewDefaultScheduler(node string, factory render.TreeRenderFactory, opts Options, progress, errOut io.Writer) *DefaultScheduler {
	if progress == nil {
		progress = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	d := &DefaultScheduler{
		node:       node,
		factory:    factory,
		background: opts.Settings.Background,
		script:     opts.Settings.ScriptName,
		progressW:  progress,
		errW:       errOut,
	}
	d.OutputScheduler = NewOutputScheduler(d, opts)
	d.log = d.OutputScheduler.log
	return d
}

// Name implements Output.
func (d *DefaultScheduler) Name() string { return d.node }

// CreateFrameRenderResults implements Output.
func (d *DefaultScheduler) CreateFrameRenderResults(time int, views []int, enableStats bool) (*render.FrameResults, error) {
	return createDefaultFrameResults(d.factory, d.node, time, views, enableStats)
}

// ProcessFrame implements Output.
func (d *DefaultScheduler) ProcessFrame(frame BufferedFrame) error {
	d.mu.Lock()
	d.done++
	p := d.computeProgressLocked(frame.Time)
	d.progress = p
	d.mu.Unlock()

	if d.background {
		fmt.Fprintf(d.progressW, "%s ==> Frame: %d, Progress: %.1f%%, %.1f Fps, Time Remaining: %s\n",
			d.script, p.Frame, p.Percent, p.FPS, formatRemaining(p.Remaining))
	}
	return nil
}

func (d *DefaultScheduler) computeProgressLocked(frame int) Progress {
	p := Progress{Frame: frame, Done: d.done, Total: d.total}
	if d.total > 0 {
		p.Percent = float64(d.done) / float64(d.total) * 100
	}
	if elapsed := time.Since(d.started).Seconds(); elapsed > 0 {
		p.FPS = float64(d.done) / elapsed
	}
	if p.FPS > 0 && d.total > d.done {
		p.Remaining = time.Duration(float64(d.total-d.done) / p.FPS * float64(time.Second))
	}
	return p
}

// formatRemaining renders d as 1h2m3s, rounded to the second.
func formatRemaining(d time.Duration) string {
	return d.Round(time.Second).String()
}

// AboutToStartRender implements Output.
func (d *DefaultScheduler) AboutToStartRender(run RunArgs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.first, d.last = run.First, run.Last
	d.total = run.FrameCount()
	d.done = 0
	d.failed = false
	d.started = time.Now()
	d.progress = Progress{Total: d.total}
}

// OnRenderStopped implements Output.
func (d *DefaultScheduler) OnRenderStopped(aborted bool) {
	d.mu.Lock()
	failed := d.failed
	d.mu.Unlock()

	switch {
	case failed:
		// Already reported by HandleRenderFailure.
	case aborted:
		d.log.Info("render aborted")
	case d.background:
		fmt.Fprintln(d.progressW, "Render Finished.")
	}
}

// HandleRenderFailure implements Output.
func (d *DefaultScheduler) HandleRenderFailure(err error) {
	d.mu.Lock()
	d.failed = true
	d.mu.Unlock()

	if d.background {
		fmt.Fprintf(d.errW, "Render Failed: %v\n", err)
	}
}

// TimelineBounds implements Output. A writer's timeline is the range it
// was last asked to render.
func (d *DefaultScheduler) TimelineBounds() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.first, d.last
}

// CurrentTime implements Output.
func (d *DefaultScheduler) CurrentTime() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress.Frame
}

// PlaybackMode implements Output. Disk renders never loop.
func (d *DefaultScheduler) PlaybackMode() PlaybackMode { return PlaybackOnce }

// DesiredFPS implements Output. Disk renders are not paced.
func (d *DefaultScheduler) DesiredFPS() float64 { return 0 }

// ReportFPS implements Output.
func (d *DefaultScheduler) ReportFPS(float64) {}

// ProcessOnMainThread implements Output. Progress reporting is safe from
// any goroutine.
func (d *DefaultScheduler) ProcessOnMainThread() bool { return false }

// Progress returns the progress of the current or last run.
func (d *DefaultScheduler) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}
