package scheduler

import (
	"log/slog"

	"render-orchestrator/internal/render"
)

// ViewerDisplayScheduler plays a viewer node back: frames are rendered ahead
// on the worker pool and displayed in timeline order, the timeline cursor
// following the displayed frame.
type ViewerDisplayScheduler struct {
	*OutputScheduler

	viewer     Viewer
	timeline   Timeline
	factory    render.TreeRenderFactory
	defaultFPS float64
	onMain     bool
}

// NewViewerDisplayScheduler returns the playback scheduler of viewer.
func NewViewerDisplayScheduler(viewer Viewer, timeline Timeline, factory render.TreeRenderFactory, opts Options) *ViewerDisplayScheduler {
	v := &ViewerDisplayScheduler{
		viewer:     viewer,
		timeline:   timeline,
		factory:    factory,
		defaultFPS: opts.Settings.DefaultFPS,
		onMain:     opts.Settings.ProcessOnMainThread,
	}
	v.OutputScheduler = NewOutputScheduler(v, opts)
	return v
}

// Name implements Output.
func (v *ViewerDisplayScheduler) Name() string { return v.viewer.Name() }

// CreateFrameRenderResults implements Output.
func (v *ViewerDisplayScheduler) CreateFrameRenderResults(time int, views []int, enableStats bool) (*render.FrameResults, error) {
	a, b := v.viewer.ActiveInputs()
	return createViewerFrameResults(v.factory, viewerFrameArgs{
		node:        v.viewer.Name(),
		time:        time,
		views:       views,
		enableStats: enableStats,
		playback:    true,
		inputA:      a,
		inputB:      b,
	})
}

// ProcessFrame implements Output.
func (v *ViewerDisplayScheduler) ProcessFrame(frame BufferedFrame) error {
	if !v.viewer.ProcessFramesResults(frame.Results) {
		v.log.Debug("viewer unchanged", slog.Int("frame", frame.Time))
	}
	v.timeline.Seek(frame.Time)
	return nil
}

// AboutToStartRender implements Output.
func (v *ViewerDisplayScheduler) AboutToStartRender(RunArgs) {}

// OnRenderStopped implements Output.
func (v *ViewerDisplayScheduler) OnRenderStopped(bool) {
	v.viewer.ReportFPS(0)
}

// HandleRenderFailure clears the viewer rather than leaving a stale image up.
func (v *ViewerDisplayScheduler) HandleRenderFailure(error) {
	v.viewer.Disconnect()
}

// TimelineBounds implements Output.
func (v *ViewerDisplayScheduler) TimelineBounds() (int, int) { return v.timeline.Bounds() }

// CurrentTime implements Output.
func (v *ViewerDisplayScheduler) CurrentTime() int { return v.timeline.Current() }

// PlaybackMode implements Output.
func (v *ViewerDisplayScheduler) PlaybackMode() PlaybackMode { return v.viewer.PlaybackMode() }

// DesiredFPS is the viewer's rate, or the configured default when the viewer
// has none.
func (v *ViewerDisplayScheduler) DesiredFPS() float64 {
	if fps := v.viewer.DesiredFPS(); fps > 0 {
		return fps
	}
	return v.defaultFPS
}

// ReportFPS implements Output.
func (v *ViewerDisplayScheduler) ReportFPS(fps float64) { v.viewer.ReportFPS(fps) }

// ProcessOnMainThread implements Output.
func (v *ViewerDisplayScheduler) ProcessOnMainThread() bool { return v.onMain }
