package render

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// ErrNoTreeRender is returned when a sub-result has nothing to launch.
var ErrNoTreeRender = errors.New("sub-result has no tree render")

// SubResult is one constituent render of a frame: a single view of a disk
// render, or the A/B inputs of one viewer view.
type SubResult interface {
	View() int
	TreeRenders() []TreeRender
	LaunchRenders() error
	WaitForResultsReady() Status
	AbortRender()
}

// DefaultSubResult renders one view through a single tree render.
type DefaultSubResult struct {
	view int
	tree TreeRender
}

// NewDefaultSubResult returns a sub-result for view backed by tree.
func NewDefaultSubResult(view int, tree TreeRender) *DefaultSubResult {
	return &DefaultSubResult{view: view, tree: tree}
}

// View implements SubResult.
func (r *DefaultSubResult) View() int { return r.view }

// TreeRenders implements SubResult.
func (r *DefaultSubResult) TreeRenders() []TreeRender {
	if r.tree == nil {
		return nil
	}
	return []TreeRender{r.tree}
}

// LaunchRenders implements SubResult.
func (r *DefaultSubResult) LaunchRenders() error {
	if r.tree == nil {
		return ErrNoTreeRender
	}
	r.tree.Launch()
	return nil
}

// WaitForResultsReady implements SubResult.
func (r *DefaultSubResult) WaitForResultsReady() Status {
	if r.tree == nil {
		return StatusFailed
	}
	return r.tree.Wait()
}

// AbortRender implements SubResult.
func (r *DefaultSubResult) AbortRender() {
	if r.tree != nil {
		r.tree.Abort()
	}
}

// ViewerSubResult renders one view for a viewer, with up to two input slots.
type ViewerSubResult struct {
	view  int
	trees [NumInputs]TreeRender
}

// NewViewerSubResult returns a sub-result for view. b may be nil when the
// viewer is not comparing two inputs.
func NewViewerSubResult(view int, a, b TreeRender) *ViewerSubResult {
	return &ViewerSubResult{view: view, trees: [NumInputs]TreeRender{a, b}}
}

// View implements SubResult.
func (r *ViewerSubResult) View() int { return r.view }

// Input returns the tree render of slot in, or nil.
func (r *ViewerSubResult) Input(in Input) TreeRender {
	if in < 0 || int(in) >= NumInputs {
		return nil
	}
	return r.trees[in]
}

// TreeRenders implements SubResult. The result is ordered A then B.
func (r *ViewerSubResult) TreeRenders() []TreeRender {
	out := make([]TreeRender, 0, NumInputs)
	for _, t := range r.trees {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// LaunchRenders implements SubResult.
func (r *ViewerSubResult) LaunchRenders() error {
	trees := r.TreeRenders()
	if len(trees) == 0 {
		return ErrNoTreeRender
	}
	for _, t := range trees {
		t.Launch()
	}
	return nil
}

// WaitForResultsReady implements SubResult.
func (r *ViewerSubResult) WaitForResultsReady() Status {
	trees := r.TreeRenders()
	if len(trees) == 0 {
		return StatusFailed
	}
	statuses := make([]Status, 0, len(trees))
	for _, t := range trees {
		statuses = append(statuses, t.Wait())
	}
	return AggregateStatus(statuses...)
}

// AbortRender implements SubResult.
func (r *ViewerSubResult) AbortRender() {
	for _, t := range r.trees {
		if t != nil {
			t.Abort()
		}
	}
}

// FrameResults bundles every sub-result needed to produce one frame.
// It is shared between the scheduler that launched it and the step that
// processes it.
type FrameResults struct {
	Time    int
	Results []SubResult
}

// NewFrameResults returns an empty container for time.
func NewFrameResults(time int) *FrameResults {
	return &FrameResults{Time: time}
}

// Add appends a sub-result.
func (f *FrameResults) Add(r SubResult) {
	f.Results = append(f.Results, r)
}

// TreeRenders returns every tree render of every sub-result, in order.
func (f *FrameResults) TreeRenders() []TreeRender {
	var out []TreeRender
	for _, r := range f.Results {
		out = append(out, r.TreeRenders()...)
	}
	return out
}

// LaunchRenders starts every sub-result. The first launch error is returned
// and the already launched renders are aborted.
func (f *FrameResults) LaunchRenders() error {
	if len(f.Results) == 0 {
		return errors.Wrapf(ErrNoTreeRender, "frame %d", f.Time)
	}
	var g errgroup.Group
	for _, r := range f.Results {
		g.Go(r.LaunchRenders)
	}
	if err := g.Wait(); err != nil {
		f.AbortRenders()
		return errors.Wrapf(err, "launching frame %d", f.Time)
	}
	return nil
}

// WaitForResultsReady blocks until every sub-result is done and returns the
// aggregate status.
func (f *FrameResults) WaitForResultsReady() Status {
	if len(f.Results) == 0 {
		return StatusFailed
	}
	statuses := make([]Status, 0, len(f.Results))
	for _, r := range f.Results {
		statuses = append(statuses, r.WaitForResultsReady())
	}
	return AggregateStatus(statuses...)
}

// AbortRenders cancels every sub-result.
func (f *FrameResults) AbortRenders() {
	for _, r := range f.Results {
		r.AbortRender()
	}
}
