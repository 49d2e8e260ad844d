package scheduler

import (
	"github.com/cockroachdb/errors"

	"render-orchestrator/internal/render"
)

// defaultViews is used when a run does not name any view.
var defaultViews = []int{0}

func viewsOrDefault(views []int) []int {
	if len(views) == 0 {
		return defaultViews
	}
	return views
}

// createDefaultFrameResults builds the renders of one disk frame: one tree
// render per view.
func createDefaultFrameResults(factory render.TreeRenderFactory, node string, time int, views []int, enableStats bool) (*render.FrameResults, error) {
	results := render.NewFrameResults(time)
	for _, view := range viewsOrDefault(views) {
		tree, err := factory.CreateTreeRender(render.TreeRenderArgs{
			Node:  node,
			Time:  time,
			View:  view,
			Input: render.InputA,
			Stats: enableStats,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", view)
		}
		results.Add(render.NewDefaultSubResult(view, tree))
	}
	return results, nil
}

// viewerFrameArgs are the flags shared by every tree render of a viewer frame.
type viewerFrameArgs struct {
	node        string
	time        int
	views       []int
	enableStats bool
	playback    bool
	draft       bool
	inputA      bool
	inputB      bool
}

// createViewerFrameResults builds the renders of one viewer frame: per view,
// one tree render for each connected input slot.
func createViewerFrameResults(factory render.TreeRenderFactory, a viewerFrameArgs) (*render.FrameResults, error) {
	if !a.inputA && !a.inputB {
		return nil, errors.Newf("viewer %s has no input connected", a.node)
	}
	results := render.NewFrameResults(a.time)
	for _, view := range viewsOrDefault(a.views) {
		var trees [render.NumInputs]render.TreeRender
		for in, active := range [render.NumInputs]bool{a.inputA, a.inputB} {
			if !active {
				continue
			}
			tree, err := factory.CreateTreeRender(render.TreeRenderArgs{
				Node:     a.node,
				Time:     a.time,
				View:     view,
				Input:    render.Input(in),
				Stats:    a.enableStats,
				Playback: a.playback,
				Draft:    a.draft,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "view %d input %s", view, render.Input(in))
			}
			trees[in] = tree
		}
		results.Add(render.NewViewerSubResult(view, trees[render.InputA], trees[render.InputB]))
	}
	return results, nil
}
