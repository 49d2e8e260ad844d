package scheduler

import (
	"sync"
	"sync/atomic"

	"render-orchestrator/internal/platform/config"
	"render-orchestrator/internal/render"
)

func testOptions(workers int) Options {
	return Options{
		Settings: config.Settings{
			ScriptName:       "test",
			MaxRenderThreads: workers,
		},
		Policy: FixedPolicy{N: workers},
	}
}

type testViewer struct {
	name string

	mu          sync.Mutex
	inputB      bool
	mode        PlaybackMode
	fps         float64
	displayed   []int
	disconnects int
	reported    []float64
}

func newTestViewer(name string) *testViewer {
	return &testViewer{name: name}
}

func (v *testViewer) Name() string { return v.name }

func (v *testViewer) ActiveInputs() (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return true, v.inputB
}

func (v *testViewer) ProcessFramesResults(results *render.FrameResults) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.displayed = append(v.displayed, results.Time)
	return true
}

func (v *testViewer) Disconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disconnects++
}

func (v *testViewer) PlaybackMode() PlaybackMode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

func (v *testViewer) DesiredFPS() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fps
}

func (v *testViewer) ReportFPS(fps float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reported = append(v.reported, fps)
}

func (v *testViewer) Displayed() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.displayed...)
}

func (v *testViewer) Disconnects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disconnects
}

type testTimeline struct {
	mu          sync.Mutex
	first, last int
	current     int
	seeks       []int
}

func newTestTimeline(first, last int) *testTimeline {
	return &testTimeline{first: first, last: last, current: first}
}

func (tl *testTimeline) Current() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.current
}

func (tl *testTimeline) Seek(time int) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.current = time
	tl.seeks = append(tl.seeks, time)
}

func (tl *testTimeline) Bounds() (int, int) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.first, tl.last
}

// fakeTree is a tree render finished by hand through finish.
type fakeTree struct {
	launched atomic.Bool
	aborted  atomic.Bool
	done     chan struct{}
	status   render.Status
	once     sync.Once
}

func newFakeTree() *fakeTree {
	return &fakeTree{done: make(chan struct{})}
}

func (t *fakeTree) Launch() { t.launched.Store(true) }

func (t *fakeTree) Wait() render.Status {
	<-t.done
	return t.status
}

func (t *fakeTree) Abort() { t.aborted.Store(true) }

func (t *fakeTree) IsAborted() bool { return t.aborted.Load() }

func (t *fakeTree) finish(status render.Status) {
	t.once.Do(func() {
		t.status = status
		close(t.done)
	})
}

// fakeResults returns a one-view viewer frame backed by a and, if not nil, b.
func fakeResults(time int, a, b *fakeTree) *render.FrameResults {
	results := render.NewFrameResults(time)
	var tb render.TreeRender
	if b != nil {
		tb = b
	}
	results.Add(render.NewViewerSubResult(0, a, tb))
	return results
}
