package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"render-orchestrator/internal/platform/logger"
	"render-orchestrator/internal/render/synth"
	"render-orchestrator/internal/scheduler"
	"render-orchestrator/internal/viewer"
)

type handlerFixture struct {
	router  chi.Router
	writer  *RenderEngine
	viewer  *RenderEngine
	history *viewer.Repository
	eval    *synth.Evaluator
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	eval := synth.NewEvaluator(0)
	history := viewer.NewRepository(0)

	w, err := New(OutputNode{Name: "Write1", Kind: KindWriter, Factory: eval}, testOptions(nil))
	require.NoError(t, err)
	v, err := New(OutputNode{
		Name:     "Viewer1",
		Kind:     KindViewer,
		Factory:  eval,
		Viewer:   viewer.New("Viewer1", history, nil),
		Timeline: viewer.NewTimeline(1, 10),
	}, testOptions(nil))
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Add(w))
	require.NoError(t, reg.Add(v))
	t.Cleanup(reg.CloseAll)

	h := NewHandler(reg, history, viewer.NewHub(nil), logger.Nop(), nil)
	r := chi.NewRouter()
	h.Mount(r)
	h.MountEvents(r)
	return &handlerFixture{router: r, writer: w, viewer: v, history: history, eval: eval}
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_unknown_node(t *testing.T) {
	f := newHandlerFixture(t)
	if rec := f.do(http.MethodGet, "/outputs/missing/status", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_RenderRange(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/outputs/Write1/range", `{"first":1,"last":3}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	require.Eventually(t, func() bool { return !f.writer.HasThreadsWorking() }, waitFor, time.Millisecond)
	if n := len(f.eval.Created()); n != 3 {
		t.Errorf("rendered %d frames, want 3", n)
	}
}

func TestHandler_RenderRange_bad_requests(t *testing.T) {
	f := newHandlerFixture(t)

	cases := map[string]string{
		"malformed":         `{`,
		"inverted range":    `{"first":5,"last":1}`,
		"unknown direction": `{"first":1,"last":2,"direction":"sideways"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if rec := f.do(http.MethodPost, "/outputs/Write1/range", body); rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandler_RenderRange_conflict(t *testing.T) {
	f := newHandlerFixture(t)
	f.eval.Hold()

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/outputs/Write1/range", `{"first":1,"last":3}`).Code)
	if rec := f.do(http.MethodPost, "/outputs/Write1/range", `{"first":1,"last":3}`); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	f.eval.ReleaseAll()
}

func TestHandler_Refresh_writer(t *testing.T) {
	f := newHandlerFixture(t)
	if rec := f.do(http.MethodPost, "/outputs/Write1/refresh", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Refresh_and_displays(t *testing.T) {
	f := newHandlerFixture(t)

	if rec := f.do(http.MethodPost, "/outputs/Viewer1/refresh", `{"draft":true}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	require.Eventually(t, func() bool { return !f.viewer.HasThreadsWorking() }, waitFor, time.Millisecond)

	rec := f.do(http.MethodGet, "/outputs/Viewer1/displays?n=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var displays []viewer.Display
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &displays))
	if len(displays) != 1 || displays[0].Frame != 1 {
		t.Errorf("unexpected displays %+v", displays)
	}
	if trees := f.eval.Created(); len(trees) != 1 || !trees[0].Args.Draft {
		t.Error("the refresh should render one draft tree")
	}
}

func TestHandler_Abort(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/outputs/Viewer1/abort", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if body["aborted"] {
		t.Error("aborting an idle engine should report false")
	}

	f.eval.Hold()
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/outputs/Viewer1/play", `{"direction":"backward"}`).Code)
	require.Eventually(t, func() bool { return f.eval.Launched() > 0 }, waitFor, time.Millisecond)

	rec = f.do(http.MethodPost, "/outputs/Viewer1/abort?restart=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if !body["aborted"] {
		t.Error("expected the playback to be aborted")
	}
	if !f.viewer.IsPlaybackAutoRestartEnabled() {
		t.Error("restart=1 keeps playback restarts enabled")
	}
	f.eval.ReleaseAll()
}

func TestHandler_Quit(t *testing.T) {
	f := newHandlerFixture(t)

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/outputs/Write1/quit", "").Code)
	f.writer.WaitForEngineToQuitEnforceBlocking()
	if rec := f.do(http.MethodPost, "/outputs/Write1/range", `{"first":1,"last":2}`); rec.Code != http.StatusGone {
		t.Errorf("expected 410 after a final quit, got %d", rec.Code)
	}
}

func TestHandler_ListOutputs(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/outputs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	if len(statuses) != 2 || statuses[0].Node != "Viewer1" || statuses[1].Node != "Write1" {
		t.Errorf("unexpected outputs %+v", statuses)
	}
	if statuses[0].State != scheduler.StateIdle.String() {
		t.Errorf("unexpected state %q", statuses[0].State)
	}
}

func TestHandler_Events_writer(t *testing.T) {
	f := newHandlerFixture(t)
	if rec := f.do(http.MethodGet, "/outputs/Write1/events", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRegistry_Add_duplicate(t *testing.T) {
	reg := NewRegistry()
	e := newWriterEngine(t, synth.NewEvaluator(0))
	require.NoError(t, reg.Add(e))
	require.ErrorIs(t, reg.Add(e), ErrDuplicateNode)
	if n := reg.WorkingCount(); n != 0 {
		t.Errorf("WorkingCount = %d, want 0", n)
	}
}
