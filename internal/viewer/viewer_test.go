package viewer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"render-orchestrator/internal/render"
	"render-orchestrator/internal/render/synth"
)

func viewerFrame(t *testing.T, frame int, compare bool) *render.FrameResults {
	t.Helper()
	eval := synth.NewEvaluator(0)
	a, _ := eval.CreateTreeRender(render.TreeRenderArgs{Time: frame})
	var b render.TreeRender
	if compare {
		b, _ = eval.CreateTreeRender(render.TreeRenderArgs{Time: frame, Input: render.InputB})
	}
	results := render.NewFrameResults(frame)
	results.Add(render.NewViewerSubResult(0, a, b))
	return results
}

func TestViewer_ProcessFramesResults(t *testing.T) {
	repo := NewRepository(0)
	v := New("Viewer1", repo, nil)

	if v.ProcessFramesResults(render.NewFrameResults(1)) {
		t.Error("empty results should not change the display")
	}
	if !v.ProcessFramesResults(viewerFrame(t, 7, true)) {
		t.Fatal("ProcessFramesResults should report a change")
	}

	d, ok := v.Current()
	if !ok || d.Frame != 7 || d.Inputs != "AB" {
		t.Errorf("Current = %+v, ok=%v", d, ok)
	}
	displays, _, _ := repo.Snapshot("Viewer1")
	if len(displays) != 1 || displays[0].Seq != 1 {
		t.Errorf("display not recorded: %+v", displays)
	}
}

func TestViewer_Disconnect(t *testing.T) {
	v := New("Viewer1", nil, nil)
	v.ProcessFramesResults(viewerFrame(t, 1, false))
	v.Disconnect()
	if _, ok := v.Current(); ok {
		t.Error("a disconnected viewer shows nothing")
	}
}

func TestViewer_ActiveInputs(t *testing.T) {
	v := New("Viewer1", nil, nil)
	if a, b := v.ActiveInputs(); !a || b {
		t.Errorf("default inputs = %v,%v, want A only", a, b)
	}
	v.SetCompare(true)
	if _, b := v.ActiveInputs(); !b {
		t.Error("compare mode should activate input B")
	}
}

func TestTimeline_Seek_clamps(t *testing.T) {
	tl := NewTimeline(1, 10)
	tl.Seek(50)
	if got := tl.Current(); got != 10 {
		t.Errorf("Seek(50) = %d, want 10", got)
	}
	tl.Seek(-3)
	if got := tl.Current(); got != 1 {
		t.Errorf("Seek(-3) = %d, want 1", got)
	}
	tl.SetBounds(4, 6)
	if got := tl.Current(); got != 4 {
		t.Errorf("SetBounds should clamp the cursor, got %d", got)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "Viewer1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	v := New("Viewer1", nil, hub)
	other := New("Viewer2", nil, hub)
	other.Disconnect()
	v.ProcessFramesResults(viewerFrame(t, 3, false))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Viewer != "Viewer1" || ev.Type != EventDisplay || ev.Display == nil || ev.Display.Frame != 3 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_Broadcast_does_not_wait_on_stalled_client(t *testing.T) {
	hub := NewHub(nil)
	stalled := &client{viewer: "Viewer1", send: make(chan []byte)}
	following := &client{viewer: "", send: make(chan []byte, 1)}
	hub.clients[stalled] = struct{}{}
	hub.clients[following] = struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Broadcast(Event{Viewer: "Viewer1", Type: EventFPS, FPS: float64(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a client that never drains")
	}

	var ev Event
	if err := json.Unmarshal(<-following.send, &ev); err != nil {
		t.Fatalf("decode queued event: %v", err)
	}
	if ev.FPS != 0 {
		t.Errorf("the first event should be queued, got %+v", ev)
	}
}
