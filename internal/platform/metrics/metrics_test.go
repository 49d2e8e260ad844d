package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncFramesProcessed("Write1")
	m.IncFramesProcessed("Write1")
	m.SetPlaybackFPS("Viewer1", 24)

	body := scrape(t, m, func() { m.SetEnginesWorking(2) })
	for _, want := range []string{
		`render_frames_processed_total{node="Write1"} 2`,
		`render_playback_fps{node="Viewer1"} 24`,
		`render_engines_working 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestMetrics_nil_is_noop(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncFrameFailures("Write1")
	m.SetWorkerThreads("Write1", 4)
	m.SetEnginesWorking(1)
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	for _, path := range []string{"/ok", "/bad"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m, nil)
	if !strings.Contains(body, "render_requests_total 2") || !strings.Contains(body, "render_errors_total 1") {
		t.Errorf("unexpected request counters:\n%s", body)
	}
}
