package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"render-orchestrator/internal/platform/metrics"
	"render-orchestrator/internal/scheduler"
	"render-orchestrator/internal/viewer"
)

// Handler exposes render control endpoints using go-chi.
type Handler struct {
	engines *Registry
	history *viewer.Repository
	hub     *viewer.Hub
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over the given engines. history and hub may
// be nil when no viewer is served; metrics may be nil in tests.
func NewHandler(engines *Registry, history *viewer.Repository, hub *viewer.Hub, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{engines: engines, history: history, hub: hub, log: log, metrics: m}
}

// Mount registers the control routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/outputs", h.ListOutputs)
	r.Route("/outputs/{node}", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/displays", h.GetDisplays)
		r.Post("/range", h.RenderRange)
		r.Post("/play", h.Play)
		r.Post("/refresh", h.Refresh)
		r.Post("/abort", h.Abort)
		r.Post("/quit", h.Quit)
	})
}

// MountEvents registers the websocket route on r. It must not sit behind
// middleware that hides the connection from the upgrader.
func (h *Handler) MountEvents(r chi.Router) {
	r.Get("/outputs/{node}/events", h.Events)
}

// UpdateGauges refreshes the gauges read at scrape time.
func (h *Handler) UpdateGauges() {
	h.metrics.SetEnginesWorking(h.engines.WorkingCount())
}

func (h *Handler) engine(w http.ResponseWriter, r *http.Request) (*RenderEngine, bool) {
	node := chi.URLParam(r, "node")
	if node == "" {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	e, ok := h.engines.Get(node)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	return e, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a start error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrAbortInProgress):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidRange), errors.Is(err, ErrNotViewer):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrQuit), errors.Is(err, ErrClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, e *RenderEngine, op string, err error) {
	status := statusFor(err)
	attrs := []any{slog.String("node", e.Name()), slog.String("op", op), slog.String("error", err.Error())}
	if status == http.StatusInternalServerError {
		h.log.Error("render request failed", attrs...)
	} else {
		h.log.Info("render request rejected", attrs...)
	}
	w.WriteHeader(status)
}

// ListOutputs handles GET /outputs.
func (h *Handler) ListOutputs(w http.ResponseWriter, r *http.Request) {
	engines := h.engines.List()
	out := make([]Status, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStatus handles GET /outputs/{node}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Status())
}

// GetDisplays handles GET /outputs/{node}/displays?n=10.
func (h *Handler) GetDisplays(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if e.Kind() != KindViewer || h.history == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n := 0
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n = v
	}
	displays, ok := h.history.Recent(e.Name(), n)
	if !ok {
		displays = []viewer.Display{}
	}
	writeJSON(w, http.StatusOK, displays)
}

// RenderRange handles POST /outputs/{node}/range.
// Body: { "first": 1, "last": 100, "step": 1, "views": [0] }. With
// ?queue=1 the range joins the sequential render queue.
func (h *Handler) RenderRange(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var args RangeArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		h.log.Debug("invalid range body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if args.Step == 0 {
		args.Step = 1
	}

	var err error
	if r.URL.Query().Get("queue") == "1" {
		err = e.QueueFrameRange(args)
	} else {
		err = e.RenderFrameRange(false, args)
	}
	if err != nil {
		h.fail(w, e, "range", err)
		return
	}
	h.log.Debug("range started", slog.String("node", e.Name()), slog.Int("first", args.First), slog.Int("last", args.Last))
	w.WriteHeader(http.StatusAccepted)
}

// Play handles POST /outputs/{node}/play.
// Body: { "step": 1, "direction": "backward" }.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var args PlaybackArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		h.log.Debug("invalid playback body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if args.Step == 0 {
		args.Step = 1
	}
	if err := e.RenderFromCurrentFrame(false, args); err != nil {
		h.fail(w, e, "play", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type refreshBody struct {
	EnableStats bool `json:"enable_stats"`
	CanAbort    bool `json:"can_abort"`
	Drawing     bool `json:"drawing"`
	Draft       bool `json:"draft"`
	Debounce    bool `json:"debounce"`
}

// Refresh handles POST /outputs/{node}/refresh. An empty body renders the
// current frame with aborts allowed.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	body := refreshBody{CanAbort: true}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.log.Debug("invalid refresh body", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	var err error
	if body.Debounce {
		err = e.RenderCurrentFrameDebounced(body.EnableStats, body.CanAbort)
	} else {
		err = e.RenderCurrentFrameRequest(scheduler.CurrentFrameRequest{
			EnableStats: body.EnableStats,
			CanAbort:    body.CanAbort,
			IsDrawing:   body.Drawing,
			Draft:       body.Draft,
		})
	}
	if err != nil {
		h.fail(w, e, "refresh", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Abort handles POST /outputs/{node}/abort. With ?restart=1 interrupted
// playback resumes on the next refresh.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var aborted bool
	if r.URL.Query().Get("restart") == "1" {
		aborted = e.AbortRenderingAutoRestart()
	} else {
		aborted = e.AbortRenderingNoRestart()
	}
	h.log.Info("abort requested", slog.String("node", e.Name()), slog.Bool("aborted", aborted))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// Quit handles POST /outputs/{node}/quit. With ?restart=1 the engine
// accepts renders again once stopped.
func (h *Handler) Quit(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	e.QuitEngine(r.URL.Query().Get("restart") == "1")
	w.WriteHeader(http.StatusAccepted)
}

// Events handles GET /outputs/{node}/events as a websocket stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if e.Kind() != KindViewer || h.hub == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.hub.Serve(w, r, e.Name())
}
