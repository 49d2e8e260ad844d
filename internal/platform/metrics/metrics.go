package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the render schedulers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	errorsTotal              prometheus.Counter
	framesRenderedTotal      *prometheus.CounterVec
	framesProcessedTotal     *prometheus.CounterVec
	frameFailuresTotal       *prometheus.CounterVec
	runsAbortedTotal         *prometheus.CounterVec
	interactiveRendersTotal  *prometheus.CounterVec
	interactiveStaleTotal    *prometheus.CounterVec
	activeInteractiveRenders *prometheus.GaugeVec
	playbackFPS              *prometheus.GaugeVec
	workerThreads            *prometheus.GaugeVec
	enginesWorking           prometheus.Gauge
}

// New creates and registers Prometheus metrics for the render orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	nodeLabel := []string{"node"}

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "render_requests_total",
		Help: "Total number of HTTP control requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "render_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	framesRenderedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "render_frames_rendered_total",
		Help: "Frames whose renders completed in a worker, in any order",
	}, nodeLabel)
	framesProcessedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "render_frames_processed_total",
		Help: "Frames handed in order to the process step",
	}, nodeLabel)
	frameFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "render_frame_failures_total",
		Help: "Frame renders that failed for a reason other than an abort",
	}, nodeLabel)
	runsAbortedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "render_runs_aborted_total",
		Help: "Playback or range runs that stopped because of an abort",
	}, nodeLabel)
	interactiveRendersTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "render_interactive_renders_total",
		Help: "Current-frame render requests admitted",
	}, nodeLabel)
	interactiveStaleTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "render_interactive_stale_total",
		Help: "Current-frame results dropped because a newer one was displayed",
	}, nodeLabel)
	activeInteractiveRenders := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "render_active_interactive_renders",
		Help: "Current-frame renders still in flight",
	}, nodeLabel)
	playbackFPS := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "render_playback_fps",
		Help: "Measured frames per second of the ordered scheduler",
	}, nodeLabel)
	workerThreads := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "render_worker_threads",
		Help: "Render worker goroutines of the ordered scheduler",
	}, nodeLabel)

	enginesWorking := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "render_engines_working",
		Help: "Number of output nodes with renders in progress",
	})

	registry.MustRegister(
		enginesWorking,
		requestsTotal,
		errorsTotal,
		framesRenderedTotal,
		framesProcessedTotal,
		frameFailuresTotal,
		runsAbortedTotal,
		interactiveRendersTotal,
		interactiveStaleTotal,
		activeInteractiveRenders,
		playbackFPS,
		workerThreads,
	)

	return &Metrics{
		registry:                 registry,
		requestsTotal:            requestsTotal,
		errorsTotal:              errorsTotal,
		framesRenderedTotal:      framesRenderedTotal,
		framesProcessedTotal:     framesProcessedTotal,
		frameFailuresTotal:       frameFailuresTotal,
		runsAbortedTotal:         runsAbortedTotal,
		interactiveRendersTotal:  interactiveRendersTotal,
		interactiveStaleTotal:    interactiveStaleTotal,
		activeInteractiveRenders: activeInteractiveRenders,
		playbackFPS:              playbackFPS,
		workerThreads:            workerThreads,
		enginesWorking:           enginesWorking,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncFramesRendered counts a frame finished by a worker.
func (m *Metrics) IncFramesRendered(node string) {
	if m == nil {
		return
	}
	m.framesRenderedTotal.WithLabelValues(node).Inc()
}

// IncFramesProcessed counts a frame handed to the process step.
func (m *Metrics) IncFramesProcessed(node string) {
	if m == nil {
		return
	}
	m.framesProcessedTotal.WithLabelValues(node).Inc()
}

// IncFrameFailures counts a reported render failure.
func (m *Metrics) IncFrameFailures(node string) {
	if m == nil {
		return
	}
	m.frameFailuresTotal.WithLabelValues(node).Inc()
}

// IncRunsAborted counts a run stopped by an abort.
func (m *Metrics) IncRunsAborted(node string) {
	if m == nil {
		return
	}
	m.runsAbortedTotal.WithLabelValues(node).Inc()
}

// IncInteractiveRenders counts an admitted current-frame request.
func (m *Metrics) IncInteractiveRenders(node string) {
	if m == nil {
		return
	}
	m.interactiveRendersTotal.WithLabelValues(node).Inc()
}

// IncInteractiveStale counts a current-frame result dropped as stale.
func (m *Metrics) IncInteractiveStale(node string) {
	if m == nil {
		return
	}
	m.interactiveStaleTotal.WithLabelValues(node).Inc()
}

// SetActiveInteractiveRenders sets the in-flight current-frame gauge.
func (m *Metrics) SetActiveInteractiveRenders(node string, n int) {
	if m == nil {
		return
	}
	m.activeInteractiveRenders.WithLabelValues(node).Set(float64(n))
}

// SetPlaybackFPS sets the measured frame rate gauge.
func (m *Metrics) SetPlaybackFPS(node string, fps float64) {
	if m == nil {
		return
	}
	m.playbackFPS.WithLabelValues(node).Set(fps)
}

// SetWorkerThreads sets the worker pool size gauge.
func (m *Metrics) SetWorkerThreads(node string, n int) {
	if m == nil {
		return
	}
	m.workerThreads.WithLabelValues(node).Set(float64(n))
}

// SetEnginesWorking sets the number of engines with renders in progress.
func (m *Metrics) SetEnginesWorking(n int) {
	if m == nil {
		return
	}
	m.enginesWorking.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
