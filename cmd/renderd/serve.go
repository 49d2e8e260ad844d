package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"render-orchestrator/internal/engine"
	"render-orchestrator/internal/mainloop"
	"render-orchestrator/internal/platform/config"
	"render-orchestrator/internal/platform/logger"
	"render-orchestrator/internal/platform/metrics"
	"render-orchestrator/internal/render/synth"
	"render-orchestrator/internal/scheduler"
	"render-orchestrator/internal/viewer"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the render control API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("port", config.GetEnv("PORT", "8080"), "HTTP port")
}

// defaultOutputs is served when the project file declares none.
var defaultOutputs = []config.Output{
	{Name: "Viewer1", Kind: "viewer", First: 1, Last: 100, Mode: "loop"},
	{Name: "Write1", Kind: "writer"},
}

func runServe(cmd *cobra.Command, _ []string) error {
	project, err := loadProject(cmd)
	if err != nil {
		return err
	}
	port, _ := cmd.Flags().GetString("port")
	level, format := logFlags(cmd)
	log := logger.New(level, format)

	loop := mainloop.New()
	met := metrics.New()
	history := viewer.NewRepository(project.HistorySize)
	hub := viewer.NewHub(log)
	reg := engine.NewRegistry()

	cost := project.RenderCost
	if cost <= 0 {
		cost = 20 * time.Millisecond
	}
	eval := synth.NewEvaluator(cost)
	opts := engineOptions(project.Settings, loop, log, met)

	outputs := project.Outputs
	if len(outputs) == 0 {
		outputs = defaultOutputs
	}
	for _, o := range outputs {
		e, err := newEngine(o, eval, history, hub, opts)
		if err != nil {
			return err
		}
		if err := reg.Add(e); err != nil {
			return err
		}
	}

	h := engine.NewHandler(reg, history, hub, log, met)
	r := chi.NewRouter()
	h.MountEvents(r)
	r.Group(func(r chi.Router) {
		r.Use(logger.RequestLogger(log))
		r.Use(metrics.RequestMiddleware(met))
		r.Get("/metrics", met.Handler(h.UpdateGauges).ServeHTTP)
		h.Mount(r)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	})
	g.Go(func() error {
		// The main loop keeps running until every engine stopped so their
		// last displays can still be delivered.
		defer loop.Close()
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		reg.QuitAll()
		reg.WaitAll()
		return err
	})

	log.Info("server starting",
		slog.String("port", port),
		slog.Int("outputs", len(outputs)),
		slog.Int("max_render_threads", project.Settings.MaxThreads()),
		slog.String("log_level", level),
	)

	if err := loop.Run(context.Background()); err != nil && !errors.Is(err, mainloop.ErrClosed) {
		log.Error("main loop stopped", slog.String("error", err.Error()))
	}
	if err := g.Wait(); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}

	log.Info("server stopped")
	return nil
}

func newEngine(o config.Output, factory *synth.Evaluator, history *viewer.Repository, hub *viewer.Hub, opts engine.Options) (*engine.RenderEngine, error) {
	node := engine.OutputNode{Name: o.Name, Factory: factory}
	if o.Kind != "viewer" {
		node.Kind = engine.KindWriter
		return engine.New(node, opts)
	}

	mode, err := scheduler.ParsePlaybackMode(o.Mode)
	if err != nil {
		return nil, errors.Wrapf(err, "output %s", o.Name)
	}
	v := viewer.New(o.Name, history, hub)
	v.SetPlayback(mode, o.FPS)
	v.SetCompare(o.Compare)

	node.Kind = engine.KindViewer
	node.Viewer = v
	node.Timeline = viewer.NewTimeline(o.First, o.Last)
	return engine.New(node, opts)
}
