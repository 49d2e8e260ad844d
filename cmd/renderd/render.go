package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"render-orchestrator/internal/engine"
	"render-orchestrator/internal/platform/logger"
	"render-orchestrator/internal/render/synth"
	"render-orchestrator/internal/scheduler"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a frame range of a writer node in the background",
	Long: `Render renders first..last of a writer node and blocks until done.
Progress lines go to stdout, logs and failures to stderr. An interrupt
aborts the range.`,
	Args: cobra.NoArgs,
	RunE: runRender,
}

func init() {
	f := renderCmd.Flags()
	f.String("node", "Write1", "writer node name")
	f.Int("first", 1, "first frame")
	f.Int("last", 100, "last frame")
	f.Int("step", 1, "frame step")
	f.Bool("backward", false, "render from last to first")
	f.IntSlice("views", []int{0}, "views to render")
	f.Duration("cost", 20*time.Millisecond, "synthetic render time of one frame")
	f.Bool("write-frames", false, "print a line per rendered tree on stdout")
}

func runRender(cmd *cobra.Command, _ []string) error {
	project, err := loadProject(cmd)
	if err != nil {
		return err
	}
	level, format := logFlags(cmd)
	log := logger.NewWithWriter(level, format, os.Stderr)

	flags := cmd.Flags()
	node, _ := flags.GetString("node")
	first, _ := flags.GetInt("first")
	last, _ := flags.GetInt("last")
	step, _ := flags.GetInt("step")
	backward, _ := flags.GetBool("backward")
	views, _ := flags.GetIntSlice("views")
	cost, _ := flags.GetDuration("cost")
	writeFrames, _ := flags.GetBool("write-frames")
	if !flags.Changed("cost") && project.RenderCost > 0 {
		cost = project.RenderCost
	}

	settings := project.Settings
	settings.Background = true

	eval := synth.NewEvaluator(cost)
	if writeFrames {
		eval.Out = os.Stdout
	}
	e, err := engine.New(engine.OutputNode{
		Name:     node,
		Kind:     engine.KindWriter,
		Factory:  eval,
		Progress: os.Stdout,
		ErrOut:   os.Stderr,
	}, engineOptions(settings, nil, log, nil))
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if e.AbortRenderingNoRestart() {
			log.Info("interrupt received, aborting render")
		}
	}()

	dir := scheduler.Forward
	if backward {
		dir = scheduler.Backward
	}
	log.Info("render starting",
		slog.String("node", node),
		slog.Int("first", first),
		slog.Int("last", last),
		slog.Int("threads", settings.MaxThreads()))

	return e.RenderFrameRange(true, engine.RangeArgs{
		First: first,
		Last:  last,
		PlaybackArgs: engine.PlaybackArgs{
			Step:      step,
			Views:     views,
			Direction: dir,
		},
	})
}
