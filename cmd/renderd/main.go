// Command renderd drives output-node renders: headless frame ranges with
// `render`, or an HTTP control server with interactive viewers with `serve`.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"render-orchestrator/internal/engine"
	"render-orchestrator/internal/platform/config"
	"render-orchestrator/internal/platform/metrics"
	"render-orchestrator/internal/scheduler"
)

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

var rootCmd = &cobra.Command{
	Use:           "renderd",
	Short:         "Render scheduler for output nodes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String(flagConfig, "", "project file (YAML) with settings and outputs")
	rootCmd.PersistentFlags().String(flagLogLevel, config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	rootCmd.PersistentFlags().String(flagLogFormat, config.GetEnv("LOG_FORMAT", "json"), "json or text")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	_ = config.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "renderd:", err)
		os.Exit(1)
	}
}

// loadProject returns the project file named by --config, or a file with
// the environment settings and no outputs.
func loadProject(cmd *cobra.Command) (*config.File, error) {
	base := config.SettingsFromEnv()
	path, _ := cmd.Flags().GetString(flagConfig)
	if path == "" {
		return &config.File{Settings: base}, nil
	}
	return config.LoadFile(path, base)
}

func logFlags(cmd *cobra.Command) (level, format string) {
	level, _ = cmd.Flags().GetString(flagLogLevel)
	format, _ = cmd.Flags().GetString(flagLogFormat)
	return level, format
}

// engineOptions builds the options shared by every engine of the process.
func engineOptions(settings config.Settings, loop scheduler.Executor, log *slog.Logger, met *metrics.Metrics) engine.Options {
	var policy scheduler.ThreadPolicy = scheduler.FixedPolicy{N: settings.MaxThreads()}
	if settings.AdaptiveThreads {
		policy = scheduler.NewCPUPolicy(settings.MaxThreads())
	}
	return engine.Options{
		Settings: settings,
		MainLoop: loop,
		Budget:   scheduler.NewThreadBudget(settings.Budget()),
		Policy:   policy,
		Log:      log,
		Metrics:  met,
	}
}
