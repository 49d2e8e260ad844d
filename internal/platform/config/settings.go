package config

import "runtime"

// Settings is the read-only context handed to schedulers at construction.
// It replaces process-wide application lookups so tests can supply their own.
type Settings struct {
	// Background is true for headless renders: progress goes to a pipe and
	// failures to stderr.
	Background bool `yaml:"background"`

	// ScriptName prefixes background progress lines.
	ScriptName string `yaml:"script_name"`

	// MaxRenderThreads caps the worker pool of one output scheduler.
	// Zero or less means GOMAXPROCS.
	MaxRenderThreads int `yaml:"max_render_threads"`

	// ThreadBudget caps render goroutines across every scheduler of the
	// process. Zero or less means MaxRenderThreads.
	ThreadBudget int `yaml:"thread_budget"`

	// AdaptiveThreads sizes pools from CPU activity instead of always
	// running MaxRenderThreads workers.
	AdaptiveThreads bool `yaml:"adaptive_threads"`

	// ProcessOnMainThread makes the ordered scheduler hand frames to the
	// main loop instead of processing them on its own goroutine.
	ProcessOnMainThread bool `yaml:"process_on_main_thread"`

	// DefaultFPS is the playback rate used when a viewer does not ask for one.
	DefaultFPS float64 `yaml:"default_fps"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		ScriptName:       "render",
		MaxRenderThreads: runtime.GOMAXPROCS(0),
		AdaptiveThreads:  false,
		DefaultFPS:       24,
	}
}

// SettingsFromEnv reads RENDER_* variables on top of DefaultSettings.
func SettingsFromEnv() Settings {
	s := DefaultSettings()
	s.Background = GetEnvBool("RENDER_BACKGROUND", s.Background)
	s.ScriptName = GetEnv("RENDER_SCRIPT_NAME", s.ScriptName)
	s.MaxRenderThreads = GetEnvInt("RENDER_MAX_THREADS", s.MaxRenderThreads)
	s.ThreadBudget = GetEnvInt("RENDER_THREAD_BUDGET", s.ThreadBudget)
	s.AdaptiveThreads = GetEnvBool("RENDER_ADAPTIVE_THREADS", s.AdaptiveThreads)
	s.ProcessOnMainThread = GetEnvBool("RENDER_PROCESS_ON_MAIN", s.ProcessOnMainThread)
	s.DefaultFPS = GetEnvFloat("RENDER_FPS", s.DefaultFPS)
	return s
}

// MaxThreads returns MaxRenderThreads with the GOMAXPROCS default applied.
func (s Settings) MaxThreads() int {
	if s.MaxRenderThreads <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return s.MaxRenderThreads
}

// Budget returns ThreadBudget with its default applied.
func (s Settings) Budget() int {
	if s.ThreadBudget <= 0 {
		return s.MaxThreads()
	}
	return s.ThreadBudget
}
