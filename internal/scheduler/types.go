// Package scheduler drives renders of output nodes.
//
// OutputScheduler renders frame ranges and playback on a worker pool and
// hands completed frames to an Output strictly in timeline order. The two
// outputs are DefaultScheduler (render to disk) and ViewerDisplayScheduler
// (ordered viewer playback).
//
// CurrentFrameScheduler serves the viewer's "render what I am looking at"
// requests. It keeps no order, only ages: a result older than what is
// displayed is dropped.
package scheduler

import (
	"github.com/cockroachdb/errors"

	"render-orchestrator/internal/render"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while one is active.
	ErrAlreadyRunning = errors.New("a render is already running")

	// ErrAbortInProgress is returned when a run is requested before the
	// previous abort completed.
	ErrAbortInProgress = errors.New("an abort is in progress")

	// ErrQuit is returned once the scheduler was quit without restarts.
	ErrQuit = errors.New("scheduler has quit")

	// ErrInvalidRange is returned for an empty range or a non-positive step.
	ErrInvalidRange = errors.New("invalid frame range")

	// ErrMainLoopClosed is returned when a frame could not be handed to the
	// main loop because it was closed.
	ErrMainLoopClosed = errors.New("main loop closed")
)

// Direction is the playback direction.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// MarshalText encodes d as "forward" or "backward".
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts "forward" and "backward".
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "forward", "":
		*d = Forward
	case "backward":
		*d = Backward
	default:
		return errors.Newf("unknown direction %q", b)
	}
	return nil
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Backward {
		return Forward
	}
	return Backward
}

// PlaybackMode tells what happens when playback reaches a bound.
type PlaybackMode int

const (
	PlaybackOnce PlaybackMode = iota
	PlaybackLoop
	PlaybackBounce
)

func (m PlaybackMode) String() string {
	switch m {
	case PlaybackLoop:
		return "loop"
	case PlaybackBounce:
		return "bounce"
	default:
		return "once"
	}
}

// ParsePlaybackMode parses "once", "loop" or "bounce". An empty string is
// PlaybackOnce.
func ParsePlaybackMode(s string) (PlaybackMode, error) {
	switch s {
	case "", "once":
		return PlaybackOnce, nil
	case "loop":
		return PlaybackLoop, nil
	case "bounce":
		return PlaybackBounce, nil
	}
	return PlaybackOnce, errors.Newf("unknown playback mode %q", s)
}

// State is the lifecycle state of a scheduler.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAborting
	StateQuitting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAborting:
		return "aborting"
	case StateQuitting:
		return "quitting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RunArgs describes one run of the ordered scheduler.
type RunArgs struct {
	First, Last int
	Step        int
	Views       []int
	Direction   Direction
	EnableStats bool
	Blocking    bool

	// Mode is PlaybackOnce for explicit ranges and the output's playback
	// mode for runs started from the current frame.
	Mode PlaybackMode

	// Start is the first frame rendered.
	Start int

	// FromCurrentFrame is true for playback started at the timeline cursor.
	FromCurrentFrame bool
}

// FrameCount returns how many frames a PlaybackOnce run covers.
func (a RunArgs) FrameCount() int {
	if a.Step <= 0 || a.Last < a.First {
		return 0
	}
	return (a.Last-a.First)/a.Step + 1
}

// BufferedFrame is a completed frame waiting for, or handed to, the process step.
type BufferedFrame struct {
	Time    int
	Seq     uint64
	Status  render.Status
	Results *render.FrameResults
}

// Output is what the ordered scheduler delegates to the kind of node it
// renders for.
type Output interface {
	Name() string

	// CreateFrameRenderResults builds, but does not launch, the renders of
	// frame time.
	CreateFrameRenderResults(time int, views []int, enableStats bool) (*render.FrameResults, error)

	// ProcessFrame consumes a completed frame. Frames arrive in timeline
	// order for the direction of the run.
	ProcessFrame(frame BufferedFrame) error

	AboutToStartRender(run RunArgs)
	OnRenderStopped(aborted bool)
	HandleRenderFailure(err error)

	TimelineBounds() (first, last int)
	CurrentTime() int
	PlaybackMode() PlaybackMode

	// DesiredFPS paces processing; zero or less renders as fast as possible.
	DesiredFPS() float64

	// ReportFPS receives the measured processing rate.
	ReportFPS(fps float64)

	ProcessOnMainThread() bool
}

// Viewer is the display a viewer node renders into.
type Viewer interface {
	Name() string

	// ActiveInputs reports which input slots are connected. B is only
	// active in compare and wipe modes.
	ActiveInputs() (a, b bool)

	// ProcessFramesResults displays results and reports whether anything
	// changed on screen.
	ProcessFramesResults(results *render.FrameResults) bool

	// Disconnect clears the display to black.
	Disconnect()

	PlaybackMode() PlaybackMode
	DesiredFPS() float64
	ReportFPS(fps float64)
}

// Timeline is the project time cursor a viewer follows.
type Timeline interface {
	Current() int
	Seek(time int)
	Bounds() (first, last int)
}

// Executor runs closures on the main goroutine. mainloop.Loop implements it.
type Executor interface {
	Post(fn func()) bool
	Do(fn func())
	OnLoop() bool
}
