// Package viewer provides in-memory viewers and timelines for the render
// engine: what a viewer displays is recorded in a Repository and pushed to
// websocket clients through a Hub.
package viewer

import (
	"sort"
	"strings"
	"sync"

	"render-orchestrator/internal/render"
	"render-orchestrator/internal/scheduler"
)

// Viewer is a display that records every frame it shows.
type Viewer struct {
	name    string
	history *Repository
	hub     *Hub

	mu        sync.Mutex
	compare   bool
	mode      scheduler.PlaybackMode
	fps       float64
	measured  float64
	connected bool
	seq       uint64
	last      *Display
}

// New returns a viewer. history and hub may be nil.
func New(name string, history *Repository, hub *Hub) *Viewer {
	return &Viewer{name: name, history: history, hub: hub}
}

// Name implements scheduler.Viewer.
func (v *Viewer) Name() string { return v.name }

// SetCompare turns the B input on or off.
func (v *Viewer) SetCompare(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.compare = on
}

// SetPlayback sets the playback mode and rate. A rate of zero or less uses
// the engine default.
func (v *Viewer) SetPlayback(mode scheduler.PlaybackMode, fps float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
	v.fps = fps
}

// ActiveInputs implements scheduler.Viewer.
func (v *Viewer) ActiveInputs() (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return true, v.compare
}

// ProcessFramesResults implements scheduler.Viewer.
func (v *Viewer) ProcessFramesResults(results *render.FrameResults) bool {
	if results == nil || len(results.Results) == 0 {
		return false
	}

	views := make([]int, 0, len(results.Results))
	inputs := map[string]bool{}
	for _, sub := range results.Results {
		views = append(views, sub.View())
		if vs, ok := sub.(*render.ViewerSubResult); ok {
			for _, in := range []render.Input{render.InputA, render.InputB} {
				if vs.Input(in) != nil {
					inputs[in.String()] = true
				}
			}
		}
	}
	sort.Ints(views)

	v.mu.Lock()
	v.seq++
	d := Display{
		Seq:    v.seq,
		Frame:  results.Time,
		Views:  views,
		Inputs: joinInputs(inputs),
	}
	v.last = &d
	v.connected = true
	v.mu.Unlock()

	if v.history != nil {
		if err := v.history.RecordDisplay(v.name, d); err != nil {
			return false
		}
	}
	v.hub.Broadcast(Event{Viewer: v.name, Type: EventDisplay, Display: &d})
	return true
}

func joinInputs(inputs map[string]bool) string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "")
}

// Disconnect implements scheduler.Viewer.
func (v *Viewer) Disconnect() {
	v.mu.Lock()
	v.connected = false
	v.last = nil
	v.mu.Unlock()
	v.hub.Broadcast(Event{Viewer: v.name, Type: EventDisconnect})
}

// PlaybackMode implements scheduler.Viewer.
func (v *Viewer) PlaybackMode() scheduler.PlaybackMode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

// DesiredFPS implements scheduler.Viewer.
func (v *Viewer) DesiredFPS() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fps
}

// ReportFPS implements scheduler.Viewer.
func (v *Viewer) ReportFPS(fps float64) {
	v.mu.Lock()
	v.measured = fps
	v.mu.Unlock()
	v.hub.Broadcast(Event{Viewer: v.name, Type: EventFPS, FPS: fps})
}

// MeasuredFPS returns the last rate reported by playback.
func (v *Viewer) MeasuredFPS() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.measured
}

// Current returns the frame on screen; ok is false while disconnected.
func (v *Viewer) Current() (Display, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected || v.last == nil {
		return Display{}, false
	}
	return *v.last, true
}
