package engine

import (
	"render-orchestrator/internal/scheduler"
)

// RunStatus describes the run of the ordered scheduler.
type RunStatus struct {
	First     int     `json:"first"`
	Last      int     `json:"last"`
	Start     int     `json:"start"`
	Step      int     `json:"step"`
	Direction string  `json:"direction"`
	Mode      string  `json:"mode"`
	Workers   int     `json:"workers"`
	Processed int     `json:"processed"`
	Buffered  int     `json:"buffered"`
	InFlight  int     `json:"in_flight"`
	FPS       float64 `json:"fps"`
}

// ProgressStatus is the progress of a writer's range.
type ProgressStatus struct {
	Frame     int     `json:"frame"`
	Done      int     `json:"done"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
	FPS       float64 `json:"fps"`
	Remaining string  `json:"remaining"`
}

// Status is a point-in-time view of an engine.
type Status struct {
	Node              string          `json:"node"`
	Kind              string          `json:"kind"`
	State             string          `json:"state"`
	Working           bool            `json:"working"`
	Aborting          bool            `json:"aborting"`
	AutoRestart       bool            `json:"auto_restart"`
	Sequential        bool            `json:"sequential"`
	Queued            int             `json:"queued"`
	PendingWatchers   int             `json:"pending_watchers"`
	Run               *RunStatus      `json:"run,omitempty"`
	Progress          *ProgressStatus `json:"progress,omitempty"`
	InteractiveActive []uint64        `json:"interactive_active,omitempty"`
	DisplayAge        uint64          `json:"display_age"`
}

// Status returns the engine status.
func (e *RenderEngine) Status() Status {
	e.mu.Lock()
	out, cur, writer := e.output, e.current, e.writer
	st := Status{
		Node:            e.node.Name,
		Kind:            e.node.Kind.String(),
		State:           scheduler.StateIdle.String(),
		AutoRestart:     e.autoRestart,
		Sequential:      e.sequential,
		Queued:          len(e.queue),
		PendingWatchers: len(e.watchers),
	}
	e.mu.Unlock()

	if out != nil {
		stats := out.Stats()
		st.State = stats.State.String()
		st.Working = out.IsWorking()
		st.Aborting = out.IsBeingAborted()
		if run, ok := out.CurrentRun(); ok {
			st.Run = &RunStatus{
				First:     run.First,
				Last:      run.Last,
				Start:     run.Start,
				Step:      run.Step,
				Direction: run.Direction.String(),
				Mode:      run.Mode.String(),
				Workers:   stats.Workers,
				Processed: stats.Processed,
				Buffered:  stats.Buffered,
				InFlight:  stats.InFlight,
				FPS:       stats.FPS,
			}
		}
	}
	if writer != nil {
		if p := writer.Progress(); p.Total > 0 {
			st.Progress = &ProgressStatus{
				Frame:     p.Frame,
				Done:      p.Done,
				Total:     p.Total,
				Percent:   p.Percent,
				FPS:       p.FPS,
				Remaining: p.Remaining.String(),
			}
		}
	}
	if cur != nil {
		st.Working = st.Working || cur.IsWorking()
		st.Aborting = st.Aborting || cur.IsBeingAborted()
		st.InteractiveActive = cur.ActiveRenderAges()
		st.DisplayAge = cur.DisplayAge()
	}
	return st
}
