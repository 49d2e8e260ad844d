package render

import "github.com/cockroachdb/errors"

// Status is the outcome of a tree render.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusAborted
	StatusOutOfMemory
)

var (
	// ErrRenderFailed is returned when a tree render reports StatusFailed.
	ErrRenderFailed = errors.New("render failed")

	// ErrRenderAborted is returned when a tree render was cancelled.
	// It is the expected result of an abort and is never shown to the user.
	ErrRenderAborted = errors.New("render aborted")

	// ErrOutOfMemory is returned when a tree render ran out of memory.
	ErrOutOfMemory = errors.New("render out of memory")
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	case StatusOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// IsFailure reports whether s is anything but StatusOK. Aborted counts as a
// failure at the scheduler level.
func (s Status) IsFailure() bool {
	return s != StatusOK
}

// ShouldReport reports whether s is a failure the user must be told about.
func (s Status) ShouldReport() bool {
	return s == StatusFailed || s == StatusOutOfMemory
}

// Err maps s to its sentinel error, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusAborted:
		return ErrRenderAborted
	case StatusOutOfMemory:
		return ErrOutOfMemory
	default:
		return ErrRenderFailed
	}
}

// AggregateStatus folds statuses into one: OutOfMemory beats Failed, which
// beats Aborted, which beats OK.
func AggregateStatus(statuses ...Status) Status {
	out := StatusOK
	for _, s := range statuses {
		if severity(s) > severity(out) {
			out = s
		}
	}
	return out
}

func severity(s Status) int {
	switch s {
	case StatusOK:
		return 0
	case StatusAborted:
		return 1
	case StatusFailed:
		return 2
	case StatusOutOfMemory:
		return 3
	default:
		return 2
	}
}
