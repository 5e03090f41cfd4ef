package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrShuttingDown is returned by starts issued after Shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")
	// ErrStartCancelled is returned when a stop overlapped the spawn of a start.
	// The freshly spawned worker has been terminated.
	ErrStartCancelled = errors.New("start cancelled by stop")

	// ErrRoleDisabled is returned by Watch when configuration keeps the role off.
	ErrRoleDisabled = errors.New("role disabled by configuration")

	errSuperseded = errors.New("worker was replaced or stopped")
)

// Outcome is the result class of a start.
type Outcome int

const (
	Started Outcome = iota
	AlreadyRunning
	StartInProgress
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already_running"
	case StartInProgress:
		return "start_in_progress"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result is what StartRole reports. Err is set only for Failed.
type Result struct {
	Outcome Outcome
	PID     int
	Err     error
}

// OK reports whether a worker is running for the role after the call.
func (r Result) OK() bool { return r.Outcome == Started || r.Outcome == AlreadyRunning }

func (r Result) String() string {
	if r.Err != nil {
		return r.Outcome.String() + ": " + r.Err.Error()
	}
	return r.Outcome.String()
}
