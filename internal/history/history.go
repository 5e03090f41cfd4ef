package history

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"   // worker installed by a start
	EventStop    EventType = "stop"    // worker removed by stop, reap or shutdown
	EventExit    EventType = "exit"    // unplanned exit seen by the watchdog
	EventRestart EventType = "restart" // watchdog respawned the role
	EventRetire  EventType = "retire"  // watchdog decided the role must stay down
)

// Record describes the worker an event is about.
type Record struct {
	CameraID   int64      `json:"camera_id"`
	CameraName string     `json:"camera_name"`
	Role       string     `json:"role"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	ExitCode   int        `json:"exit_code"`
	ExitErr    string     `json:"exit_err,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Key uniquely identifies one run of a worker.
func (r Record) Key() string {
	return r.CameraName + "/" + r.Role + "/" + strconv.Itoa(r.PID) + "-" + strconv.FormatInt(r.StartedAt.Unix(), 10)
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatcher fans events out to sinks from a background goroutine so slow
// sinks never hold up a start or stop. When its buffer is full, events are
// dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
	ch      chan Event
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewDispatcher starts a dispatcher. A nil or empty sink list yields a
// dispatcher that discards everything.
func NewDispatcher(log *slog.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sinks:   append([]Sink(nil), sinks...),
		log:     log,
		timeout: 5 * time.Second,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues e without blocking.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.dropped++
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("history sink send failed", "event", e.Type, "key", e.Record.Key(), "error", err)
			}
			cancel()
		}
	}
}
