// Package report carries the per-job event stream out of the scheduler.
package report

import (
	"sync"
	"time"
)

// EventType separates status transitions from output.
type EventType string

const (
	StatusEvent  EventType = "status"
	OutputEvent  EventType = "output"
	WarningEvent EventType = "warning"
)

// Event is one entry of the stream. Output events carry Line; status
// events carry Status and, when terminal, Duration and ExitCode.
type Event struct {
	RunID    string
	Time     time.Time
	Job      string
	Stage    string
	Type     EventType
	Status   string
	Reason   string
	Line     string
	Attempt  int
	ExitCode int
	Duration time.Duration
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Lines returns the output lines of job in emission order.
func (r *Recorder) Lines(job string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Job == job && e.Type == OutputEvent {
			out = append(out, e.Line)
		}
	}
	return out
}

// Statuses returns the status transitions of job in emission order.
func (r *Recorder) Statuses(job string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Job == job && e.Type == StatusEvent {
			out = append(out, e.Status)
		}
	}
	return out
}

// Stamp fills RunID and Time before passing events on.
func Stamp(runID string, next Sink) Sink {
	return SinkFunc(func(e Event) {
		if e.RunID == "" {
			e.RunID = runID
		}
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		next.Emit(e)
	})
}
