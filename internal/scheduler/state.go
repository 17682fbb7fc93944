package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// Status is the runtime state of one job.
type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Retry   Status = "retry"
	Success Status = "success"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// Terminal reports whether no further transition can follow.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Skipped
}

var transitions = map[Status][]Status{
	Pending: {Running, Skipped, Failed},
	Running: {Success, Failed, Retry},
	Retry:   {Running, Failed},
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State is the record kept for a job over one run.
type State struct {
	Status         Status
	Attempts       int
	ExitCode       int
	Err            error
	AllowedFailure bool
	// FailedUpstream marks a skip caused by a failed predecessor.
	// It propagates to successors the same way a failure does.
	FailedUpstream bool
	Reason         string
	Started        time.Time
	Finished       time.Time
	Dotenv         map[string]string
}

// Duration is the wall time between the first start and the finish.
func (s State) Duration() time.Duration {
	if s.Started.IsZero() || s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}

// blocking reports whether successors should see this job as failed.
func (s State) blocking() bool {
	return (s.Status == Failed && !s.AllowedFailure) || (s.Status == Skipped && s.FailedUpstream)
}

// Table holds job states, keyed by job name.
type Table struct {
	mu     sync.RWMutex
	states map[string]*State
}

func newTable(names []string) *Table {
	t := &Table{states: make(map[string]*State, len(names))}
	for _, n := range names {
		t.states[n] = &State{Status: Pending}
	}
	return t
}

// Get returns a copy of the state of name.
func (t *Table) Get(name string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[name]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// transition moves name to `to` and applies update under the lock.
func (t *Table) transition(name string, to Status, update func(*State)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if !allowed(s.Status, to) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", name, s.Status, to)
	}
	s.Status = to
	if update != nil {
		update(s)
	}
	return nil
}
