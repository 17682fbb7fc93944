package report

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Console writes a plain text rendering, one line per event.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Type {
	case OutputEvent:
		fmt.Fprintf(c.w, "%s > %s\n", e.Job, e.Line)
	case WarningEvent:
		fmt.Fprintf(c.w, "%s ! %s\n", e.Job, e.Line)
	case StatusEvent:
		switch {
		case e.Duration > 0:
			fmt.Fprintf(c.w, "%s %s in %s%s\n", e.Job, e.Status, e.Duration.Round(time.Millisecond), reason(e))
		default:
			fmt.Fprintf(c.w, "%s %s%s\n", e.Job, e.Status, reason(e))
		}
	}
}

func reason(e Event) string {
	if e.Reason == "" {
		return ""
	}
	return " (" + e.Reason + ")"
}
