package journal

import (
	"os"
	"time"

	"go.uber.org/zap"

	"localci/internal/report"
	"localci/pkg/utils"
)

// Sink appends an entry for every terminal status event.
type Sink struct {
	Journal     *Journal
	PipelineIID int
	// LogPath returns the output log of a job, or "" when none is kept.
	LogPath func(job string) string
	Logger  *zap.Logger
}

func (s *Sink) Emit(ev report.Event) {
	if ev.Type != report.StatusEvent {
		return
	}
	switch ev.Status {
	case "success", "failed", "skipped":
	default:
		return
	}
	e := &Entry{
		RunID:       ev.RunID,
		PipelineIID: s.PipelineIID,
		Job:         ev.Job,
		Stage:       ev.Stage,
		Status:      ev.Status,
		ExitCode:    ev.ExitCode,
		Attempts:    ev.Attempt,
	}
	if !ev.Time.IsZero() {
		e.Timestamp = ev.Time.UTC().Format(time.RFC3339)
	}
	if s.LogPath != nil {
		if path := s.LogPath(ev.Job); path != "" {
			if _, err := os.Stat(path); err == nil {
				sum, err := utils.HashFile(path)
				if err == nil {
					e.LogPath, e.LogHash = path, sum
				}
			}
		}
	}
	if err := s.Journal.Append(e); err != nil && s.Logger != nil {
		s.Logger.Error("journal append failed", zap.String("job", ev.Job), zap.Error(err))
	}
}
