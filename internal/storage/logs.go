// Package storage keeps the files a run leaves in the state directory:
// per-job output logs and the pipeline counter.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"localci/internal/report"
	"localci/pkg/utils"
)

// LogStorage writes job output to <state>/output/<safe job name>.log.
type LogStorage struct {
	BaseDir string

	mu    sync.Mutex
	files map[string]*bufio.Writer
	osf   map[string]*os.File
}

// NewLogStorage creates a log storage handler rooted at stateDir.
func NewLogStorage(stateDir string) *LogStorage {
	return &LogStorage{
		BaseDir: filepath.Join(stateDir, "output"),
		files:   map[string]*bufio.Writer{},
		osf:     map[string]*os.File{},
	}
}

// Path is the log file of job.
func (ls *LogStorage) Path(job string) string {
	return filepath.Join(ls.BaseDir, utils.SafeName(job)+".log")
}

// SaveLog replaces the log of job with output.
func (ls *LogStorage) SaveLog(job, output string) (string, error) {
	if err := os.MkdirAll(ls.BaseDir, 0o775); err != nil {
		return "", err
	}
	path := ls.Path(job)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Emit appends output lines to the job's log. The file is truncated when
// the job's first attempt starts and flushed when the job is terminal.
func (ls *LogStorage) Emit(e report.Event) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	switch e.Type {
	case report.StatusEvent:
		switch e.Status {
		case "running":
			if e.Attempt <= 1 {
				ls.openLocked(e.Job)
			}
		case "success", "failed", "skipped":
			ls.closeLocked(e.Job)
		}
	case report.OutputEvent, report.WarningEvent:
		w := ls.files[e.Job]
		if w == nil {
			return
		}
		fmt.Fprintln(w, e.Line)
	}
}

func (ls *LogStorage) openLocked(job string) {
	ls.closeLocked(job)
	if err := os.MkdirAll(ls.BaseDir, 0o775); err != nil {
		return
	}
	f, err := os.Create(ls.Path(job))
	if err != nil {
		return
	}
	ls.osf[job] = f
	ls.files[job] = bufio.NewWriter(f)
}

func (ls *LogStorage) closeLocked(job string) {
	if w := ls.files[job]; w != nil {
		_ = w.Flush()
		_ = ls.osf[job].Close()
	}
	delete(ls.files, job)
	delete(ls.osf, job)
}

// Close flushes every open log.
func (ls *LogStorage) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for job := range ls.files {
		ls.closeLocked(job)
	}
}
