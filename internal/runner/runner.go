// Package runner ties the pieces together for one pipeline run: loading,
// planning, scheduling, logs, journal and metrics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localci/internal/config"
	"localci/internal/core"
	"localci/internal/executor"
	"localci/internal/include"
	"localci/internal/journal"
	"localci/internal/metrics"
	"localci/internal/mutex"
	"localci/internal/report"
	"localci/internal/scheduler"
	"localci/internal/security"
	"localci/internal/storage"
	"localci/internal/transfer"
	"localci/internal/vcs"
)

// Predefiner supplies repository variables. *vcs.Git satisfies it.
type Predefiner interface {
	Predefined(ctx context.Context) map[string]string
}

// Runner runs pipelines described by a Config.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	proc     executor.Process
	out      io.Writer
	git      Predefiner
	projects include.ProjectFetcher
	remote   include.RemoteFetcher
	sinks    []report.Sink
}

type Option func(*Runner)

// WithProcess replaces the OS process runner.
func WithProcess(p executor.Process) Option { return func(r *Runner) { r.proc = p } }

// WithOutput sets where job output and tables are written.
func WithOutput(w io.Writer) Option { return func(r *Runner) { r.out = w } }

// WithGit replaces the repository used for predefined variables and project includes.
func WithGit(p Predefiner, f include.ProjectFetcher) Option {
	return func(r *Runner) { r.git, r.projects = p, f }
}

// WithRemote replaces the remote include fetcher.
func WithRemote(f include.RemoteFetcher) Option { return func(r *Runner) { r.remote = f } }

// WithSink adds an event sink.
func WithSink(s report.Sink) Option { return func(r *Runner) { r.sinks = append(r.sinks, s) } }

// New expects cfg to be validated.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger, out: os.Stdout}
	git := vcs.New(cfg.ProjectDir, filepath.Join(cfg.StateDir, "includes"), logger)
	r.git, r.projects = git, git
	r.remote = &include.HTTPFetcher{Client: include.NewHTTPFetcher().Client, Token: cfg.PrivateToken}
	for _, o := range opts {
		o(r)
	}
	if r.proc == nil {
		r.proc = executor.NewOSProcess()
	}
	return r
}

// Run plans the pipeline and executes the selected jobs. A nil summary
// with a nil error means workflow:rules skipped the pipeline.
func (r *Runner) Run(ctx context.Context) (*scheduler.Summary, error) {
	pl, err := r.Plan(ctx)
	if err != nil {
		return nil, err
	}
	if pl.Skipped {
		fmt.Fprintln(r.out, "Pipeline skipped by workflow:rules")
		return nil, nil
	}
	set, err := pl.Graph.Select(r.cfg.Jobs, r.cfg.Needs)
	if err != nil {
		return nil, err
	}

	iid, err := storage.NextPipelineIID(r.cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline counter: %w", err)
	}
	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run", runID), zap.Int("iid", iid))

	locks := mutex.NewManager()
	store := transfer.NewStore(r.cfg.StateDir, locks, logger)
	var collector *metrics.Collector
	if r.cfg.MetricsFile != "" {
		collector = metrics.NewCollector()
		locks.OnAcquire = collector.ObserveLock
		store.Observe = collector.ObserveCache
	}

	logs := storage.NewLogStorage(r.cfg.StateDir)
	defer logs.Close()
	sinks := report.Multi{logs, report.NewConsole(r.out), report.NewLogSink(logger)}
	if collector != nil {
		sinks = append(sinks, collector)
	}
	if r.cfg.Journal {
		js, err := r.openJournal(iid, logs, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, js)
	}
	sinks = append(sinks, r.sinks...)
	sink := report.Stamp(runID, sinks)
	for _, w := range pl.Graph.Warnings {
		sink.Emit(report.Event{Type: report.WarningEvent, Line: w})
	}

	exec := executor.NewJobExecutor(executor.Options{
		ProjectDir:          r.cfg.ProjectDir,
		StateDir:            r.cfg.StateDir,
		ShellIsolation:      r.cfg.ShellIsolation,
		PullPolicy:          executor.PullPolicy(r.cfg.PullPolicy),
		ContainerExecutable: r.cfg.ContainerExecutable,
		MountCache:          r.cfg.MountCache,
		CAFile:              r.cfg.CAFile,
		MACAddress:          r.cfg.MACAddress,
	}, r.proc, store, locks, logger)

	var selected []*core.Job
	for _, n := range pl.Graph.Nodes {
		if set[n.Job.Name] {
			selected = append(selected, n.Job)
		}
	}
	exec.PrefetchImages(ctx, selected)

	p := pl.Pipeline
	base := core.Layer(pl.Predefined, map[string]string{
		"CI_PIPELINE_IID": strconv.Itoa(iid),
		"CI_PIPELINE_ID":  strconv.Itoa(iid),
	})
	manual := append(append([]string{}, r.cfg.Manual...), r.cfg.Jobs...)
	s := scheduler.New(pl.Graph, set, exec, locks, sink, scheduler.Options{
		Concurrency:    r.cfg.Concurrency,
		Manual:         manual,
		ProjectDir:     r.cfg.ProjectDir,
		DefaultTimeout: r.cfg.DefaultTimeout,
		Env: func(j *core.Job) map[string]string {
			return core.Layer(base, jobVariables(iid, j), p.JobVariables(j))
		},
		Dotenv: func(job string) map[string]string {
			vars, err := store.Dotenv(job)
			if err != nil {
				logger.Warn("stored dotenv unreadable", zap.String("job", job), zap.Error(err))
			}
			return vars
		},
		Overrides: r.cfg.Variables,
	}, logger)

	logger.Info("pipeline started", zap.Int("jobs", len(set)))
	sum, runErr := s.Run(ctx)
	logs.Close()
	r.printSummary(sum)

	if collector != nil {
		if err := collector.WriteFile(r.cfg.MetricsFile); err != nil {
			logger.Error("writing metrics failed", zap.String("path", r.cfg.MetricsFile), zap.Error(err))
		}
	}
	return sum, runErr
}

func jobVariables(iid int, j *core.Job) map[string]string {
	return map[string]string{
		"CI_JOB_NAME":      j.Name,
		"CI_JOB_NAME_SLUG": vcs.Slug(j.Name),
		"CI_JOB_STAGE":     j.Stage,
		"CI_JOB_ID":        strconv.Itoa(iid*1000 + j.Index),
	}
}

func (r *Runner) openJournal(iid int, logs *storage.LogStorage, logger *zap.Logger) (*journal.Sink, error) {
	var keys *security.KeyPair
	kp, err := security.LoadKeyPair(r.cfg.KeyDir)
	switch {
	case err == nil:
		keys = &kp
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("journal entries are unsigned, no keys in " + r.cfg.KeyDir)
	default:
		return nil, fmt.Errorf("journal keys: %w", err)
	}
	j, err := journal.Open(JournalPath(r.cfg.StateDir), keys)
	if err != nil {
		return nil, err
	}
	return &journal.Sink{Journal: j, PipelineIID: iid, LogPath: logs.Path, Logger: logger}, nil
}

// JournalPath is where runs append their journal.
func JournalPath(stateDir string) string {
	return filepath.Join(stateDir, "journal.jsonl")
}

func (r *Runner) printSummary(sum *scheduler.Summary) {
	if sum == nil {
		return
	}
	fmt.Fprintln(r.out)
	for _, j := range sum.Jobs {
		st := j.State
		line := fmt.Sprintf("%-8s %s", st.Status, j.Name)
		if st.AllowedFailure {
			line += " (allowed to fail)"
		} else if st.Status == scheduler.Skipped && st.Reason != "" {
			line += " (" + st.Reason + ")"
		}
		if d := st.Duration(); d > 0 {
			line += fmt.Sprintf(" %.2fs", d.Seconds())
		}
		fmt.Fprintln(r.out, line)
	}
	if sum.Failed {
		fmt.Fprintln(r.out, "pipeline failed")
	} else {
		fmt.Fprintln(r.out, "pipeline finished successfully")
	}
}
