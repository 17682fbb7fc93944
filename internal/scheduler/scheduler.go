// Package scheduler drives a built graph to completion: it decides each
// job's disposition once its predecessors are terminal, runs eligible jobs
// under a concurrency limit and records their states.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"localci/internal/core"
	"localci/internal/executor"
	"localci/internal/graph"
	"localci/internal/mutex"
	"localci/internal/report"
)

// Runner runs one attempt of a job. *executor.JobExecutor satisfies it.
type Runner interface {
	Run(ctx context.Context, t executor.Task, out func(string)) executor.Result
}

// Options tune a run.
type Options struct {
	Concurrency    int // <= 0 means unlimited
	Manual         []string
	ProjectDir     string
	DefaultTimeout time.Duration
	// Env returns predefined, global and job variables of a job.
	Env func(j *core.Job) map[string]string
	// Dotenv loads the stored dotenv report of a producer outside the run set.
	Dotenv func(job string) map[string]string
	// Overrides are layered over everything else.
	Overrides map[string]string
}

// Scheduler runs one pipeline once. Create a new one per run.
type Scheduler struct {
	graph  *graph.Graph
	set    map[string]bool
	order  []string
	runner Runner
	locks  *mutex.Manager
	sink   report.Sink
	opts   Options
	logger *zap.Logger
	table  *Table
	manual map[string]bool
}

func New(g *graph.Graph, set map[string]bool, runner Runner, locks *mutex.Manager, sink report.Sink, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = mutex.NewManager()
	}
	if sink == nil {
		sink = report.Discard
	}
	if opts.Env == nil {
		opts.Env = func(*core.Job) map[string]string { return nil }
	}
	s := &Scheduler{graph: g, set: set, runner: runner, locks: locks, sink: sink, opts: opts, logger: logger, manual: map[string]bool{}}
	for _, n := range g.Nodes {
		if set[n.Job.Name] {
			s.order = append(s.order, n.Job.Name)
		}
	}
	for _, m := range opts.Manual {
		s.manual[m] = true
	}
	s.table = newTable(s.order)
	return s
}

// Table exposes job states. It is safe to read while Run is in progress.
func (s *Scheduler) Table() *Table { return s.table }

// JobSummary is the final state of one job.
type JobSummary struct {
	Name  string
	Stage string
	State State
}

// Summary is the outcome of a run, jobs in declaration order.
type Summary struct {
	Jobs []JobSummary
	// Failed is set when a job failed without allow_failure.
	Failed bool
}

func (s *Summary) Job(name string) (JobSummary, bool) {
	for _, j := range s.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobSummary{}, false
}

// plan is the disposition decided for a job at eligibility.
type plan struct {
	env          map[string]string
	allowFailure core.AllowFailure
}

type completion struct {
	name string
	res  executor.Result
}

// Run executes the selected jobs and blocks until all of them are terminal.
// A cancelled ctx skips jobs that have not started and returns ctx.Err()
// along with the summary.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	done := make(chan completion, len(s.order))
	plans := map[string]plan{}
	var g errgroup.Group
	if s.opts.Concurrency > 0 {
		g.SetLimit(s.opts.Concurrency)
	}
	running, remaining := 0, len(s.order)

	for remaining > 0 {
		progressed := false
		for _, name := range s.order {
			if s.opts.Concurrency > 0 && running >= s.opts.Concurrency {
				break
			}
			st, _ := s.table.Get(name)
			switch st.Status {
			case Pending:
				if !s.ready(name) {
					continue
				}
				if ctx.Err() != nil {
					s.skip(name, "pipeline cancelled", false)
					remaining--
					progressed = true
					continue
				}
				p, ok, err := s.decide(name)
				if err != nil {
					s.fail(name, err)
					remaining--
					progressed = true
					continue
				}
				if !ok {
					remaining--
					progressed = true
					continue
				}
				plans[name] = p
			case Retry:
				if ctx.Err() != nil {
					s.finish(name, executor.Result{ExitCode: st.ExitCode, Err: ctx.Err()}, plans[name])
					remaining--
					progressed = true
					continue
				}
			default:
				continue
			}
			s.start(name)
			running++
			progressed = true
			p, attempt := plans[name], st.Attempts+1
			g.Go(func() error {
				done <- completion{name: name, res: s.attempt(ctx, name, p, attempt)}
				return nil
			})
		}
		if progressed {
			continue
		}
		if running == 0 {
			return s.summary(), fmt.Errorf("scheduler stalled with %d jobs left", remaining)
		}
		c := <-done
		running--
		if s.retryable(ctx, c.name, c.res) {
			s.retry(c.name, c.res)
			continue
		}
		s.finish(c.name, c.res, plans[c.name])
		remaining--
	}
	_ = g.Wait()
	return s.summary(), ctx.Err()
}

// ready reports whether every predecessor in the run set is terminal.
func (s *Scheduler) ready(name string) bool {
	n, _ := s.graph.Node(name)
	for _, pred := range n.Preds {
		if !s.set[pred] {
			continue
		}
		if st, _ := s.table.Get(pred); !st.Status.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) upstreamFailed(name string) bool {
	n, _ := s.graph.Node(name)
	for _, pred := range n.Preds {
		if !s.set[pred] {
			continue
		}
		if st, _ := s.table.Get(pred); st.blocking() {
			return true
		}
	}
	return false
}

// producers returns the artifact sources of name that may have left
// something behind. Skipped producers in the run set are left out.
func (s *Scheduler) producers(name string) []string {
	n, _ := s.graph.Node(name)
	var out []string
	for _, p := range n.ArtifactsFrom {
		if s.set[p] {
			if st, _ := s.table.Get(p); st.Status == Skipped {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func (s *Scheduler) dotenv(name string) map[string]string {
	merged := map[string]string{}
	for _, p := range s.producers(name) {
		var vars map[string]string
		if s.set[p] {
			st, _ := s.table.Get(p)
			vars = st.Dotenv
		} else if s.opts.Dotenv != nil {
			vars = s.opts.Dotenv(p)
		}
		for k, v := range vars {
			merged[k] = v
		}
	}
	return merged
}

// decide evaluates rules and when for name. ok is false when the job was
// skipped.
func (s *Scheduler) decide(name string) (plan, bool, error) {
	n, _ := s.graph.Node(name)
	j := n.Job
	if j.Trigger {
		s.warn(j, fmt.Sprintf("WARNING: %s is a trigger job, downstream pipelines are not run locally", j.Name))
		s.skip(name, "trigger job", false)
		return plan{}, false, nil
	}

	base := s.opts.Env(j)
	dotenv := s.dotenv(name)
	env := core.ExpandAll(core.Layer(base, dotenv, s.opts.Overrides))

	when := j.When
	if when == "" {
		when = core.OnSuccess
	}
	af := j.AllowFailure
	var ruleVars map[string]string
	if j.HasRules {
		res, err := core.EvalRules(j.Rules, when, core.RuleEnv{Lookup: core.Lookup(env), ProjectDir: s.opts.ProjectDir})
		if err != nil {
			return plan{}, false, fmt.Errorf("jobs:%s rules: %w", j.Name, err)
		}
		when = res.When
		if res.AllowFailure != nil {
			af = *res.AllowFailure
		}
		ruleVars = res.Variables
	}

	failedUp := s.upstreamFailed(name)
	switch when {
	case core.Never:
		s.skip(name, "when: never", false)
		return plan{}, false, nil
	case core.Manual:
		if !s.manual[name] {
			s.skip(name, "manual job not started", false)
			return plan{}, false, nil
		}
		if failedUp {
			s.skip(name, "upstream failure", true)
			return plan{}, false, nil
		}
	case core.OnFailure:
		if !failedUp {
			s.skip(name, "no upstream failure", false)
			return plan{}, false, nil
		}
	case core.Always:
	default:
		if failedUp {
			s.skip(name, "upstream failure", true)
			return plan{}, false, nil
		}
	}

	final := core.ExpandAll(core.Layer(base, ruleVars, dotenv, s.opts.Overrides))
	return plan{env: final, allowFailure: af}, true, nil
}

func (s *Scheduler) attempt(ctx context.Context, name string, p plan, attempt int) executor.Result {
	n, _ := s.graph.Node(name)
	j := n.Job
	timeout := j.Timeout
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out := func(line string) {
		s.sink.Emit(report.Event{Job: j.Name, Stage: j.Stage, Type: report.OutputEvent, Line: line, Attempt: attempt})
	}
	task := executor.Task{Job: j, Env: p.env, ArtifactsFrom: s.producers(name), Attempt: attempt}

	var res executor.Result
	run := func() error {
		res = s.runner.Run(actx, task, out)
		return nil
	}
	if j.ResourceGroup != "" {
		if err := s.locks.Exclusive(actx, "resource_group:"+j.ResourceGroup, run); err != nil {
			res = executor.Result{ExitCode: -1, Err: err}
		}
	} else {
		_ = run()
	}
	if !res.Succeeded() && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out(fmt.Sprintf("ERROR: Job failed: execution took longer than %s", timeout))
		res.Err = fmt.Errorf("%s: %w", j.Name, ErrTimeout)
	}
	return res
}

// ErrTimeout marks an attempt stopped by its timeout.
var ErrTimeout = errors.New("job execution timeout")

// retryable reports whether a failed attempt should run again.
func (s *Scheduler) retryable(ctx context.Context, name string, res executor.Result) bool {
	if res.Succeeded() || ctx.Err() != nil {
		return false
	}
	n, _ := s.graph.Node(name)
	st, _ := s.table.Get(name)
	r := n.Job.Retry
	if st.Attempts > r.Max {
		return false
	}
	if len(r.When) == 0 {
		return true
	}
	for _, w := range r.When {
		switch w {
		case "always":
			return true
		case "script_failure":
			if res.Err == nil {
				return true
			}
		case "job_execution_timeout":
			if errors.Is(res.Err, ErrTimeout) {
				return true
			}
		case "runner_system_failure", "unknown_failure":
			if res.Err != nil && !errors.Is(res.Err, ErrTimeout) {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) job(name string) *core.Job {
	n, _ := s.graph.Node(name)
	return n.Job
}

func (s *Scheduler) emit(name string, reason string) {
	j := s.job(name)
	st, _ := s.table.Get(name)
	e := report.Event{Job: name, Stage: j.Stage, Type: report.StatusEvent, Status: string(st.Status), Reason: reason, Attempt: st.Attempts, ExitCode: st.ExitCode}
	if st.Status.Terminal() {
		e.Duration = st.Duration()
	}
	s.sink.Emit(e)
}

func (s *Scheduler) warn(j *core.Job, msg string) {
	s.logger.Warn(msg, zap.String("job", j.Name))
	s.sink.Emit(report.Event{Job: j.Name, Stage: j.Stage, Type: report.WarningEvent, Line: msg})
}

func (s *Scheduler) mustTransition(name string, to Status, update func(*State)) {
	if err := s.table.transition(name, to, update); err != nil {
		// the coordinator owns every transition, so this is a programming error
		panic(err)
	}
}

func (s *Scheduler) skip(name, reason string, failedUpstream bool) {
	s.mustTransition(name, Skipped, func(st *State) {
		st.Reason = reason
		st.FailedUpstream = failedUpstream
	})
	s.logger.Debug("job skipped", zap.String("job", name), zap.String("reason", reason))
	s.emit(name, reason)
}

func (s *Scheduler) fail(name string, err error) {
	now := time.Now()
	s.mustTransition(name, Failed, func(st *State) {
		st.Err = err
		st.ExitCode = -1
		st.Reason = err.Error()
		st.Started, st.Finished = now, now
	})
	s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
	s.emit(name, err.Error())
}

func (s *Scheduler) start(name string) {
	s.mustTransition(name, Running, func(st *State) {
		st.Attempts++
		if st.Started.IsZero() {
			st.Started = time.Now()
		}
	})
	s.emit(name, "")
}

func (s *Scheduler) retry(name string, res executor.Result) {
	s.mustTransition(name, Retry, func(st *State) {
		st.ExitCode = res.ExitCode
		st.Err = res.Err
	})
	st, _ := s.table.Get(name)
	s.logger.Info("retrying job", zap.String("job", name), zap.Int("attempt", st.Attempts), zap.Int("exit_code", res.ExitCode))
	s.emit(name, fmt.Sprintf("attempt %d failed with exit code %d", st.Attempts, res.ExitCode))
}

func (s *Scheduler) finish(name string, res executor.Result, p plan) {
	now := time.Now()
	if res.Succeeded() {
		s.mustTransition(name, Success, func(st *State) {
			st.ExitCode = 0
			st.Err = nil
			st.Finished = now
			st.Dotenv = res.Dotenv
		})
		s.emit(name, "")
		return
	}
	allowed := p.allowFailure.Allows(res.ExitCode)
	reason := fmt.Sprintf("exit code %d", res.ExitCode)
	if res.Err != nil {
		reason = res.Err.Error()
	}
	if allowed {
		reason += ", allowed to fail"
	}
	s.mustTransition(name, Failed, func(st *State) {
		st.ExitCode = res.ExitCode
		st.Err = res.Err
		st.AllowedFailure = allowed
		st.Reason = reason
		st.Finished = now
		st.Dotenv = res.Dotenv
		if st.Started.IsZero() {
			st.Started = now
		}
	})
	s.emit(name, reason)
}

func (s *Scheduler) summary() *Summary {
	sum := &Summary{}
	for _, name := range s.order {
		st, _ := s.table.Get(name)
		sum.Jobs = append(sum.Jobs, JobSummary{Name: name, Stage: s.job(name).Stage, State: st})
		if st.Status == Failed && !st.AllowedFailure {
			sum.Failed = true
		}
	}
	return sum
}
