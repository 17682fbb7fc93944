package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"localci/internal/core"
	"localci/internal/document"
	"localci/internal/executor"
	"localci/internal/graph"
	"localci/internal/mutex"
	"localci/internal/report"
)

// fakeRunner answers attempts from a per-job script and records what it saw.
type fakeRunner struct {
	mu       sync.Mutex
	respond  map[string]func(ctx context.Context, t executor.Task) executor.Result
	order    []string
	envs     map[string]map[string]string
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{respond: map[string]func(context.Context, executor.Task) executor.Result{}, envs: map[string]map[string]string{}}
}

func (f *fakeRunner) exit(job string, code int) {
	f.respond[job] = func(context.Context, executor.Task) executor.Result { return executor.Result{ExitCode: code} }
}

func (f *fakeRunner) Run(ctx context.Context, t executor.Task, out func(string)) executor.Result {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxSeen)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxSeen, cur, n) {
			break
		}
	}
	f.mu.Lock()
	f.order = append(f.order, t.Job.Name)
	f.envs[t.Job.Name] = t.Env
	respond := f.respond[t.Job.Name]
	f.mu.Unlock()

	out("running " + t.Job.Name)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if respond == nil {
		return executor.Result{}
	}
	return respond(ctx, t)
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.order...)
}

type fixture struct {
	graph  *graph.Graph
	runner *fakeRunner
	rec    *report.Recorder
}

func setup(t *testing.T, src string) *fixture {
	t.Helper()
	doc, err := document.Decode([]byte(src))
	require.NoError(t, err)
	p, err := core.Parse(doc)
	require.NoError(t, err)
	g, err := graph.Build(p)
	require.NoError(t, err)
	return &fixture{graph: g, runner: newFakeRunner(), rec: &report.Recorder{}}
}

func (f *fixture) run(t *testing.T, opts Options, names ...string) *Summary {
	t.Helper()
	set, err := f.graph.Select(names, len(names) > 0)
	require.NoError(t, err)
	if opts.Env == nil {
		opts.Env = func(j *core.Job) map[string]string { return f.graph.Pipeline.JobVariables(j) }
	}
	s := New(f.graph, set, f.runner, mutex.NewManager(), f.rec, opts, zaptest.NewLogger(t))
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	return sum
}

func status(t *testing.T, sum *Summary, name string) State {
	t.Helper()
	j, ok := sum.Job(name)
	require.True(t, ok, name)
	return j.State
}

func TestFailureSkipsSuccessors(t *testing.T) {
	f := setup(t, `
stages: [build, test, deploy]
build: {stage: build, script: [make]}
unit: {stage: test, script: [test]}
deploy: {stage: deploy, script: [ship]}
cleanup: {stage: deploy, script: [clean], when: on_failure}
notify: {stage: deploy, script: [mail], when: always}
`)
	f.runner.exit("build", 2)

	sum := f.run(t, Options{})

	assert.True(t, sum.Failed)
	assert.Equal(t, Failed, status(t, sum, "build").Status)
	assert.Equal(t, 2, status(t, sum, "build").ExitCode)
	for _, name := range []string{"unit", "deploy"} {
		st := status(t, sum, name)
		assert.Equal(t, Skipped, st.Status, name)
		assert.True(t, st.FailedUpstream, name)
	}
	assert.Equal(t, Success, status(t, sum, "cleanup").Status)
	assert.Equal(t, Success, status(t, sum, "notify").Status)
	assert.ElementsMatch(t, []string{"build", "cleanup", "notify"}, f.runner.ran())
}

func TestOnFailureSkippedWhenAllPass(t *testing.T) {
	f := setup(t, `
stages: [build, deploy]
build: {stage: build, script: [make]}
cleanup: {stage: deploy, script: [clean], when: on_failure}
`)
	sum := f.run(t, Options{})

	assert.False(t, sum.Failed)
	assert.Equal(t, Skipped, status(t, sum, "cleanup").Status)
	assert.Equal(t, "no upstream failure", status(t, sum, "cleanup").Reason)
}

func TestAllowFailure(t *testing.T) {
	f := setup(t, `
stages: [build, test]
lint: {stage: build, script: [lint], allow_failure: true}
flaky: {stage: build, script: [x], allow_failure: {exit_codes: [3]}}
unit: {stage: test, script: [test]}
`)
	f.runner.exit("lint", 1)
	f.runner.exit("flaky", 3)

	sum := f.run(t, Options{})

	assert.False(t, sum.Failed)
	assert.True(t, status(t, sum, "lint").AllowedFailure)
	assert.True(t, status(t, sum, "flaky").AllowedFailure)
	assert.Equal(t, Success, status(t, sum, "unit").Status)
}

func TestAllowFailureExitCodeMismatch(t *testing.T) {
	f := setup(t, `
stages: [build, test]
flaky: {stage: build, script: [x], allow_failure: {exit_codes: [3]}}
unit: {stage: test, script: [test]}
`)
	f.runner.exit("flaky", 4)

	sum := f.run(t, Options{})

	assert.True(t, sum.Failed)
	assert.False(t, status(t, sum, "flaky").AllowedFailure)
	assert.Equal(t, Skipped, status(t, sum, "unit").Status)
}

func TestRetry(t *testing.T) {
	f := setup(t, `
flaky: {script: [x], retry: 2}
`)
	var calls int32
	f.runner.respond["flaky"] = func(context.Context, executor.Task) executor.Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return executor.Result{ExitCode: 1}
		}
		return executor.Result{}
	}

	sum := f.run(t, Options{})

	st := status(t, sum, "flaky")
	assert.Equal(t, Success, st.Status)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, []string{"running", "retry", "running", "retry", "running", "success"}, f.rec.Statuses("flaky"))
}

func TestRetryWhenFiltersFailureKind(t *testing.T) {
	f := setup(t, `
broken: {script: [x], retry: {max: 2, when: [runner_system_failure]}}
`)
	f.runner.exit("broken", 1)

	sum := f.run(t, Options{})

	assert.Equal(t, 1, status(t, sum, "broken").Attempts)
	assert.Equal(t, Failed, status(t, sum, "broken").Status)
}

func TestManualJobs(t *testing.T) {
	src := `
stages: [deploy, verify]
deploy: {stage: deploy, script: [ship], when: manual}
verify: {stage: verify, script: [check]}
`
	f := setup(t, src)
	sum := f.run(t, Options{})
	assert.Equal(t, Skipped, status(t, sum, "deploy").Status)
	assert.False(t, status(t, sum, "deploy").FailedUpstream)
	assert.Equal(t, Success, status(t, sum, "verify").Status)

	f = setup(t, src)
	sum = f.run(t, Options{Manual: []string{"deploy"}})
	assert.Equal(t, Success, status(t, sum, "deploy").Status)
	assert.Equal(t, []string{"deploy", "verify"}, f.runner.ran())
}

func TestRulesAndDotenvReachEnvironment(t *testing.T) {
	f := setup(t, `
stages: [build, deploy]
variables: {TARGET: staging}
build: {stage: build, script: [make]}
deploy:
  stage: deploy
  script: [ship]
  rules:
    - if: '$BUILD_VERSION == "1.2.3"'
      variables: {TARGET: prod}
skipped:
  stage: deploy
  script: [x]
  rules:
    - if: '$CI_COMMIT_BRANCH == "main"'
`)
	f.runner.respond["build"] = func(context.Context, executor.Task) executor.Result {
		return executor.Result{Dotenv: map[string]string{"BUILD_VERSION": "1.2.3"}}
	}

	sum := f.run(t, Options{Overrides: map[string]string{"CI_COMMIT_BRANCH": "feature"}})

	assert.Equal(t, Success, status(t, sum, "deploy").Status)
	assert.Equal(t, "prod", f.runner.envs["deploy"]["TARGET"])
	assert.Equal(t, "1.2.3", f.runner.envs["deploy"]["BUILD_VERSION"])
	assert.Equal(t, Skipped, status(t, sum, "skipped").Status)
	assert.Equal(t, "when: never", status(t, sum, "skipped").Reason)
}

func TestConcurrencyLimit(t *testing.T) {
	f := setup(t, `
a: {script: [x]}
b: {script: [x]}
c: {script: [x]}
d: {script: [x]}
e: {script: [x]}
`)
	f.runner.delay = 20 * time.Millisecond

	sum := f.run(t, Options{Concurrency: 2})

	assert.False(t, sum.Failed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.runner.maxSeen))
	assert.Len(t, f.runner.ran(), 5)
}

func TestDeclarationOrderWithSingleSlot(t *testing.T) {
	f := setup(t, `
stages: [build, test]
z: {stage: test, script: [x]}
a: {stage: build, script: [x]}
m: {stage: build, script: [x]}
`)
	f.run(t, Options{Concurrency: 1})
	assert.Equal(t, []string{"a", "m", "z"}, f.runner.ran())
}

func TestResourceGroupSerializes(t *testing.T) {
	f := setup(t, `
one: {script: [x], resource_group: prod}
two: {script: [x], resource_group: prod}
`)
	f.runner.delay = 20 * time.Millisecond

	f.run(t, Options{})

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.runner.maxSeen))
}

func TestTimeout(t *testing.T) {
	f := setup(t, `
slow: {script: [sleep 100]}
`)
	f.runner.respond["slow"] = func(ctx context.Context, _ executor.Task) executor.Result {
		<-ctx.Done()
		return executor.Result{ExitCode: -1, Err: ctx.Err()}
	}

	sum := f.run(t, Options{DefaultTimeout: 20 * time.Millisecond})

	st := status(t, sum, "slow")
	assert.Equal(t, Failed, st.Status)
	assert.True(t, errors.Is(st.Err, ErrTimeout))
	assert.Contains(t, f.rec.Lines("slow"), "ERROR: Job failed: execution took longer than 20ms")
}

func TestSelectionIgnoresUnselectedPredecessors(t *testing.T) {
	f := setup(t, `
stages: [build, test]
build: {stage: build, script: [make]}
unit: {stage: test, script: [test]}
`)
	set := map[string]bool{"unit": true}
	s := New(f.graph, set, f.runner, nil, f.rec, Options{}, zaptest.NewLogger(t))
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"unit"}, f.runner.ran())
	assert.Len(t, sum.Jobs, 1)
}

func TestTriggerJobsAreSkipped(t *testing.T) {
	f := setup(t, `
downstream: {trigger: group/other}
`)
	sum := f.run(t, Options{})

	assert.Equal(t, Skipped, status(t, sum, "downstream").Status)
	assert.Empty(t, f.runner.ran())
	var warned bool
	for _, e := range f.rec.Events() {
		warned = warned || e.Type == report.WarningEvent
	}
	assert.True(t, warned)
}

func TestCancelledRunSkipsPending(t *testing.T) {
	f := setup(t, `
a: {script: [x]}
`)
	set, err := f.graph.Select(nil, false)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := New(f.graph, set, f.runner, nil, f.rec, Options{}, zaptest.NewLogger(t)).Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "pipeline cancelled", status(t, sum, "a").Reason)
	assert.Empty(t, f.runner.ran())
}

func TestTransitions(t *testing.T) {
	tbl := newTable([]string{"j"})
	require.NoError(t, tbl.transition("j", Running, nil))
	assert.Error(t, tbl.transition("j", Pending, nil))
	require.NoError(t, tbl.transition("j", Retry, nil))
	require.NoError(t, tbl.transition("j", Running, nil))
	require.NoError(t, tbl.transition("j", Success, nil))
	assert.Error(t, tbl.transition("j", Running, nil))
	assert.Error(t, tbl.transition("missing", Running, nil))
}
