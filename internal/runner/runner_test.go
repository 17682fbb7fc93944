package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"localci/internal/cierrors"
	"localci/internal/config"
	"localci/internal/journal"
	"localci/internal/scheduler"
	"localci/internal/storage"
)

type staticVars map[string]string

func (s staticVars) Predefined(context.Context) map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func project(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func newRunner(t *testing.T, dir string, mutate func(*config.Config)) (*Runner, *config.Config, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default(dir)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	var out bytes.Buffer
	r := New(cfg, zaptest.NewLogger(t),
		WithOutput(&out),
		WithGit(staticVars{"CI_COMMIT_BRANCH": "main", "CI_COMMIT_REF_NAME": "main"}, nil),
	)
	return r, cfg, &out
}

const pipeline = `
include:
  - local: ci/templates.yml
stages: [build, test]
variables:
  GREETING: hello
build:
  extends: .base
  stage: build
  script:
    - mkdir -p dist
    - echo "$GREETING" > dist/out.txt
    - echo "VERSION=1.2.3" > build.env
  artifacts:
    paths: [dist/]
    reports:
      dotenv: build.env

# @Description runs the checks
test:
  stage: test
  script:
    - !reference [.setup, script]
    - test "$(cat dist/out.txt)" = hello
    - echo "version $VERSION"
`

const templates = `
.base:
  before_script:
    - echo base
.setup:
  script:
    - echo setup
`

func TestRunPipelineEndToEnd(t *testing.T) {
	dir := project(t, map[string]string{".gitlab-ci.yml": pipeline, "ci/templates.yml": templates})
	r, cfg, out := newRunner(t, dir, func(c *config.Config) {
		c.ShellIsolation = true
		c.Journal = true
		c.MetricsFile = "metrics.prom"
	})

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)

	assert.False(t, sum.Failed, out.String())
	for _, name := range []string{"build", "test"} {
		j, ok := sum.Job(name)
		require.True(t, ok)
		assert.Equal(t, scheduler.Success, j.State.Status, name)
	}
	assert.Contains(t, out.String(), "build > base")
	assert.Contains(t, out.String(), "test > setup")
	assert.Contains(t, out.String(), "test > version 1.2.3")
	assert.Contains(t, out.String(), "pipeline finished successfully")

	log, err := os.ReadFile(storage.NewLogStorage(cfg.StateDir).Path("test"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "version 1.2.3")

	j, err := journal.Open(JournalPath(cfg.StateDir), nil)
	require.NoError(t, err)
	assert.Len(t, j.Entries(), 2)
	assert.NoError(t, j.Verify(true))

	metrics, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `localci_jobs_total{stage="test",status="success"} 1`)

	// second run bumps the pipeline counter
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(cfg.StateDir, "state.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipelineIid: 2")
}

func TestRunFailureSkipsLaterStages(t *testing.T) {
	dir := project(t, map[string]string{".gitlab-ci.yml": `
stages: [build, test]
build: {stage: build, script: ["exit 3"]}
test: {stage: test, script: [echo never]}
`})
	r, _, out := newRunner(t, dir, nil)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.Failed)
	b, _ := sum.Job("build")
	assert.Equal(t, 3, b.State.ExitCode)
	tj, _ := sum.Job("test")
	assert.Equal(t, scheduler.Skipped, tj.State.Status)
	assert.Contains(t, out.String(), "pipeline failed")
	assert.NotContains(t, out.String(), "test > never")
}

func TestRunSelectedJobWithNeeds(t *testing.T) {
	dir := project(t, map[string]string{".gitlab-ci.yml": `
stages: [build, test]
build: {stage: build, script: [echo built]}
lint: {stage: build, script: [echo linted]}
test: {stage: test, needs: [build], script: [echo tested]}
`})
	r, _, out := newRunner(t, dir, func(c *config.Config) {
		c.Jobs = []string{"test"}
		c.Needs = true
	})

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, sum.Jobs, 2)
	assert.Contains(t, out.String(), "build > built")
	assert.NotContains(t, out.String(), "linted")
}

func TestWorkflowRulesSkipPipeline(t *testing.T) {
	dir := project(t, map[string]string{".gitlab-ci.yml": `
workflow:
  rules:
    - if: '$CI_COMMIT_BRANCH == "release"'
job: {script: [echo hi]}
`})
	r, _, out := newRunner(t, dir, nil)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Contains(t, out.String(), "Pipeline skipped by workflow:rules")
}

func TestPlanReportsConfigErrors(t *testing.T) {
	dir := project(t, map[string]string{".gitlab-ci.yml": `
test: {script: [x], needs: [missing]}
`})
	r, _, _ := newRunner(t, dir, nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cierrors.ErrUnknownNeed))
	assert.Contains(t, err.Error(), "[test] needs: [missing] could not be found")
}

func TestListAndPreview(t *testing.T) {
	dir := project(t, map[string]string{".gitlab-ci.yml": pipeline, "ci/templates.yml": templates})
	r, _, _ := newRunner(t, dir, nil)

	var list bytes.Buffer
	require.NoError(t, r.List(context.Background(), &list))
	assert.Contains(t, list.String(), "NAME")
	assert.Regexp(t, `test\s+runs the checks\s+test\s+on_success\s+false`, list.String())

	var preview bytes.Buffer
	require.NoError(t, r.Preview(context.Background(), &preview))
	assert.Contains(t, preview.String(), "echo base")
	assert.NotContains(t, preview.String(), "include:")
	assert.NotContains(t, preview.String(), ".setup")
}
