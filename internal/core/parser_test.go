package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localci/internal/cierrors"
	"localci/internal/document"
)

func parse(t *testing.T, src string) (*Pipeline, error) {
	t.Helper()
	doc, err := document.Decode([]byte(src))
	require.NoError(t, err)
	return Parse(doc)
}

func TestParseStagesAndDefaults(t *testing.T) {
	p, err := parse(t, `
variables:
  GLOBAL: g
  DESCRIBED: {value: d, description: shown in forms}
build-job:
  stage: build
  script: make
test-job:
  script: [go test]
.hidden:
  script: [never runs]
`)
	require.NoError(t, err)

	assert.Equal(t, []string{".pre", "build", "test", "deploy", ".post"}, p.Stages)
	require.Len(t, p.Jobs, 2)
	assert.Equal(t, "build-job", p.Jobs[0].Name)
	assert.Equal(t, 0, p.Jobs[0].Index)
	test, ok := p.Job("test-job")
	require.True(t, ok)
	assert.Equal(t, "test", test.Stage)
	assert.Equal(t, OnSuccess, test.When)
	assert.Equal(t, map[string]string{"GLOBAL": "g", "DESCRIBED": "d"}, p.Variables)
	assert.Equal(t, 3, p.StageIndex("deploy"))
}

func TestParseRejectsRepeatedStage(t *testing.T) {
	_, err := parse(t, `
stages: [build, test, build]
unit:
  stage: test
  script: go test
`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cierrors.ErrDuplicateStage))
	var ce *cierrors.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "build", ce.Stage)
	assert.Contains(t, err.Error(), "build")
}

func TestParseJobKeywords(t *testing.T) {
	p, err := parse(t, `
stages: [build, test]
a:
  stage: build
  image: {name: alpine:3, entrypoint: [""]}
  script: [echo a]
b:
  stage: test
  needs: [a, {job: c, optional: true, artifacts: false}, {pipeline: other, job: x}]
  dependencies: [a]
  retry: {max: 2}
  allow_failure: {exit_codes: [42, 43]}
  timeout: 1h 30m
  cache:
    - key: {files: [go.sum]}
      paths: [.cache/]
      policy: pull
  artifacts:
    paths: [out/]
    exclude: [out/*.tmp]
    reports: {dotenv: build.env}
  resource_group: deploy
  script:
    - [echo one, [echo two]]
    - echo three
`)
	require.NoError(t, err)

	a, _ := p.Job("a")
	require.NotNil(t, a.Image)
	assert.Equal(t, "alpine:3", a.Image.Name)
	assert.Equal(t, []string{""}, a.Image.Entrypoint)

	b, _ := p.Job("b")
	assert.True(t, b.HasNeeds)
	require.Len(t, b.Needs, 3)
	assert.Equal(t, Need{Job: "a", Artifacts: true}, b.Needs[0])
	assert.Equal(t, Need{Job: "c", Optional: true}, b.Needs[1])
	assert.True(t, b.Needs[2].CrossPipeline())
	assert.Equal(t, []string{"a"}, b.Dependencies)
	assert.Equal(t, 2, b.Retry.Max)
	assert.True(t, b.AllowFailure.Allows(42))
	assert.False(t, b.AllowFailure.Allows(1))
	assert.Equal(t, 90*time.Minute, b.Timeout)
	require.Len(t, b.Cache, 1)
	assert.Equal(t, []string{"go.sum"}, b.Cache[0].Key.Files)
	assert.Equal(t, Pull, b.Cache[0].Policy)
	assert.Equal(t, OnSuccess, b.Cache[0].When)
	require.NotNil(t, b.Artifacts)
	assert.Equal(t, []string{"out/*.tmp"}, b.Artifacts.Exclude)
	assert.Equal(t, StringList{"build.env"}, b.Artifacts.Reports.Dotenv)
	assert.Equal(t, OnSuccess, b.Artifacts.When)
	assert.Equal(t, "deploy", b.ResourceGroup)
	assert.Equal(t, []string{"echo one", "echo two", "echo three"}, b.Script)
}

func TestParseCachePolicies(t *testing.T) {
	p, err := parse(t, `
j:
  script: [x]
  cache:
    - {key: a, paths: [a], policy: push-pull}
    - {key: b, paths: [b], policy: push, when: always}
    - {paths: [c]}
`)
	require.NoError(t, err)
	j, _ := p.Job("j")
	require.Len(t, j.Cache, 3)
	assert.Equal(t, PullPush, j.Cache[0].Policy)
	assert.Equal(t, Push, j.Cache[1].Policy)
	assert.Equal(t, Always, j.Cache[1].When)
	assert.Equal(t, "default", j.Cache[2].Key.Literal)
}

func TestParseInvalidCachePaths(t *testing.T) {
	_, err := parse(t, `
j:
  script: [x]
  cache: {key: a, paths: not-a-list}
`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cierrors.ErrInvalidCache))
}

func TestParseDecorators(t *testing.T) {
	p, err := parse(t, `
# @Interactive
# @Description opens a shell
shell:
  when: manual
  script: [bash]
`)
	require.NoError(t, err)
	j, _ := p.Job("shell")
	assert.True(t, j.Interactive)
	assert.Equal(t, "opens a shell", j.Description)
	assert.True(t, j.AllowFailure.Enabled)
}

func TestParseRulesFlattensReferencesAndWorkflow(t *testing.T) {
	p, err := parse(t, `
workflow:
  rules:
    - if: $CI_COMMIT_BRANCH == "main"
j:
  script: [x]
  rules:
    - [{if: $A, when: manual}]
    - when: never
`)
	require.NoError(t, err)
	require.NotNil(t, p.Workflow)
	require.Len(t, p.Workflow.Rules, 1)
	j, _ := p.Job("j")
	require.Len(t, j.Rules, 2)
	assert.Equal(t, Manual, j.Rules[0].When)
	assert.Equal(t, Never, j.Rules[1].When)
}

func TestParseTrigger(t *testing.T) {
	p, err := parse(t, `child: {trigger: {include: child.yml}}`)
	require.NoError(t, err)
	j, _ := p.Job("child")
	assert.True(t, j.Trigger)
	assert.NoError(t, ValidateJob(j))
}

func TestParseUnknownWhen(t *testing.T) {
	_, err := parse(t, `j: {script: [x], when: sometimes}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cierrors.ErrInvalidWhen))
}

func TestParseInheritVariables(t *testing.T) {
	p, err := parse(t, `
variables: {A: "1", B: "2"}
none: {script: [x], inherit: {variables: false}}
some: {script: [x], inherit: {variables: [B]}, variables: {C: "3"}}
`)
	require.NoError(t, err)
	none, _ := p.Job("none")
	some, _ := p.Job("some")
	assert.Empty(t, p.JobVariables(none))
	assert.Equal(t, map[string]string{"B": "2", "C": "3"}, p.JobVariables(some))
}
