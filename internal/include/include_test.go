package include

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"localci/internal/cierrors"
	"localci/internal/document"
)

func TestResolveRange(t *testing.T) {
	tags := []string{"1.0.0", "1.1.0", "1.1.1", "1.2.0", "1.2.1", "2.0.0", "2.0.1", "2.1.0", "2.2.0-rc", "2.3.0-pre", "non-semver-compliant-tag"}

	tests := []struct {
		expr string
		want string
		ok   bool
	}{
		{expr: "~latest", want: "2.1.0", ok: true},
		{expr: "1", want: "1.2.1", ok: true},
		{expr: "1.1", want: "1.1.1", ok: true},
		{expr: "2.0.0", want: "2.0.0", ok: true},
		{expr: "2.2.0-rc", want: "2.2.0-rc", ok: true},
		{expr: "9999999", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, ok := ResolveRange(tt.expr, tags)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRangeKeepsVPrefix(t *testing.T) {
	got, ok := ResolveRange("1", []string{"v1.0.0", "v1.3.0", "v2.0.0"})
	require.True(t, ok)
	assert.Equal(t, "v1.3.0", got)
}

func TestIsRange(t *testing.T) {
	assert.True(t, IsRange("~latest"))
	assert.True(t, IsRange("1"))
	assert.True(t, IsRange("1.2"))
	assert.True(t, IsRange("v1.2.3"))
	assert.False(t, IsRange("main"))
	assert.False(t, IsRange("feature/1.2"))
}

func TestParseSources(t *testing.T) {
	v, err := document.Decode([]byte(`
include:
  - .ci/a.yml
  - https://example.com/b.yml
  - local: c.yml
  - template: Jobs/Build.gitlab-ci.yml
  - project: group/tools
    ref: "1"
    file: [x.yml, y.yml]
`))
	require.NoError(t, err)
	inc, _ := v.Get("include")

	srcs, err := ParseSources(inc)
	require.NoError(t, err)
	assert.Equal(t, []Source{
		{Kind: Local, Path: ".ci/a.yml"},
		{Kind: Remote, Path: "https://example.com/b.yml"},
		{Kind: Local, Path: "c.yml"},
		{Kind: Template, Path: "Jobs/Build.gitlab-ci.yml"},
		{Kind: Project, Project: "group/tools", Ref: "1", Path: "x.yml"},
		{Kind: Project, Project: "group/tools", Ref: "1", Path: "y.yml"},
	}, srcs)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestResolveLocalIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ci/base.yml", `
stages: [lint, build]
variables: {A: base, B: base}
include: ci/nested.yml
lint:
  stage: lint
  script: [lint]
`)
	writeFile(t, dir, "ci/nested.yml", `
.tmpl:
  image: alpine
`)
	root, err := document.Decode([]byte(`
include: /ci/base.yml
stages: [build, test]
variables: {B: local}
lint:
  script: [lint --strict]
`))
	require.NoError(t, err)

	r := NewResolver(dir, zaptest.NewLogger(t))
	out, err := r.Resolve(context.Background(), root)
	require.NoError(t, err)

	_, hasInclude := out.Get("include")
	assert.False(t, hasInclude)
	stages, _ := out.Get("stages")
	assert.Equal(t, []string{"lint", "build", "test"}, stages.Strings())
	a, _ := document.Lookup(out, []string{"variables", "A"})
	b, _ := document.Lookup(out, []string{"variables", "B"})
	assert.Equal(t, "base", a.String())
	assert.Equal(t, "local", b.String())
	script, _ := document.Lookup(out, []string{"lint", "script"})
	assert.Equal(t, []string{"lint --strict"}, script.Strings())
	stage, _ := document.Lookup(out, []string{"lint", "stage"})
	assert.Equal(t, "lint", stage.String())
	_, ok := out.Get(".tmpl")
	assert.True(t, ok)
}

func TestResolveLocalGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ci/jobs/a.yml", "a: {script: [a]}")
	writeFile(t, dir, "ci/jobs/b.yml", "b: {script: [b]}")
	root, err := document.Decode([]byte(`include: "ci/**/*.yml"`))
	require.NoError(t, err)

	out, err := NewResolver(dir, nil).Resolve(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Map.Keys())
}

func TestResolveMissingLocal(t *testing.T) {
	root, err := document.Decode([]byte(`include: [missing.yml]`))
	require.NoError(t, err)

	_, err = NewResolver(t.TempDir(), nil).Resolve(context.Background(), root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cierrors.ErrInclude))
	assert.Equal(t, "Local include file cannot be found missing.yml", err.Error())
}

func TestResolveIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yml", "include: b.yml")
	writeFile(t, dir, "b.yml", "include: a.yml")
	root, err := document.Decode([]byte(`include: a.yml`))
	require.NoError(t, err)

	_, err = NewResolver(dir, nil).Resolve(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include circular chain detected")
}

type fakeProjects struct {
	tags  []string
	files map[string]string // project@ref:path
}

func (f *fakeProjects) Tags(context.Context, string) ([]string, error) { return f.tags, nil }

func (f *fakeProjects) File(_ context.Context, project, ref, path string) ([]byte, error) {
	data, ok := f.files[fmt.Sprintf("%s@%s:%s", project, ref, path)]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return []byte(data), nil
}

type fakeRemote map[string]string

func (f fakeRemote) Fetch(_ context.Context, url string) ([]byte, error) {
	data, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("404")
	}
	return []byte(data), nil
}

func TestResolveProjectVersionRange(t *testing.T) {
	projects := &fakeProjects{
		tags: []string{"1.0.0", "1.4.0", "2.0.0"},
		files: map[string]string{
			"group/tools@1.4.0:ci.yml":     "include: {local: nested.yml}\nfrom-tools: {script: [x]}",
			"group/tools@1.4.0:nested.yml": "nested: {script: [y]}",
		},
	}
	root, err := document.Decode([]byte(`include: {project: group/tools, ref: "1", file: ci.yml}`))
	require.NoError(t, err)

	r := NewResolver(t.TempDir(), nil)
	r.Projects = projects
	out, err := r.Resolve(context.Background(), root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nested", "from-tools"}, out.Map.Keys())
}

func TestResolveLocalIncludeInsideProjectIsNotACycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci.yml"),
		[]byte("include: {project: group/tools, ref: main, file: entry.yml}\nlocal-job: {script: [a]}"), 0o644))
	projects := &fakeProjects{files: map[string]string{
		"group/tools@main:entry.yml": "include: {local: ci.yml}",
		"group/tools@main:ci.yml":    "tools-job: {script: [b]}",
	}}
	root, err := document.Decode([]byte(`include: ci.yml`))
	require.NoError(t, err)

	r := NewResolver(dir, nil)
	r.Projects = projects
	out, err := r.Resolve(context.Background(), root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"local-job", "tools-job"}, out.Map.Keys())
}

func TestResolveProjectSelfIncludeIsACycle(t *testing.T) {
	projects := &fakeProjects{files: map[string]string{
		"group/tools@main:a.yml": "include: {local: b.yml}",
		"group/tools@main:b.yml": "include: {local: a.yml}",
	}}
	root, err := document.Decode([]byte(`include: {project: group/tools, ref: main, file: a.yml}`))
	require.NoError(t, err)

	r := NewResolver(t.TempDir(), nil)
	r.Projects = projects
	_, err = r.Resolve(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestResolveProjectUnsatisfiedRange(t *testing.T) {
	root, err := document.Decode([]byte(`include: {project: group/tools, ref: "9999999", file: ci.yml}`))
	require.NoError(t, err)

	r := NewResolver(t.TempDir(), nil)
	r.Projects = &fakeProjects{tags: []string{"1.0.0"}}
	_, err = r.Resolve(context.Background(), root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cierrors.ErrInclude))
	assert.Contains(t, err.Error(), "9999999")
}

func TestResolveRemoteAndTemplate(t *testing.T) {
	root, err := document.Decode([]byte(`
include:
  - remote: https://example.com/r.yml
  - template: T.yml
`))
	require.NoError(t, err)

	r := NewResolver(t.TempDir(), nil)
	r.TemplateURL = "https://templates.test/%s"
	r.Remote = fakeRemote{
		"https://example.com/r.yml":    "r: {script: [r]}",
		"https://templates.test/T.yml": "t: {script: [t]}",
	}
	out, err := r.Resolve(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"r", "t"}, out.Map.Keys())
}
