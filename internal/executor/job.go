package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"localci/internal/core"
	"localci/internal/mutex"
	"localci/internal/transfer"
	"localci/pkg/utils"
)

// PullPolicy controls image pulls before container jobs.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
	PullNever        PullPolicy = "never"
)

// Options configure how jobs are run.
type Options struct {
	ProjectDir          string
	StateDir            string
	ShellIsolation      bool
	PullPolicy          PullPolicy
	ContainerExecutable string
	MountCache          bool
	CAFile              string
	MACAddress          string
	AfterScriptTimeout  time.Duration
}

// Task is one attempt of a job.
type Task struct {
	Job           *core.Job
	Env           map[string]string
	ArtifactsFrom []string
	Attempt       int
}

// Result is the outcome of one attempt. Err is set when the process could
// not produce an exit status (missing executable, timeout).
type Result struct {
	ExitCode int
	Err      error
	Dotenv   map[string]string
}

func (r Result) Succeeded() bool { return r.Err == nil && r.ExitCode == 0 }

// JobExecutor runs the body of a job: workspace preparation, artifact and
// cache restore, scripts, then cache and artifact saves.
type JobExecutor struct {
	opts   Options
	proc   Process
	store  *transfer.Store
	locks  *mutex.Manager
	logger *zap.Logger
	images *imagePuller
}

func NewJobExecutor(opts Options, proc Process, store *transfer.Store, locks *mutex.Manager, logger *zap.Logger) *JobExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = mutex.NewManager()
	}
	if opts.ContainerExecutable == "" {
		opts.ContainerExecutable = "docker"
	}
	if opts.PullPolicy == "" {
		opts.PullPolicy = PullIfNotPresent
	}
	if opts.AfterScriptTimeout == 0 {
		opts.AfterScriptTimeout = 5 * time.Minute
	}
	return &JobExecutor{
		opts:   opts,
		proc:   proc,
		store:  store,
		locks:  locks,
		logger: logger,
		images: newImagePuller(opts.ContainerExecutable, proc, locks),
	}
}

func usesContainer(j *core.Job) bool {
	return j.Image != nil && j.Image.Name != ""
}

// Workspace is the directory job runs in.
func (e *JobExecutor) Workspace(j *core.Job) string {
	if usesContainer(j) || e.opts.ShellIsolation {
		return filepath.Join(e.opts.StateDir, "builds", utils.SafeName(j.Name))
	}
	return e.opts.ProjectDir
}

// Run executes one attempt of t.Job. Output lines go to out.
func (e *JobExecutor) Run(ctx context.Context, t Task, out func(string)) Result {
	j := t.Job
	expand := func(s string) string { return core.Expand(s, core.Lookup(t.Env)) }
	warn := func(msg string) {
		out(msg)
		e.logger.Warn(msg, zap.String("job", j.Name))
	}

	ws, err := e.prepareWorkspace(j)
	if err != nil {
		return Result{ExitCode: -1, Err: err}
	}
	env := core.Layer(t.Env, map[string]string{"CI_PROJECT_DIR": e.projectDirIn(j, ws), "CI_BUILDS_DIR": filepath.Dir(e.projectDirIn(j, ws))})

	for _, producer := range t.ArtifactsFrom {
		ok, err := e.store.RestoreArtifacts(producer, ws)
		if err != nil {
			return Result{ExitCode: -1, Err: err}
		}
		if ok {
			out(fmt.Sprintf("Downloaded artifacts from %s", producer))
		}
	}

	if len(j.Services) > 0 {
		warn(fmt.Sprintf("WARNING: %s declares services (%s), which are not started locally", j.Name, strings.Join(j.Services, ", ")))
	}

	caches, err := e.cacheKeys(j, ws, expand)
	if err != nil {
		return Result{ExitCode: -1, Err: err}
	}
	for i, c := range j.Cache {
		if !c.Policy.Pulls() || e.mounted(j, c) {
			continue
		}
		found, err := e.store.PullCache(ctx, caches[i], ws)
		if err != nil {
			return Result{ExitCode: -1, Err: err}
		}
		if found {
			out(fmt.Sprintf("Restored cache %s", caches[i]))
		} else {
			out(fmt.Sprintf("No cache found for %s", caches[i]))
		}
	}

	if usesContainer(j) {
		if err := e.images.ensure(ctx, j.Image.Name, e.opts.PullPolicy, out); err != nil {
			return Result{ExitCode: -1, Err: err}
		}
		if err := e.createCacheMounts(j, caches); err != nil {
			return Result{ExitCode: -1, Err: err}
		}
	}

	commands := append(append([]string{}, j.BeforeScript...), j.Script...)
	code, runErr := e.proc.Execute(ctx, e.command(j, ws, env, caches, BuildScript(commands)), out)
	res := Result{ExitCode: code, Err: runErr}
	status := "success"
	if !res.Succeeded() {
		status = "failed"
	}

	if len(j.AfterScript) > 0 {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.AfterScriptTimeout)
		aenv := core.Layer(env, map[string]string{"CI_JOB_STATUS": status})
		acode, aerr := e.proc.Execute(actx, e.command(j, ws, aenv, caches, BuildScript(j.AfterScript)), out)
		cancel()
		if aerr != nil || acode != 0 {
			warn(fmt.Sprintf("WARNING: after_script of %s failed (exit %d), ignored", j.Name, acode))
		}
	}

	for i, c := range j.Cache {
		if !c.Policy.Pushes() || e.mounted(j, c) || !whenMatches(c.When, res.Succeeded()) {
			continue
		}
		if err := e.store.PushCache(context.WithoutCancel(ctx), caches[i], expandPaths(c.Paths, expand), ws, warn); err != nil {
			warn(fmt.Sprintf("WARNING: %s", err))
		} else {
			out(fmt.Sprintf("Saved cache %s", caches[i]))
		}
	}

	if j.Artifacts != nil && whenMatches(j.Artifacts.When, res.Succeeded()) {
		dotenv, err := e.store.SaveArtifacts(j.Name, j.Artifacts, ws, expand, warn)
		if err != nil {
			warn(fmt.Sprintf("WARNING: %s", err))
		}
		res.Dotenv = dotenv
	}
	return res
}

func whenMatches(w core.When, succeeded bool) bool {
	switch w {
	case core.Always:
		return true
	case core.OnFailure:
		return !succeeded
	default:
		return succeeded
	}
}

func expandPaths(paths []string, expand func(string) string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = expand(p)
	}
	return out
}

func (e *JobExecutor) cacheKeys(j *core.Job, ws string, expand func(string) string) ([]string, error) {
	keys := make([]string, len(j.Cache))
	for i, c := range j.Cache {
		k, err := transfer.CacheKey(c, ws, expand)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

// mounted reports whether the cache is bind mounted instead of copied.
func (e *JobExecutor) mounted(j *core.Job, c core.CacheSpec) bool {
	if !e.opts.MountCache || !usesContainer(j) {
		return false
	}
	for _, p := range c.Paths {
		if strings.ContainsAny(p, "*?[{") {
			return false
		}
	}
	return true
}

// prepareWorkspace gives isolated jobs a fresh copy of the project.
func (e *JobExecutor) prepareWorkspace(j *core.Job) (string, error) {
	ws := e.Workspace(j)
	if ws == e.opts.ProjectDir {
		return ws, nil
	}
	if err := os.RemoveAll(ws); err != nil {
		return "", fmt.Errorf("reset workspace of %s: %w", j.Name, err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", err
	}
	rels, err := transfer.Collect(e.opts.ProjectDir, []string{"."}, []string{e.stateDirRel() + "/"})
	if err != nil {
		return "", fmt.Errorf("copy project into workspace of %s: %w", j.Name, err)
	}
	if err := transfer.CopyFiles(e.opts.ProjectDir, ws, rels); err != nil {
		return "", fmt.Errorf("copy project into workspace of %s: %w", j.Name, err)
	}
	return ws, nil
}

func (e *JobExecutor) stateDirRel() string {
	rel, err := filepath.Rel(e.opts.ProjectDir, e.opts.StateDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ".localci-local"
	}
	return filepath.ToSlash(rel)
}

func (e *JobExecutor) projectDirIn(j *core.Job, ws string) string {
	if usesContainer(j) {
		return containerProjectDir(e.opts.ProjectDir)
	}
	return ws
}

func (e *JobExecutor) command(j *core.Job, ws string, env map[string]string, caches []string, script string) Command {
	if usesContainer(j) {
		return e.containerCommand(j, ws, env, caches, script)
	}
	return Command{
		Args:        []string{"sh", "-c", script},
		Dir:         ws,
		Env:         append(os.Environ(), core.Environ(env)...),
		Kind:        Shell,
		Interactive: j.Interactive,
	}
}
