package executor

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"localci/internal/core"
	"localci/internal/mutex"
)

const containerCAPath = "/etc/ssl/certs/localci-ca.crt"

func containerProjectDir(projectDir string) string {
	return path.Join("/builds", filepath.Base(projectDir))
}

// containerCommand builds a `<executable> run` invocation. Variable values
// travel through the client environment (-e NAME) rather than the argument list.
func (e *JobExecutor) containerCommand(j *core.Job, ws string, env map[string]string, caches []string, script string) Command {
	workdir := containerProjectDir(e.opts.ProjectDir)
	name := fmt.Sprintf("localci-%s-%s", sanitizeName(j.Name), uuid.NewString()[:8])
	args := []string{e.opts.ContainerExecutable, "run", "--rm", "--name", name, "-w", workdir, "-v", ws + ":" + workdir}

	if e.opts.MACAddress != "" {
		args = append(args, "--mac-address", e.opts.MACAddress)
	}
	if e.opts.CAFile != "" {
		args = append(args, "-v", e.opts.CAFile+":"+containerCAPath+":ro")
		env = core.Layer(env, map[string]string{"CI_SERVER_TLS_CA_FILE": containerCAPath})
	}
	for _, m := range e.cacheMounts(j, caches) {
		args = append(args, "-v", m.host+":"+path.Join(workdir, m.rel))
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k)
	}

	if ep := j.Image.Entrypoint; len(ep) > 0 {
		args = append(args, "--entrypoint", ep[0])
	}
	args = append(args, j.Image.Name, "sh", "-c", script)

	return Command{
		Args: args,
		Dir:  e.opts.ProjectDir,
		Env:  append(os.Environ(), core.Environ(env)...),
		Kind: Container,
	}
}

type cacheMount struct {
	host string
	rel  string
}

// cacheMounts lists the cache directories bind mounted into j's container.
func (e *JobExecutor) cacheMounts(j *core.Job, caches []string) []cacheMount {
	var mounts []cacheMount
	for i, c := range j.Cache {
		if !e.mounted(j, c) {
			continue
		}
		for _, p := range c.Paths {
			rel := strings.TrimSuffix(strings.TrimPrefix(p, "./"), "/")
			mounts = append(mounts, cacheMount{
				host: filepath.Join(e.store.CacheDir(caches[i]), filepath.FromSlash(rel)),
				rel:  rel,
			})
		}
	}
	return mounts
}

// createCacheMounts makes sure every mounted cache directory exists on the host.
func (e *JobExecutor) createCacheMounts(j *core.Job, caches []string) error {
	for _, m := range e.cacheMounts(j, caches) {
		if err := os.MkdirAll(m.host, 0o755); err != nil {
			return fmt.Errorf("cache mount %s of %s: %w", m.rel, j.Name, err)
		}
	}
	return nil
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

// imagePuller makes sure images exist, one pull per image at a time.
type imagePuller struct {
	exe   string
	proc  Process
	locks *mutex.Manager

	mu     sync.Mutex
	pulled map[string]bool
}

func newImagePuller(exe string, proc Process, locks *mutex.Manager) *imagePuller {
	return &imagePuller{exe: exe, proc: proc, locks: locks, pulled: map[string]bool{}}
}

func (p *imagePuller) ensure(ctx context.Context, image string, policy PullPolicy, out func(string)) error {
	if policy == PullNever {
		return nil
	}
	return p.locks.Exclusive(ctx, "image:"+image, func() error {
		p.mu.Lock()
		done := p.pulled[image]
		p.mu.Unlock()
		if done {
			return nil
		}
		if policy == PullIfNotPresent {
			code, err := p.proc.Execute(ctx, Command{Args: []string{p.exe, "image", "inspect", image}, Kind: Container}, nil)
			if err != nil {
				return fmt.Errorf("inspect image %s: %w", image, err)
			}
			if code == 0 {
				p.markPulled(image)
				return nil
			}
		}
		out(fmt.Sprintf("Pulling image %s", image))
		code, err := p.proc.Execute(ctx, Command{Args: []string{p.exe, "pull", image}, Kind: Container}, out)
		if err != nil {
			return fmt.Errorf("pull image %s: %w", image, err)
		}
		if code != 0 {
			return fmt.Errorf("pull image %s: exit code %d", image, code)
		}
		p.markPulled(image)
		return nil
	})
}

func (p *imagePuller) markPulled(image string) {
	p.mu.Lock()
	p.pulled[image] = true
	p.mu.Unlock()
}

// PrefetchImages pulls the images of jobs ahead of time, a few at a time.
// Failures are logged and left for the job itself to report.
func (e *JobExecutor) PrefetchImages(ctx context.Context, jobs []*core.Job) {
	if e.opts.PullPolicy == PullNever {
		return
	}
	seen := map[string]bool{}
	var g errgroup.Group
	g.SetLimit(4)
	for _, j := range jobs {
		if !usesContainer(j) || seen[j.Image.Name] {
			continue
		}
		seen[j.Image.Name] = true
		image := j.Image.Name
		g.Go(func() error {
			err := e.images.ensure(ctx, image, e.opts.PullPolicy, func(line string) {
				e.logger.Debug(line, zap.String("image", image))
			})
			if err != nil {
				e.logger.Warn("image prefetch failed", zap.String("image", image), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
