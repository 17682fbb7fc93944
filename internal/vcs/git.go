// Package vcs talks to git: it derives predefined CI variables from the
// working copy and serves project includes from other repositories.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Git runs the git CLI against Dir. Checkouts of other projects are kept
// under CacheDir.
type Git struct {
	Dir      string
	CacheDir string
	// ProjectURL builds the clone URL of a project path. It defaults to the
	// layout of the origin remote.
	ProjectURL func(project string) string

	logger *zap.Logger
	group  singleflight.Group
}

func New(dir, cacheDir string, logger *zap.Logger) *Git {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{Dir: dir, CacheDir: cacheDir, logger: logger}
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// Remote describes where a remote URL points.
type Remote struct {
	Scheme string // ssh, https or http
	User   string
	Host   string
	Path   string // group/project, no .git suffix
}

var scpLike = regexp.MustCompile(`^(?:([^@/]+)@)?([^:/]+):(.+)$`)

// ParseRemote understands URL forms and the scp-like ssh syntax.
func ParseRemote(raw string) (Remote, error) {
	raw = strings.TrimSpace(raw)
	var r Remote
	switch {
	case strings.Contains(raw, "://"):
		scheme, rest, _ := strings.Cut(raw, "://")
		r.Scheme = scheme
		host, path, ok := strings.Cut(rest, "/")
		if !ok {
			return r, fmt.Errorf("remote %q has no path", raw)
		}
		if u, h, ok := strings.Cut(host, "@"); ok {
			r.User, host = u, h
		}
		if i := strings.IndexByte(host, ':'); i >= 0 && r.Scheme == "ssh" {
			host = host[:i]
		}
		r.Host, r.Path = host, path
	default:
		m := scpLike.FindStringSubmatch(raw)
		if m == nil {
			return r, fmt.Errorf("remote %q is not understood", raw)
		}
		r.Scheme, r.User, r.Host, r.Path = "ssh", m[1], m[2], m[3]
	}
	r.Path = strings.TrimSuffix(strings.Trim(r.Path, "/"), ".git")
	if r.Path == "" {
		return r, fmt.Errorf("remote %q has no path", raw)
	}
	return r, nil
}

// URLFor returns a clone URL for project on the same host as r.
func (r Remote) URLFor(project string) string {
	project = strings.Trim(project, "/")
	if r.Scheme == "ssh" {
		user := r.User
		if user == "" {
			user = "git"
		}
		return fmt.Sprintf("%s@%s:%s.git", user, r.Host, project)
	}
	return fmt.Sprintf("%s://%s/%s.git", r.Scheme, r.Host, project)
}

// Origin returns the parsed origin remote of Dir.
func (g *Git) Origin(ctx context.Context) (Remote, error) {
	url, err := g.git(ctx, g.Dir, "remote", "get-url", "origin")
	if err != nil {
		return Remote{}, err
	}
	return ParseRemote(url)
}

func (g *Git) projectURL(ctx context.Context, project string) (string, error) {
	if g.ProjectURL != nil {
		return g.ProjectURL(project), nil
	}
	origin, err := g.Origin(ctx)
	if err != nil {
		return "", fmt.Errorf("project include %s needs an origin remote: %w", project, err)
	}
	return origin.URLFor(project), nil
}

// Tags lists the tag names of project.
func (g *Git) Tags(ctx context.Context, project string) ([]string, error) {
	url, err := g.projectURL(ctx, project)
	if err != nil {
		return nil, err
	}
	out, err := g.git(ctx, g.Dir, "ls-remote", "--tags", "--refs", url)
	if err != nil {
		return nil, err
	}
	return parseTags(out), nil
}

func parseTags(lsRemote string) []string {
	var tags []string
	for _, line := range strings.Split(lsRemote, "\n") {
		_, ref, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		if name, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
			tags = append(tags, name)
		}
	}
	return tags
}

// File reads path from project at ref. Each project and ref is cloned once
// into CacheDir; concurrent callers share the clone.
func (g *Git) File(ctx context.Context, project, ref, path string) ([]byte, error) {
	dir, err := g.checkout(ctx, project, ref)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	rel, err := filepath.Rel(dir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("project include path %s escapes %s", path, project)
	}
	return os.ReadFile(full)
}

func (g *Git) checkout(ctx context.Context, project, ref string) (string, error) {
	key := project + "@" + ref
	dir := filepath.Join(g.CacheDir, sanitize(project), sanitize(ref))
	_, err, _ := g.group.Do(key, func() (any, error) {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil && ref != "HEAD" {
			return nil, nil
		}
		url, err := g.projectURL(ctx, project)
		if err != nil {
			return nil, err
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0o775); err != nil {
			return nil, err
		}
		args := []string{"clone", "--quiet", "--depth", "1"}
		if ref != "HEAD" {
			args = append(args, "--branch", ref)
		}
		g.logger.Debug("cloning project include", zap.String("project", project), zap.String("ref", ref))
		_, err = g.git(ctx, g.Dir, append(args, url, dir)...)
		return nil, err
	})
	return dir, err
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}
