// Package include expands include: entries into a single pipeline document.
package include

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"localci/internal/cierrors"
	"localci/internal/document"
)

const (
	defaultMaxDepth = 100
	fetchLimit      = 4
)

// Resolver expands includes recursively. Included files are merged in order
// and the including document is applied last.
type Resolver struct {
	ProjectDir  string
	Projects    ProjectFetcher
	Remote      RemoteFetcher
	TemplateURL string
	MaxDepth    int
	logger      *zap.Logger
}

func NewResolver(projectDir string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		ProjectDir:  projectDir,
		Remote:      NewHTTPFetcher(),
		TemplateURL: DefaultTemplateURL,
		MaxDepth:    defaultMaxDepth,
		logger:      logger,
	}
}

// origin is the repository local includes are read from. Empty project is the working tree.
type origin struct {
	project string
	ref     string
}

// Resolve returns a new document with every include merged in.
func (r *Resolver) Resolve(ctx context.Context, root *document.Value) (*document.Value, error) {
	return r.resolve(ctx, root, origin{}, nil)
}

func (r *Resolver) resolve(ctx context.Context, doc *document.Value, from origin, stack []string) (*document.Value, error) {
	if !doc.IsMapping() {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Included document must be a mapping")
	}
	inc, ok := doc.Get("include")
	if !ok {
		return doc, nil
	}
	if len(stack) >= r.maxDepth() {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Maximum of %d nested includes are allowed", r.maxDepth())
	}
	sources, err := ParseSources(inc)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrInclude, "", "%s", err)
	}
	sources, err = r.expand(sources, from)
	if err != nil {
		return nil, err
	}

	for _, src := range sources {
		key := stackKey(src, from)
		for _, s := range stack {
			if s == key {
				return nil, cierrors.New(cierrors.ErrInclude, "", "include circular chain detected [%s]",
					strings.Join(append(append([]string{}, stack...), key), " -> "))
			}
		}
	}

	frags := make([]*document.Value, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	for i, src := range sources {
		key := stackKey(src, from)
		g.Go(func() error {
			frag, next, err := r.load(gctx, src, from)
			if err != nil {
				return err
			}
			resolved, err := r.resolve(gctx, frag, next, append(append([]string{}, stack...), key))
			if err != nil {
				return err
			}
			frags[i] = resolved
			r.logger.Debug("include resolved", zap.String("source", key))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	acc := document.NewMapping(nil)
	for _, f := range frags {
		acc = Merge(acc, f)
	}
	return Merge(acc, doc), nil
}

// stackKey identifies src for cycle detection. Local paths read from a
// project are qualified by that project and ref.
func stackKey(src Source, from origin) string {
	if src.Kind == Local && from.project != "" {
		return fmt.Sprintf("project %s@%s:%s", from.project, from.ref, strings.TrimPrefix(src.Path, "/"))
	}
	return src.String()
}

func (r *Resolver) maxDepth() int {
	if r.MaxDepth <= 0 {
		return defaultMaxDepth
	}
	return r.MaxDepth
}

// expand turns local wildcard entries into one source per matching file.
func (r *Resolver) expand(sources []Source, from origin) ([]Source, error) {
	var out []Source
	for _, src := range sources {
		if src.Kind != Local || from.project != "" || !strings.ContainsAny(src.Path, "*?[{") {
			out = append(out, src)
			continue
		}
		pattern := strings.TrimPrefix(src.Path, "/")
		matches, err := doublestar.Glob(os.DirFS(r.ProjectDir), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, cierrors.New(cierrors.ErrInclude, "", "Local include pattern %s is invalid: %s", src.Path, err)
		}
		if len(matches) == 0 {
			return nil, cierrors.New(cierrors.ErrInclude, "", "Local include file cannot be found %s", src.Path)
		}
		sort.Strings(matches)
		for _, m := range matches {
			out = append(out, Source{Kind: Local, Path: m})
		}
	}
	return out, nil
}

// load fetches and decodes one source and reports the origin nested local includes read from.
func (r *Resolver) load(ctx context.Context, src Source, from origin) (*document.Value, origin, error) {
	var (
		data []byte
		next = from
		err  error
	)
	switch src.Kind {
	case Local:
		data, err = r.loadLocal(ctx, src, from)
	case Project:
		next, err = r.resolveRef(ctx, src)
		if err == nil {
			data, err = r.projectFile(ctx, next, src.Path)
		}
	case Remote:
		data, err = r.fetchRemote(ctx, src.Path)
		next = origin{}
	case Template:
		data, err = r.fetchRemote(ctx, fmt.Sprintf(r.templateURL(), src.Path))
		next = origin{}
	}
	if err != nil {
		return nil, next, err
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, next, cierrors.New(cierrors.ErrInclude, "", "Included file %s is invalid: %s", src, err)
	}
	return doc, next, nil
}

func (r *Resolver) loadLocal(ctx context.Context, src Source, from origin) ([]byte, error) {
	if from.project != "" {
		return r.projectFile(ctx, from, src.Path)
	}
	p := filepath.Join(r.ProjectDir, filepath.FromSlash(strings.TrimPrefix(src.Path, "/")))
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Local include file cannot be found %s", src.Path)
	}
	if err != nil {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Local include file %s cannot be read: %s", src.Path, err)
	}
	return data, nil
}

func (r *Resolver) resolveRef(ctx context.Context, src Source) (origin, error) {
	o := origin{project: src.Project, ref: src.Ref}
	if r.Projects == nil {
		return o, cierrors.New(cierrors.ErrInclude, "", "Project include %s requires git access", src.Project)
	}
	if !IsRange(src.Ref) {
		return o, nil
	}
	tags, err := r.Projects.Tags(ctx, src.Project)
	if err != nil {
		return o, cierrors.New(cierrors.ErrInclude, "", "Project include %s tags cannot be listed: %s", src.Project, err)
	}
	tag, ok := ResolveRange(src.Ref, tags)
	if !ok {
		return o, cierrors.New(cierrors.ErrInclude, "", "Project include %s has no tag satisfying %s", src.Project, src.Ref)
	}
	r.logger.Debug("include ref resolved", zap.String("project", src.Project), zap.String("range", src.Ref), zap.String("tag", tag))
	o.ref = tag
	return o, nil
}

func (r *Resolver) projectFile(ctx context.Context, o origin, path string) ([]byte, error) {
	if r.Projects == nil {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Project include %s requires git access", o.project)
	}
	data, err := r.Projects.File(ctx, o.project, o.ref, strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Project include file %s cannot be found in %s@%s: %s", path, o.project, o.ref, err)
	}
	return data, nil
}

func (r *Resolver) fetchRemote(ctx context.Context, url string) ([]byte, error) {
	if r.Remote == nil {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Remote include %s cannot be fetched: no fetcher", url)
	}
	data, err := r.Remote.Fetch(ctx, url)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrInclude, "", "Remote include %s cannot be fetched: %s", url, err)
	}
	return data, nil
}

func (r *Resolver) templateURL() string {
	if r.TemplateURL == "" {
		return DefaultTemplateURL
	}
	return r.TemplateURL
}

// Merge applies over on top of base at the top level. stages union in order,
// mapping valued keys (jobs, variables, default) merge recursively and
// anything else is replaced. include keys are dropped.
func Merge(base, over *document.Value) *document.Value {
	out := document.Clone(base)
	out.Map.Delete("include")
	for _, e := range over.Map.Entries() {
		if e.Key == "include" {
			continue
		}
		cur, ok := out.Map.Get(e.Key)
		var merged *document.Value
		switch {
		case !ok:
			merged = document.Clone(e.Value)
		case e.Key == "stages":
			merged = unionStages(cur, e.Value)
		default:
			merged = document.Merge(cur, e.Value)
		}
		out.Map.Set(e.Key, merged)
		if e.Comment != "" {
			if entry, ok := out.Map.Entry(e.Key); ok {
				entry.Comment = e.Comment
			}
		}
	}
	return out
}

func unionStages(a, b *document.Value) *document.Value {
	seen := map[string]bool{}
	out := document.NewSequence()
	for _, s := range append(a.Strings(), b.Strings()...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out.Items = append(out.Items, document.NewString(s))
	}
	return out
}
