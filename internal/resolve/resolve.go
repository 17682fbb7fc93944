// Package resolve flattens extends chains and !reference pointers so every
// job becomes a plain document.
package resolve

import (
	"strings"

	"localci/internal/cierrors"
	"localci/internal/document"
)

// Reserved top level keys that never name a job.
var reserved = map[string]bool{
	"stages":        true,
	"variables":     true,
	"include":       true,
	"default":       true,
	"workflow":      true,
	"image":         true,
	"services":      true,
	"before_script": true,
	"after_script":  true,
	"cache":         true,
}

// IsReserved reports whether key is a global keyword.
func IsReserved(key string) bool { return reserved[key] }

// IsHidden reports whether key names a template job.
func IsHidden(key string) bool { return strings.HasPrefix(key, ".") }

// IsJob reports whether the top level entry is a runnable job.
func IsJob(key string, v *document.Value) bool {
	return !IsReserved(key) && !IsHidden(key) && v.IsMapping()
}

// step is one (job, keyPath) visited while resolving a reference.
type step struct {
	job  string
	path []string
}

func (s step) String() string {
	return strings.Join(append([]string{s.job}, s.path...), ",")
}

func (s step) equal(o step) bool {
	if s.job != o.job || len(s.path) != len(o.path) {
		return false
	}
	for i := range s.path {
		if s.path[i] != o.path[i] {
			return false
		}
	}
	return true
}

// Resolver takes the include-merged document as its arena.
type Resolver struct {
	doc      *document.Value
	extended map[string]*document.Value
}

// Resolve returns a new document: templates merged through extends, every
// !reference replaced, defaults applied to jobs and hidden templates removed.
func Resolve(doc *document.Value) (*document.Value, error) {
	if !doc.IsMapping() {
		return nil, cierrors.New(cierrors.ErrInvalidJob, "", "Pipeline document must be a mapping")
	}
	r := &Resolver{doc: doc, extended: map[string]*document.Value{}}
	return r.run()
}

func (r *Resolver) run() (*document.Value, error) {
	arena := document.NewMap()
	for _, e := range r.doc.Map.Entries() {
		v := e.Value
		if e.Value.IsMapping() && !IsReserved(e.Key) {
			var err error
			if v, err = r.extend(e.Key, nil); err != nil {
				return nil, err
			}
		}
		arena.Set(e.Key, v)
		if c := e.Comment; c != "" {
			ent, _ := arena.Entry(e.Key)
			ent.Comment = c
		}
	}
	r.doc = document.NewMapping(arena)

	out := document.NewMap()
	for _, e := range arena.Entries() {
		if IsHidden(e.Key) {
			continue
		}
		v, err := r.references(e.Value, nil)
		if err != nil {
			return nil, err
		}
		out.Set(e.Key, v)
		ent, _ := out.Entry(e.Key)
		ent.Comment = e.Comment
	}
	flat := document.NewMapping(out)
	return applyDefaults(flat), nil
}

// extend merges the extends chain of name, parents left to right, the job itself last.
func (r *Resolver) extend(name string, chain []string) (*document.Value, error) {
	if v, ok := r.extended[name]; ok {
		return v, nil
	}
	for _, c := range chain {
		if c == name {
			return nil, cierrors.New(cierrors.ErrExtendsCycle, name, "extends circular chain detected [%s]",
				strings.Join(append(append([]string{}, chain...), name), ","))
		}
	}
	job, ok := r.doc.Get(name)
	if !ok || !job.IsMapping() {
		return nil, cierrors.New(cierrors.ErrUnknownExtends, name, "%s: unknown keys in `extends` (%s)", lastOr(chain, name), name)
	}
	ext, hasExt := job.Get("extends")
	if !hasExt {
		r.extended[name] = job
		return job, nil
	}
	parents := ext.Strings()
	if !ext.IsScalar() && !ext.IsSequence() {
		return nil, cierrors.New(cierrors.ErrInvalidJob, name, "%s: extends must be a string or an array of strings", name)
	}

	merged := document.NewMapping(nil)
	next := append(append([]string{}, chain...), name)
	for _, p := range parents {
		if _, ok := r.doc.Get(p); !ok {
			return nil, cierrors.New(cierrors.ErrUnknownExtends, name, "%s: unknown keys in `extends` (%s)", name, p)
		}
		pv, err := r.extend(p, next)
		if err != nil {
			return nil, err
		}
		merged = document.Merge(merged, pv)
	}
	own := document.Clone(job)
	own.Map.Delete("extends")
	merged = document.Merge(merged, own)
	merged.Map.Delete("extends")
	r.extended[name] = merged
	return merged, nil
}

func lastOr(chain []string, def string) string {
	if len(chain) == 0 {
		return def
	}
	return chain[len(chain)-1]
}

// references replaces every !reference below v. stack holds the steps
// currently being resolved.
func (r *Resolver) references(v *document.Value, stack []step) (*document.Value, error) {
	switch v.Kind {
	case document.Reference:
		path := v.Path()
		if len(path) == 0 {
			return nil, cierrors.New(cierrors.ErrUnknownReference, "", "!reference must name a job")
		}
		cur := step{job: path[0], path: path[1:]}
		for _, s := range stack {
			if s.equal(cur) {
				return nil, cierrors.New(cierrors.ErrReferenceCycle, cur.job, "!reference circular chain detected [%s]", joinSteps(stack))
			}
		}
		target, ok := document.Lookup(r.doc, path)
		if !ok {
			return nil, cierrors.New(cierrors.ErrUnknownReference, cur.job, "!reference [%s] could not be found", cur)
		}
		return r.references(target, append(append([]step{}, stack...), cur))
	case document.Sequence:
		out := document.NewSequence()
		for _, it := range v.Items {
			rv, err := r.references(it, stack)
			if err != nil {
				return nil, err
			}
			out.Items = append(out.Items, rv)
		}
		return out, nil
	case document.Mapping:
		m := document.NewMap()
		for _, e := range v.Map.Entries() {
			rv, err := r.references(e.Value, stack)
			if err != nil {
				return nil, err
			}
			m.Set(e.Key, rv)
			ent, _ := m.Entry(e.Key)
			ent.Comment = e.Comment
		}
		return document.NewMapping(m), nil
	}
	return document.Clone(v), nil
}

func joinSteps(stack []step) string {
	parts := make([]string, len(stack))
	for i, s := range stack {
		parts[i] = s.String()
	}
	return strings.Join(parts, " -> ")
}
