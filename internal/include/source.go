package include

import (
	"fmt"
	"strings"

	"localci/internal/document"
)

// SourceKind tags an include entry.
type SourceKind int

const (
	Local SourceKind = iota
	Project
	Remote
	Template
)

func (k SourceKind) String() string {
	switch k {
	case Project:
		return "project"
	case Remote:
		return "remote"
	case Template:
		return "template"
	default:
		return "local"
	}
}

// Source is one parsed include entry.
type Source struct {
	Kind    SourceKind
	Path    string // local file or glob, project file, remote URL or template name
	Project string
	Ref     string
}

func (s Source) String() string {
	switch s.Kind {
	case Project:
		return fmt.Sprintf("project %s@%s:%s", s.Project, s.Ref, s.Path)
	default:
		return fmt.Sprintf("%s %s", s.Kind, s.Path)
	}
}

// ParseSources reads the value of an include: key. Strings starting with
// http(s):// are remote, other strings are local paths.
func ParseSources(v *document.Value) ([]Source, error) {
	if v.IsNull() {
		return nil, nil
	}
	items := []*document.Value{v}
	if v.IsSequence() {
		items = v.Items
	}
	var out []Source
	for _, it := range items {
		srcs, err := parseEntry(it)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

func parseEntry(v *document.Value) ([]Source, error) {
	if v.IsScalar() {
		if isURL(v.Str) {
			return []Source{{Kind: Remote, Path: v.Str}}, nil
		}
		return []Source{{Kind: Local, Path: v.Str}}, nil
	}
	if !v.IsMapping() {
		return nil, fmt.Errorf("include entry must be a string or mapping, got %s", v.Kind)
	}
	if local, ok := v.Get("local"); ok {
		return []Source{{Kind: Local, Path: local.String()}}, nil
	}
	if remote, ok := v.Get("remote"); ok {
		return []Source{{Kind: Remote, Path: remote.String()}}, nil
	}
	if tmpl, ok := v.Get("template"); ok {
		return []Source{{Kind: Template, Path: tmpl.String()}}, nil
	}
	if project, ok := v.Get("project"); ok {
		ref := "HEAD"
		if r, ok := v.Get("ref"); ok && r.String() != "" {
			ref = r.String()
		}
		files, _ := v.Get("file")
		var out []Source
		for _, f := range files.Strings() {
			out = append(out, Source{Kind: Project, Project: project.String(), Ref: ref, Path: f})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("include project %s has no file", project.String())
		}
		return out, nil
	}
	return nil, fmt.Errorf("include entry has none of local, remote, template or project: %v", v.Map.Keys())
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
