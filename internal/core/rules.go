package core

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule is one rules: entry.
type Rule struct {
	If           string
	Exists       []string
	Changes      []string
	When         When
	AllowFailure *AllowFailure
	Variables    map[string]string
}

func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		If           string              `yaml:"if"`
		Exists       yaml.Node           `yaml:"exists"`
		Changes      yaml.Node           `yaml:"changes"`
		When         When                `yaml:"when"`
		AllowFailure *AllowFailure       `yaml:"allow_failure"`
		Variables    map[string]Variable `yaml:"variables"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var err error
	if r.Exists, err = pathList(raw.Exists); err != nil {
		return fmt.Errorf("rules exists: %w", err)
	}
	if r.Changes, err = pathList(raw.Changes); err != nil {
		return fmt.Errorf("rules changes: %w", err)
	}
	r.If, r.When, r.AllowFailure = raw.If, raw.When, raw.AllowFailure
	if r.When != "" && !r.When.Valid() {
		return fmt.Errorf("rules when %q is unknown", r.When)
	}
	if len(raw.Variables) > 0 {
		r.Variables = make(map[string]string, len(raw.Variables))
		for k, v := range raw.Variables {
			r.Variables[k] = v.Value
		}
	}
	return nil
}

// pathList reads a string, a list, or {paths: [...]}.
func pathList(n yaml.Node) ([]string, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		var raw struct {
			Paths StringList `yaml:"paths"`
		}
		if err := n.Decode(&raw); err != nil {
			return nil, err
		}
		return raw.Paths, nil
	}
	var list StringList
	if err := n.Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// RuleEnv is what rules are evaluated against.
type RuleEnv struct {
	Lookup     func(string) (string, bool)
	ProjectDir string
}

// RuleResult is the outcome of rules evaluation.
type RuleResult struct {
	Matched      bool
	When         When
	AllowFailure *AllowFailure
	Variables    map[string]string
}

// EvalRules returns the first matching rule. No match resolves to never.
// changes: always matches since there is no diff base for a local run.
func EvalRules(rules []Rule, defaultWhen When, env RuleEnv) (RuleResult, error) {
	for _, r := range rules {
		ok, err := r.matches(env)
		if err != nil {
			return RuleResult{}, err
		}
		if !ok {
			continue
		}
		when := r.When
		if when == "" {
			when = defaultWhen
		}
		return RuleResult{Matched: true, When: when, AllowFailure: r.AllowFailure, Variables: r.Variables}, nil
	}
	return RuleResult{When: Never}, nil
}

func (r Rule) matches(env RuleEnv) (bool, error) {
	if r.If != "" {
		lookup := env.Lookup
		if lookup == nil {
			lookup = func(string) (string, bool) { return "", false }
		}
		ok, err := EvalExpression(r.If, lookup)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(r.Exists) > 0 {
		ok, err := anyExists(env.ProjectDir, r.Exists)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func anyExists(dir string, patterns []string) (bool, error) {
	fsys := os.DirFS(dir)
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, trimSlash(p))
		if err != nil {
			return false, fmt.Errorf("rules exists %q: %w", p, err)
		}
		if len(matches) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

// Workflow is the workflow: keyword.
type Workflow struct {
	Name  string `yaml:"name"`
	Rules []Rule `yaml:"rules"`
}
