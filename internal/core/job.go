package core

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"localci/internal/cierrors"
)

// When is a job or rule execution policy.
type When string

const (
	OnSuccess When = "on_success"
	OnFailure When = "on_failure"
	Always    When = "always"
	Manual    When = "manual"
	Never     When = "never"
	Delayed   When = "delayed"
)

func (w When) Valid() bool {
	switch w {
	case OnSuccess, OnFailure, Always, Manual, Never, Delayed:
		return true
	}
	return false
}

// Job is a resolved, immutable unit of work. Runtime state lives in the scheduler.
type Job struct {
	Name        string
	Stage       string
	Index       int // declaration order
	Description string
	Interactive bool

	Image    *Image
	Services []string

	BeforeScript []string
	Script       []string
	AfterScript  []string

	Variables       map[string]string
	InheritVars     InheritVariables
	Needs           []Need
	HasNeeds        bool
	Dependencies    []string
	HasDependencies bool

	When     When
	HasWhen  bool
	Rules    []Rule
	HasRules bool

	AllowFailure  AllowFailure
	Retry         Retry
	Timeout       time.Duration
	Cache         []CacheSpec
	Artifacts     *ArtifactSpec
	ResourceGroup string
	Trigger       bool
}

// Need is one needs: entry.
type Need struct {
	Job       string
	Optional  bool
	Artifacts bool
	// Pipeline or Project is set for cross pipeline needs, which run locally as no-ops.
	Pipeline string
	Project  string
}

func (n *Need) UnmarshalYAML(node *yaml.Node) error {
	n.Artifacts = true
	if node.Kind == yaml.ScalarNode {
		n.Job = node.Value
		return nil
	}
	var raw struct {
		Job       string `yaml:"job"`
		Optional  bool   `yaml:"optional"`
		Artifacts *bool  `yaml:"artifacts"`
		Pipeline  string `yaml:"pipeline"`
		Project   string `yaml:"project"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n.Job, n.Optional, n.Pipeline, n.Project = raw.Job, raw.Optional, raw.Pipeline, raw.Project
	if raw.Artifacts != nil {
		n.Artifacts = *raw.Artifacts
	}
	return nil
}

// CrossPipeline reports whether the need points outside this pipeline.
func (n Need) CrossPipeline() bool { return n.Pipeline != "" || n.Project != "" }

// Image is image: as a name or {name, entrypoint}.
type Image struct {
	Name       string   `yaml:"name"`
	Entrypoint []string `yaml:"entrypoint"`
}

func (i *Image) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		i.Name = node.Value
		return nil
	}
	type plain Image
	return node.Decode((*plain)(i))
}

// Retry is retry: as a count or {max, when}.
type Retry struct {
	Max  int      `yaml:"max"`
	When []string `yaml:"when"`
}

// MaxRetries is the upper bound hosted CI enforces.
const MaxRetries = 2

func (r *Retry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("retry must be an integer: %q", node.Value)
		}
		r.Max = n
	} else {
		var raw struct {
			Max  int        `yaml:"max"`
			When StringList `yaml:"when"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		r.Max, r.When = raw.Max, raw.When
	}
	if r.Max < 0 || r.Max > MaxRetries {
		return fmt.Errorf("retry max must be between 0 and %d", MaxRetries)
	}
	return nil
}

// AllowFailure is allow_failure: as a bool or {exit_codes}.
type AllowFailure struct {
	Enabled   bool
	ExitCodes []int
}

func (a *AllowFailure) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&a.Enabled)
	}
	var raw struct {
		ExitCodes yaml.Node `yaml:"exit_codes"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch raw.ExitCodes.Kind {
	case yaml.ScalarNode:
		var c int
		if err := raw.ExitCodes.Decode(&c); err != nil {
			return err
		}
		a.ExitCodes = []int{c}
	case yaml.SequenceNode:
		if err := raw.ExitCodes.Decode(&a.ExitCodes); err != nil {
			return err
		}
	}
	return nil
}

// Allows reports whether a failure with exitCode is tolerated.
func (a AllowFailure) Allows(exitCode int) bool {
	if len(a.ExitCodes) == 0 {
		return a.Enabled
	}
	for _, c := range a.ExitCodes {
		if c == exitCode {
			return true
		}
	}
	return false
}

// CachePolicy decides when a cache is restored and saved.
type CachePolicy string

const (
	PullPush CachePolicy = "pull-push"
	Pull     CachePolicy = "pull"
	Push     CachePolicy = "push"
)

func (p CachePolicy) Pulls() bool { return p == Pull || p == PullPush }

func (p CachePolicy) Pushes() bool { return p == Push || p == PullPush }

// CacheKey is key: as a literal or {files, prefix}.
type CacheKey struct {
	Literal string
	Files   []string
	Prefix  string
}

func (k *CacheKey) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		k.Literal = node.Value
		return nil
	}
	var raw struct {
		Files  []string `yaml:"files"`
		Prefix string   `yaml:"prefix"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	k.Files, k.Prefix = raw.Files, raw.Prefix
	return nil
}

// CacheSpec is one cache: entry.
type CacheSpec struct {
	Key    CacheKey
	Paths  []string
	Policy CachePolicy
	When   When
}

func (c *CacheSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Key    *CacheKey `yaml:"key"`
		Paths  yaml.Node `yaml:"paths"`
		Policy string    `yaml:"policy"`
		When   When      `yaml:"when"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Paths.Kind != 0 && raw.Paths.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: cache paths must be an array of strings", cierrors.ErrInvalidCache)
	}
	if raw.Paths.Kind == yaml.SequenceNode {
		for _, p := range raw.Paths.Content {
			if p.Kind != yaml.ScalarNode {
				return fmt.Errorf("%w: cache paths must be an array of strings", cierrors.ErrInvalidCache)
			}
			c.Paths = append(c.Paths, p.Value)
		}
	}
	c.Key = CacheKey{Literal: "default"}
	if raw.Key != nil {
		c.Key = *raw.Key
	}
	switch raw.Policy {
	case "", "pull-push", "push-pull":
		c.Policy = PullPush
	case "pull":
		c.Policy = Pull
	case "push":
		c.Policy = Push
	default:
		return fmt.Errorf("%w: unknown cache policy %q", cierrors.ErrInvalidCache, raw.Policy)
	}
	c.When = OnSuccess
	if raw.When != "" {
		c.When = raw.When
	}
	return nil
}

// CacheList accepts a single cache mapping or a list of them.
type CacheList []CacheSpec

func (l *CacheList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var c CacheSpec
		if err := node.Decode(&c); err != nil {
			return err
		}
		*l = CacheList{c}
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: cache must be a mapping or an array of mappings", cierrors.ErrInvalidCache)
	}
	var specs []CacheSpec
	if err := node.Decode(&specs); err != nil {
		return err
	}
	*l = specs
	return nil
}

// ArtifactSpec is the artifacts: keyword.
type ArtifactSpec struct {
	Name     string     `yaml:"name"`
	Paths    []string   `yaml:"paths"`
	Exclude  []string   `yaml:"exclude"`
	ExpireIn string     `yaml:"expire_in"`
	When     When       `yaml:"when"`
	Reports  ReportSpec `yaml:"reports"`
}

// ReportSpec holds artifact reports. Only dotenv has local semantics.
type ReportSpec struct {
	Dotenv StringList `yaml:"dotenv"`
}

// StringList accepts a string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = StringList{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Variable is a variables: entry as a scalar or {value, description}.
type Variable struct {
	Value       string
	Description string
}

func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Value = node.Value
		return nil
	}
	var raw struct {
		Value       string `yaml:"value"`
		Description string `yaml:"description"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v.Value, v.Description = raw.Value, raw.Description
	return nil
}

// InheritVariables is inherit:variables as a bool or a list of names.
type InheritVariables struct {
	All   bool
	Names []string
}

func (i *InheritVariables) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&i.All)
	}
	i.All = false
	return node.Decode(&i.Names)
}

// Inherits reports whether the global variable name reaches the job.
func (i InheritVariables) Inherits(name string) bool {
	if i.All {
		return true
	}
	for _, n := range i.Names {
		if n == name {
			return true
		}
	}
	return false
}
