package core

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"localci/internal/cierrors"
	"localci/internal/document"
	"localci/internal/resolve"
)

// LoadDocument reads a pipeline file into an untyped tree.
func LoadDocument(path string) (*document.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// rawJob mirrors the job keywords decoded straight from yaml. Script-like
// keys are flattened separately.
type rawJob struct {
	Stage         string              `yaml:"stage"`
	Image         *Image              `yaml:"image"`
	Services      []Image             `yaml:"services"`
	Variables     map[string]Variable `yaml:"variables"`
	Inherit       rawInherit          `yaml:"inherit"`
	Needs         *[]Need             `yaml:"needs"`
	Dependencies  *[]string           `yaml:"dependencies"`
	When          When                `yaml:"when"`
	Rules         *[]Rule             `yaml:"rules"`
	AllowFailure  *AllowFailure       `yaml:"allow_failure"`
	Retry         Retry               `yaml:"retry"`
	Timeout       string              `yaml:"timeout"`
	Cache         CacheList           `yaml:"cache"`
	Artifacts     *ArtifactSpec       `yaml:"artifacts"`
	ResourceGroup string              `yaml:"resource_group"`
	Trigger       presence            `yaml:"trigger"`
}

type rawInherit struct {
	Variables *InheritVariables `yaml:"variables"`
}

// presence records that a key was set, whatever its value.
type presence bool

func (p *presence) UnmarshalYAML(*yaml.Node) error {
	*p = true
	return nil
}

var (
	interactiveDecorator = regexp.MustCompile(`@Interactive\b`)
	descriptionDecorator = regexp.MustCompile(`@Description\s+(.+)`)
)

// Parse builds the typed pipeline from a document whose includes, extends
// and references are already resolved.
func Parse(doc *document.Value) (*Pipeline, error) {
	if !doc.IsMapping() {
		return nil, cierrors.New(cierrors.ErrInvalidJob, "", "Pipeline document must be a mapping")
	}

	stages := DefaultStages
	if v, ok := doc.Get("stages"); ok {
		stages = v.Strings()
	}
	ordered := []string{PreStage}
	seen := map[string]bool{}
	for _, s := range stages {
		if seen[s] {
			return nil, cierrors.New(cierrors.ErrDuplicateStage, "", "stages config contains %s more than once", s).WithStage(s)
		}
		seen[s] = true
		if s != PreStage && s != PostStage {
			ordered = append(ordered, s)
		}
	}
	ordered = append(ordered, PostStage)

	vars := map[string]string{}
	if v, ok := doc.Get("variables"); ok {
		var raw map[string]Variable
		if err := document.DecodeInto(v, &raw); err != nil {
			return nil, cierrors.New(cierrors.ErrInvalidJob, "", "variables config should be a hash of key value pairs: %s", err)
		}
		for k, rv := range raw {
			vars[k] = rv.Value
		}
	}

	p := NewPipeline(ordered, vars)
	if v, ok := doc.Get("workflow"); ok {
		var wf Workflow
		if err := document.DecodeInto(flattenRules(v), &wf); err != nil {
			return nil, cierrors.New(cierrors.ErrInvalidJob, "", "workflow config is invalid: %s", err)
		}
		p.Workflow = &wf
	}

	for _, e := range doc.Map.Entries() {
		if !resolve.IsJob(e.Key, e.Value) {
			continue
		}
		job, err := parseJob(e.Key, e.Value, e.Comment)
		if err != nil {
			return nil, err
		}
		p.Add(job)
	}
	return p, nil
}

func flattenRules(v *document.Value) *document.Value {
	rules, ok := v.Get("rules")
	if !ok {
		return v
	}
	out := document.Clone(v)
	out.Map.Set("rules", flattenSequence(rules))
	return out
}

func parseJob(name string, v *document.Value, comment string) (*Job, error) {
	flat := document.Clone(v)
	for _, key := range []string{"rules", "needs", "dependencies"} {
		if seq, ok := flat.Get(key); ok {
			flat.Map.Set(key, flattenSequence(seq))
		}
	}

	var raw rawJob
	if err := document.DecodeInto(flat, &raw); err != nil {
		kind := cierrors.ErrInvalidJob
		if errors.Is(err, cierrors.ErrInvalidCache) {
			kind = cierrors.ErrInvalidCache
		}
		return nil, cierrors.New(kind, name, "jobs:%s config is invalid: %s", name, strings.TrimPrefix(err.Error(), "yaml: "))
	}

	job := &Job{
		Name:          name,
		Stage:         raw.Stage,
		Image:         raw.Image,
		Variables:     map[string]string{},
		InheritVars:   InheritVariables{All: true},
		When:          OnSuccess,
		Retry:         raw.Retry,
		Cache:         raw.Cache,
		Artifacts:     raw.Artifacts,
		ResourceGroup: raw.ResourceGroup,
		Trigger:       bool(raw.Trigger),
	}
	if job.Stage == "" {
		job.Stage = DefaultStage
	}
	if raw.Inherit.Variables != nil {
		job.InheritVars = *raw.Inherit.Variables
	}
	for k, rv := range raw.Variables {
		job.Variables[k] = rv.Value
	}
	for _, svc := range raw.Services {
		job.Services = append(job.Services, svc.Name)
	}
	if raw.Needs != nil {
		job.Needs, job.HasNeeds = *raw.Needs, true
	}
	if raw.Dependencies != nil {
		job.Dependencies, job.HasDependencies = *raw.Dependencies, true
	}
	if raw.When != "" {
		if !raw.When.Valid() {
			return nil, cierrors.New(cierrors.ErrInvalidWhen, name, "jobs:%s when %q is unknown", name, raw.When)
		}
		job.When, job.HasWhen = raw.When, true
	}
	if raw.Rules != nil {
		job.Rules, job.HasRules = *raw.Rules, true
	}
	if raw.AllowFailure != nil {
		job.AllowFailure = *raw.AllowFailure
	} else if job.When == Manual && !job.HasRules {
		// manual jobs tolerate failure unless told otherwise
		job.AllowFailure.Enabled = true
	}
	if raw.Timeout != "" {
		d, err := ParseTimeout(raw.Timeout)
		if err != nil {
			return nil, cierrors.New(cierrors.ErrInvalidJob, name, "jobs:%s %s", name, err)
		}
		job.Timeout = d
	}
	if job.Artifacts != nil && job.Artifacts.When == "" {
		job.Artifacts.When = OnSuccess
	}

	var err error
	for key, dst := range map[string]*[]string{
		"before_script": &job.BeforeScript,
		"script":        &job.Script,
		"after_script":  &job.AfterScript,
	} {
		sv, ok := flat.Get(key)
		if !ok {
			continue
		}
		if *dst, err = FlattenScript(sv); err != nil {
			return nil, cierrors.New(cierrors.ErrInvalidJob, name, "jobs:%s %s: %s", name, key, err)
		}
	}

	job.Interactive = interactiveDecorator.MatchString(comment)
	if m := descriptionDecorator.FindStringSubmatch(comment); m != nil {
		job.Description = strings.TrimSpace(m[1])
	}
	return job, nil
}
