package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"localci/internal/core"
	"localci/internal/document"
	"localci/internal/graph"
	"localci/internal/include"
	"localci/internal/resolve"
)

// Plan is a validated pipeline ready to run.
type Plan struct {
	Document   *document.Value
	Pipeline   *core.Pipeline
	Graph      *graph.Graph
	Predefined map[string]string
	// Skipped is set when workflow:rules kept the pipeline from being created.
	Skipped bool
}

// Load reads the pipeline file and returns the document with includes,
// extends, references and defaults resolved.
func (r *Runner) Load(ctx context.Context) (*document.Value, error) {
	root, err := core.LoadDocument(r.cfg.File)
	if err != nil {
		return nil, err
	}
	res := include.NewResolver(r.cfg.ProjectDir, r.logger)
	res.Projects = r.projects
	if r.remote != nil {
		res.Remote = r.remote
	}
	merged, err := res.Resolve(ctx, root)
	if err != nil {
		return nil, err
	}
	return resolve.Resolve(merged)
}

// Plan loads, parses and validates the pipeline and evaluates workflow:rules.
func (r *Runner) Plan(ctx context.Context) (*Plan, error) {
	doc, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	p, err := core.Parse(doc)
	if err != nil {
		return nil, err
	}
	pl := &Plan{Document: doc, Pipeline: p, Predefined: r.predefined(ctx)}

	if wf := p.Workflow; wf != nil && len(wf.Rules) > 0 {
		env := core.ExpandAll(core.Layer(pl.Predefined, p.Variables, r.cfg.Variables))
		res, err := core.EvalRules(wf.Rules, core.Always, core.RuleEnv{Lookup: core.Lookup(env), ProjectDir: r.cfg.ProjectDir})
		if err != nil {
			return nil, fmt.Errorf("workflow rules: %w", err)
		}
		if res.When == core.Never {
			pl.Skipped = true
			r.logger.Info("pipeline not created by workflow:rules")
		}
		for k, v := range res.Variables {
			p.Variables[k] = v
		}
		if wf.Name != "" {
			pl.Predefined["CI_PIPELINE_NAME"] = core.Expand(wf.Name, core.Lookup(env))
		}
	}

	g, err := graph.Build(p)
	if err != nil {
		return nil, err
	}
	pl.Graph = g
	return pl, nil
}

func (r *Runner) predefined(ctx context.Context) map[string]string {
	vars := map[string]string{
		"CI":                 "true",
		"GITLAB_CI":          "false",
		"CI_SERVER":          "yes",
		"CI_PIPELINE_SOURCE": "push",
		"CI_CONFIG_PATH":     r.cfg.File,
		"CI_NODE_TOTAL":      "1",
	}
	if r.git != nil {
		for k, v := range r.git.Predefined(ctx) {
			vars[k] = v
		}
	}
	r.logger.Debug("predefined variables", zap.Int("count", len(vars)))
	return vars
}
