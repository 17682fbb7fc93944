// Package graph builds the validated execution DAG from stages and needs.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"localci/internal/cierrors"
	"localci/internal/core"
)

// Node is one job with its resolved edges. Preds gate execution;
// ArtifactsFrom lists the jobs whose artifacts are downloaded.
type Node struct {
	Job           *core.Job
	Preds         []string
	Succs         []string
	ArtifactsFrom []string
}

// Graph is immutable once built.
type Graph struct {
	Pipeline *core.Pipeline
	Nodes    []*Node // declaration order
	Warnings []string

	byName map[string]*Node
}

func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Build validates p and resolves every edge. The first structural fault is returned.
func Build(p *core.Pipeline) (*Graph, error) {
	g := &Graph{Pipeline: p, byName: map[string]*Node{}}

	// pass 1: job level checks
	for _, j := range p.Jobs {
		if p.StageIndex(j.Stage) < 0 {
			return nil, cierrors.New(cierrors.ErrUnknownStage, j.Name,
				"%s job: chosen stage %s does not exist; available stages are %s",
				j.Name, j.Stage, strings.Join(p.Stages, ", ")).WithStage(j.Stage)
		}
		if err := core.ValidateJob(j); err != nil {
			return nil, err
		}
		n := &Node{Job: j}
		g.Nodes = append(g.Nodes, n)
		g.byName[j.Name] = n
	}

	// pass 2: edges
	for _, n := range g.Nodes {
		if err := g.link(n); err != nil {
			return nil, err
		}
	}
	for _, n := range g.Nodes {
		for _, pred := range n.Preds {
			pn := g.byName[pred]
			pn.Succs = append(pn.Succs, n.Job.Name)
		}
	}

	// pass 3: cycles
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) link(n *Node) error {
	j := n.Job
	p := g.Pipeline
	stage := p.StageIndex(j.Stage)

	var needed []string
	if j.HasNeeds {
		for _, need := range j.Needs {
			if need.CrossPipeline() {
				g.Warnings = append(g.Warnings, fmt.Sprintf("%s needs a job from another pipeline or project (%s), ignored locally", j.Name, need.Job))
				continue
			}
			if need.Job == j.Name {
				return circular(j.Name)
			}
			target, ok := p.Job(need.Job)
			if !ok {
				if need.Optional {
					continue
				}
				return cierrors.New(cierrors.ErrUnknownNeed, j.Name, "[%s] needs: [%s] could not be found", j.Name, need.Job)
			}
			if ts := p.StageIndex(target.Stage); ts > stage {
				return cierrors.New(cierrors.ErrFutureStage, j.Name,
					"[%s] needs: [%s] is in a future stage %s", j.Name, need.Job, target.Stage).WithStage(target.Stage)
			}
			needed = append(needed, need.Job)
			if need.Artifacts {
				n.ArtifactsFrom = append(n.ArtifactsFrom, need.Job)
			}
		}
		n.Preds = g.ordered(needed)
	} else {
		for _, other := range p.Jobs {
			if p.StageIndex(other.Stage) < stage {
				n.Preds = append(n.Preds, other.Name)
			}
		}
		n.ArtifactsFrom = append([]string{}, n.Preds...)
	}

	if j.HasDependencies {
		in := make(map[string]bool, len(needed))
		for _, name := range needed {
			in[name] = true
		}
		for _, dep := range j.Dependencies {
			if dep == j.Name {
				return circular(j.Name)
			}
			target, ok := p.Job(dep)
			if !ok {
				return cierrors.New(cierrors.ErrUnknownDependency, j.Name, "[%s] dependencies: [%s] could not be found", j.Name, dep)
			}
			ts := p.StageIndex(target.Stage)
			if ts > stage || (ts == stage && !in[dep]) {
				return cierrors.New(cierrors.ErrFutureStage, j.Name,
					"[%s] dependencies: [%s] is in a future stage %s", j.Name, dep, target.Stage).WithStage(target.Stage)
			}
		}
		n.ArtifactsFrom = g.ordered(j.Dependencies)
	}
	n.ArtifactsFrom = g.ordered(n.ArtifactsFrom)
	return nil
}

// ordered dedupes names and sorts them by declaration order.
func (g *Graph) ordered(names []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return g.byName[out[a]].Job.Index < g.byName[out[b]].Job.Index
	})
	return out
}

func circular(job string) error {
	return cierrors.New(cierrors.ErrCircularDependency, job, "The pipeline has circular dependencies: %s.", job)
}

func (g *Graph) detectCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.Nodes))
	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		for _, pred := range g.byName[name].Preds {
			switch state[pred] {
			case visiting:
				return circular(pred)
			case unvisited:
				if err := visit(pred); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}
	for _, n := range g.Nodes {
		if state[n.Job.Name] == unvisited {
			if err := visit(n.Job.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Select returns the jobs to run. With no names every job is selected. With
// closure the transitive predecessors of the named jobs are added.
func (g *Graph) Select(names []string, closure bool) (map[string]bool, error) {
	set := map[string]bool{}
	if len(names) == 0 {
		for _, n := range g.Nodes {
			set[n.Job.Name] = true
		}
		return set, nil
	}
	var add func(name string)
	add = func(name string) {
		if set[name] {
			return
		}
		set[name] = true
		if closure {
			for _, pred := range g.byName[name].Preds {
				add(pred)
			}
		}
	}
	for _, name := range names {
		if _, ok := g.byName[name]; !ok {
			return nil, fmt.Errorf("job %q could not be found", name)
		}
		add(name)
	}
	return set, nil
}
