package core

// Implicit stages that wrap the declared ones.
const (
	PreStage  = ".pre"
	PostStage = ".post"
)

// DefaultStages are used when stages: is absent.
var DefaultStages = []string{"build", "test", "deploy"}

// DefaultStage is the stage of a job without stage:.
const DefaultStage = "test"

// Pipeline is the resolved pipeline. It owns its jobs for one run.
type Pipeline struct {
	Stages    []string // ordered, .pre first and .post last
	Jobs      []*Job   // declaration order
	Variables map[string]string
	Workflow  *Workflow

	byName map[string]*Job
}

func NewPipeline(stages []string, vars map[string]string) *Pipeline {
	return &Pipeline{Stages: stages, Variables: vars, byName: map[string]*Job{}}
}

// Add appends a job, assigning its declaration index.
func (p *Pipeline) Add(j *Job) {
	j.Index = len(p.Jobs)
	p.Jobs = append(p.Jobs, j)
	p.byName[j.Name] = j
}

func (p *Pipeline) Job(name string) (*Job, bool) {
	j, ok := p.byName[name]
	return j, ok
}

// StageIndex returns the position of stage in the order, or -1.
func (p *Pipeline) StageIndex(stage string) int {
	for i, s := range p.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// JobVariables returns the yaml variables visible to j: globals filtered by
// inherit:variables, then the job's own.
func (p *Pipeline) JobVariables(j *Job) map[string]string {
	out := map[string]string{}
	for k, v := range p.Variables {
		if j.InheritVars.Inherits(k) {
			out[k] = v
		}
	}
	for k, v := range j.Variables {
		out[k] = v
	}
	return out
}
