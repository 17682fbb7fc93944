package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"localci/internal/core"
	"localci/internal/document"
)

// Preview writes the fully resolved document as YAML.
func (r *Runner) Preview(ctx context.Context, w io.Writer) error {
	doc, err := r.Load(ctx)
	if err != nil {
		return err
	}
	data, err := document.Encode(doc)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// List writes one row per job in stage order.
func (r *Runner) List(ctx context.Context, w io.Writer) error {
	pl, err := r.Plan(ctx)
	if err != nil {
		return err
	}
	p := pl.Pipeline
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION\tSTAGE\tWHEN\tALLOW FAILURE\tNEEDS")
	for _, stage := range p.Stages {
		for _, j := range p.Jobs {
			if j.Stage != stage {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", j.Name, j.Description, j.Stage, listWhen(j), j.AllowFailure.Enabled || len(j.AllowFailure.ExitCodes) > 0, listNeeds(j))
		}
	}
	return tw.Flush()
}

func listWhen(j *core.Job) string {
	if j.HasRules && !j.HasWhen {
		return "rules"
	}
	return string(j.When)
}

func listNeeds(j *core.Job) string {
	if !j.HasNeeds {
		return ""
	}
	names := make([]string, 0, len(j.Needs))
	for _, n := range j.Needs {
		names = append(names, n.Job)
	}
	return "[" + strings.Join(names, ",") + "]"
}
