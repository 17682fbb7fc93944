package core

import (
	"localci/internal/cierrors"
)

// ValidateJob checks the rules a job must satisfy on its own, before any
// graph is built or anything runs.
func ValidateJob(j *Job) error {
	if !j.Trigger && len(j.Script) == 0 {
		return cierrors.New(cierrors.ErrEmptyScript, j.Name,
			"jobs:%s config should implement a script: or a trigger: keyword", j.Name).WithStage(j.Stage)
	}
	if j.HasWhen && j.When == Never && !j.HasRules {
		return cierrors.New(cierrors.ErrInvalidWhen, j.Name,
			"jobs:%s when:never can only be used in a rules section or workflow:rules", j.Name)
	}
	if j.Interactive {
		if !j.manualCapable() {
			return cierrors.New(cierrors.ErrInteractive, j.Name, "jobs:%s @Interactive decorator requires when: manual", j.Name)
		}
		if j.Image != nil && j.Image.Name != "" {
			return cierrors.New(cierrors.ErrInteractive, j.Name, "jobs:%s @Interactive decorator cannot be used with image:", j.Name)
		}
	}
	for _, c := range j.Cache {
		if len(c.Paths) == 0 {
			return cierrors.New(cierrors.ErrInvalidCache, j.Name, "jobs:%s cache paths must be a non-empty array of strings", j.Name)
		}
	}
	return nil
}

func (j *Job) manualCapable() bool {
	if j.When == Manual {
		return true
	}
	for _, r := range j.Rules {
		if r.When == Manual {
			return true
		}
	}
	return false
}
