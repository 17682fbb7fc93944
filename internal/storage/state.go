package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// State is persisted in <state>/state.yml between runs.
type State struct {
	PipelineIID int `yaml:"pipelineIid"`
}

func statePath(stateDir string) string {
	return filepath.Join(stateDir, "state.yml")
}

// LoadState reads state.yml. A missing file is the zero state.
func LoadState(stateDir string) (State, error) {
	var st State
	data, err := os.ReadFile(statePath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse %s: %w", statePath(stateDir), err)
	}
	return st, nil
}

// NextPipelineIID increments and persists the pipeline counter.
func NextPipelineIID(stateDir string) (int, error) {
	st, err := LoadState(stateDir)
	if err != nil {
		return 0, err
	}
	st.PipelineIID++
	if err := os.MkdirAll(stateDir, 0o775); err != nil {
		return 0, err
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return 0, err
	}
	tmp := statePath(stateDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, err
	}
	return st.PipelineIID, os.Rename(tmp, statePath(stateDir))
}
