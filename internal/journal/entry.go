// Package journal keeps a tamper-evident, append-only record of job
// outcomes. Each entry links to the previous one by hash and may be signed.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"localci/pkg/utils"
)

// Entry records the terminal state of one job in one run.
type Entry struct {
	Index       int    `json:"index"`
	Timestamp   string `json:"timestamp"`
	RunID       string `json:"runId"`
	PipelineIID int    `json:"pipelineIid"`
	Job         string `json:"job"`
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exitCode"`
	Attempts    int    `json:"attempts"`
	LogPath     string `json:"logPath,omitempty"`
	LogHash     string `json:"logHash,omitempty"`
	PrevHash    string `json:"prevHash"`
	Hash        string `json:"hash"`
	Signature   string `json:"signature,omitempty"`
	PubKey      string `json:"pubKey,omitempty"`
}

// canonicalData is what the hash covers: everything but Hash, Signature and PubKey.
func (e *Entry) canonicalData() ([]byte, error) {
	view := struct {
		Index       int    `json:"index"`
		Timestamp   string `json:"timestamp"`
		RunID       string `json:"runId"`
		PipelineIID int    `json:"pipelineIid"`
		Job         string `json:"job"`
		Stage       string `json:"stage"`
		Status      string `json:"status"`
		ExitCode    int    `json:"exitCode"`
		Attempts    int    `json:"attempts"`
		LogPath     string `json:"logPath"`
		LogHash     string `json:"logHash"`
		PrevHash    string `json:"prevHash"`
	}{
		Index:       e.Index,
		Timestamp:   e.Timestamp,
		RunID:       e.RunID,
		PipelineIID: e.PipelineIID,
		Job:         e.Job,
		Stage:       e.Stage,
		Status:      e.Status,
		ExitCode:    e.ExitCode,
		Attempts:    e.Attempts,
		LogPath:     e.LogPath,
		LogHash:     e.LogHash,
		PrevHash:    e.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (e *Entry) ComputeHash() (string, error) {
	data, err := e.canonicalData()
	if err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

// seal stamps the entry and computes its hash. Index and PrevHash are set
// by the journal on append.
func (e *Entry) seal(index int, prevHash string) error {
	e.Index = index
	e.PrevHash = prevHash
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	h, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("compute entry hash: %w", err)
	}
	e.Hash = h
	return nil
}
