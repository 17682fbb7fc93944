package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localci/internal/report"
	"localci/internal/security"
)

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)
	j, err := Open(filepath.Join(dir, "journal.jsonl"), &kp)
	require.NoError(t, err)

	logs := map[string]string{
		"build": writeLog(t, dir, "build.log", "compiled"),
		"test":  writeLog(t, dir, "test.log", "ok"),
	}
	sink := &Sink{Journal: j, PipelineIID: 7, LogPath: func(job string) string { return logs[job] }}
	sink.Emit(report.Event{Job: "build", Stage: "build", Type: report.StatusEvent, Status: "running"})
	sink.Emit(report.Event{Job: "build", Stage: "build", Type: report.StatusEvent, Status: "success", Attempt: 1})
	sink.Emit(report.Event{Job: "test", Stage: "test", Type: report.StatusEvent, Status: "failed", Attempt: 2, ExitCode: 1})

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "", entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, 7, entries[1].PipelineIID)
	assert.NotEmpty(t, entries[1].Signature)
	require.NoError(t, j.Verify(true))

	reopened, err := Open(filepath.Join(dir, "journal.jsonl"), nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Verify(true))
	assert.Equal(t, j.LastHash(), reopened.LastHash())
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	j, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Append(&Entry{Job: "a", Status: "success"}))
	require.NoError(t, j.Append(&Entry{Job: "b", Status: "failed", ExitCode: 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"status":"failed"`, `"status":"success"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, reopened.Verify(false), "hash mismatch at index 1")
}

func TestVerifyDetectsChangedLog(t *testing.T) {
	dir := t.TempDir()
	log := writeLog(t, dir, "a.log", "original")
	j, err := Open(filepath.Join(dir, "journal.jsonl"), nil)
	require.NoError(t, err)
	sink := &Sink{Journal: j, LogPath: func(string) string { return log }}
	sink.Emit(report.Event{Job: "a", Type: report.StatusEvent, Status: "success"})

	require.NoError(t, j.Verify(true))
	require.NoError(t, os.WriteFile(log, []byte("edited"), 0o644))
	assert.ErrorContains(t, j.Verify(true), "log hash mismatch at index 0")
	assert.NoError(t, j.Verify(false))
}
