package transfer

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localci/internal/core"
	"localci/pkg/utils"
)

// ArtifactDir is the staging area of job's artifacts. Every job gets its
// own directory directly below <state>/artifacts.
func (s *Store) ArtifactDir(job string) string {
	return filepath.Join(s.StateDir, "artifacts", utils.SafeName(job))
}

func (s *Store) dotenvPath(job string) string {
	return filepath.Join(s.StateDir, "artifacts", ".dotenv", utils.SafeName(job)+".env")
}

// SaveArtifacts stages the files of spec from workspace under the job's
// name, with exclude globs removed. Dotenv reports are parsed and kept
// beside the staged files. It returns the dotenv variables.
func (s *Store) SaveArtifacts(job string, spec *core.ArtifactSpec, workspace string, expand func(string) string, warn func(string)) (map[string]string, error) {
	if spec == nil {
		return nil, nil
	}
	paths := expandAll(spec.Paths, expand)
	exclude := expandAll(spec.Exclude, expand)

	var files []string
	if len(paths) > 0 {
		var err error
		if files, err = Collect(workspace, paths, exclude); err != nil {
			s.observe("artifacts_save", "error")
			return nil, fmt.Errorf("artifacts of %s: %w", job, err)
		}
		if len(files) == 0 && warn != nil {
			warn(fmt.Sprintf("WARNING: artifacts of %s: no files matched %s", job, strings.Join(paths, ", ")))
		}
	}

	root := filepath.Join(s.StateDir, "artifacts")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	tmp := filepath.Join(root, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, err
	}
	if err := CopyFiles(workspace, tmp, files); err != nil {
		_ = os.RemoveAll(tmp)
		s.observe("artifacts_save", "error")
		return nil, fmt.Errorf("artifacts of %s: %w", job, err)
	}
	if err := commitDir(tmp, s.ArtifactDir(job)); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("artifacts of %s: %w", job, err)
	}
	s.observe("artifacts_save", "saved")

	dotenv := map[string]string{}
	for _, report := range spec.Reports.Dotenv {
		data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(expand(report))))
		if err != nil {
			if warn != nil {
				warn(fmt.Sprintf("WARNING: dotenv report %s of %s cannot be read: %s", report, job, err))
			}
			continue
		}
		vars, err := ParseDotenv(data)
		if err != nil {
			return nil, fmt.Errorf("dotenv report %s of %s: %w", report, job, err)
		}
		for k, v := range vars {
			dotenv[k] = v
		}
	}
	if err := s.writeDotenv(job, dotenv); err != nil {
		return nil, err
	}
	s.logger.Debug("artifacts saved", zap.String("job", job), zap.Int("files", len(files)), zap.Int("dotenv", len(dotenv)))
	return dotenv, nil
}

func expandAll(in []string, expand func(string) string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = expand(v)
	}
	return out
}

// RestoreArtifacts copies the staged artifacts of producer into workspace.
// A producer without staged artifacts reports false.
func (s *Store) RestoreArtifacts(producer, workspace string) (bool, error) {
	dir := s.ArtifactDir(producer)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.observe("artifacts_restore", "miss")
		return false, nil
	}
	if err := CopyTree(dir, workspace); err != nil {
		s.observe("artifacts_restore", "error")
		return false, fmt.Errorf("restore artifacts of %s: %w", producer, err)
	}
	s.observe("artifacts_restore", "hit")
	return true, nil
}

// Dotenv returns the dotenv variables staged for job, if any.
func (s *Store) Dotenv(job string) (map[string]string, error) {
	data, err := os.ReadFile(s.dotenvPath(job))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseDotenv(data)
}

func (s *Store) writeDotenv(job string, vars map[string]string) error {
	p := s.dotenvPath(job)
	if len(vars) == 0 {
		_ = os.Remove(p)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, kv := range core.Environ(vars) {
		buf.WriteString(kv)
		buf.WriteByte('\n')
	}
	return os.WriteFile(p, buf.Bytes(), 0o644)
}

// ParseDotenv reads KEY=VALUE lines. Blank lines and # comments are
// skipped; surrounding quotes are removed from values.
func ParseDotenv(data []byte) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, value, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", line)
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		out[key] = value
	}
	return out, sc.Err()
}
