package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localci/internal/core"
	"localci/internal/mutex"
	"localci/pkg/utils"
)

// Store owns the cache and artifact areas of the state directory.
type Store struct {
	StateDir string
	Locks    *mutex.Manager
	logger   *zap.Logger

	// Observe, when set, receives (operation, result) pairs such as ("cache_pull", "hit").
	Observe func(op, result string)
}

func NewStore(stateDir string, locks *mutex.Manager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = mutex.NewManager()
	}
	return &Store{StateDir: stateDir, Locks: locks, logger: logger}
}

func (s *Store) observe(op, result string) {
	if s.Observe != nil {
		s.Observe(op, result)
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// CacheKey computes the directory key of spec. Literal keys are expanded
// with expand; key:files keys fingerprint the named files so identical
// contents give identical keys. Missing key files fall back to "default".
func CacheKey(spec core.CacheSpec, workspace string, expand func(string) string) (string, error) {
	if len(spec.Key.Files) == 0 {
		return sanitizeKey(expand(spec.Key.Literal)), nil
	}
	var patterns []string
	for _, f := range spec.Key.Files {
		patterns = append(patterns, expand(f))
	}
	files, err := Collect(workspace, patterns, nil)
	if err != nil {
		return "", fmt.Errorf("cache key files: %w", err)
	}
	key := "default"
	if len(files) > 0 {
		sum, err := utils.HashFileSet(workspace, files)
		if err != nil {
			return "", fmt.Errorf("cache key files: %w", err)
		}
		key = sum[:16]
	}
	if prefix := expand(spec.Key.Prefix); prefix != "" {
		key = prefix + "-" + key
	}
	return sanitizeKey(key), nil
}

func sanitizeKey(key string) string {
	key = unsafeKeyChars.ReplaceAllString(strings.TrimSpace(key), "_")
	if key == "" || key == "." || key == ".." {
		return "default"
	}
	return key
}

// CacheDir is where the contents of key live.
func (s *Store) CacheDir(key string) string {
	return filepath.Join(s.StateDir, "cache", key)
}

func lockKey(key string) string { return "cache:" + key }

// PullCache restores key into workspace. It reports whether a cache existed.
func (s *Store) PullCache(ctx context.Context, key, workspace string) (bool, error) {
	found := false
	err := s.Locks.Exclusive(ctx, lockKey(key), func() error {
		dir := s.CacheDir(key)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil
		}
		found = true
		return CopyTree(dir, workspace)
	})
	if err != nil {
		s.observe("cache_pull", "error")
		return false, fmt.Errorf("pull cache %s: %w", key, err)
	}
	if found {
		s.observe("cache_pull", "hit")
	} else {
		s.observe("cache_pull", "miss")
	}
	return found, nil
}

// PushCache saves the files matched by paths under key. The new content is
// written beside the old one and swapped in with a rename while key is held,
// so concurrent pushes never interleave. When nothing matches, warn is
// called and the existing cache is kept.
func (s *Store) PushCache(ctx context.Context, key string, paths []string, workspace string, warn func(string)) error {
	files, err := Collect(workspace, paths, nil)
	if err != nil {
		s.observe("cache_push", "error")
		return fmt.Errorf("push cache %s: %w", key, err)
	}
	if len(files) == 0 {
		s.observe("cache_push", "empty")
		if warn != nil {
			warn(fmt.Sprintf("WARNING: cache %s: no files matched %s", key, strings.Join(paths, ", ")))
		}
		return nil
	}

	root := filepath.Join(s.StateDir, "cache")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(root, ".tmp-"+uuid.NewString())
	if err := CopyFiles(workspace, tmp, files); err != nil {
		_ = os.RemoveAll(tmp)
		s.observe("cache_push", "error")
		return fmt.Errorf("push cache %s: %w", key, err)
	}
	err = s.Locks.Exclusive(ctx, lockKey(key), func() error {
		return commitDir(tmp, s.CacheDir(key))
	})
	if err != nil {
		_ = os.RemoveAll(tmp)
		s.observe("cache_push", "error")
		return fmt.Errorf("push cache %s: %w", key, err)
	}
	s.logger.Debug("cache pushed", zap.String("key", key), zap.Int("files", len(files)))
	s.observe("cache_push", "saved")
	return nil
}
