// Package transfer moves caches and artifacts between job workspaces and the
// local state directory.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Collect returns the files under root matched by patterns, minus anything
// matched by exclude, as sorted slash separated relative paths. A pattern
// naming a directory selects everything below it.
func Collect(root string, patterns, exclude []string) ([]string, error) {
	fsys := os.DirFS(root)
	set := map[string]bool{}
	for _, raw := range patterns {
		pattern, err := cleanPattern(raw)
		if err != nil {
			return nil, err
		}
		if pattern == "." {
			if err := addTree(fsys, ".", exclude, set); err != nil {
				return nil, err
			}
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", raw, err)
		}
		for _, m := range matches {
			if err := addTree(fsys, m, exclude, set); err != nil {
				return nil, err
			}
		}
	}

	out := make([]string, 0, len(set))
	for rel := range set {
		ok, err := excluded(rel, exclude)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}

func cleanPattern(p string) (string, error) {
	p = strings.TrimPrefix(filepath.ToSlash(p), "./")
	p = strings.TrimSuffix(p, "/")
	if p == "" || p == "." {
		return ".", nil
	}
	if path.IsAbs(p) || p == ".." || strings.HasPrefix(path.Clean(p), "../") {
		return "", fmt.Errorf("path %q is outside the working directory", p)
	}
	return p, nil
}

// addTree adds the files below root. Excluded directories are not entered,
// and entries that vanish during the walk are ignored.
func addTree(fsys fs.FS, root string, exclude []string, set map[string]bool) error {
	return fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			set[p] = true
			return nil
		}
		if p != root && excludedDir(p, exclude) {
			return fs.SkipDir
		}
		return nil
	})
}

func excludedDir(dir string, patterns []string) bool {
	for _, raw := range patterns {
		p := strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(raw), "./"), "/")
		if ok, _ := doublestar.Match(p, dir); ok {
			return true
		}
	}
	return false
}

func excluded(rel string, patterns []string) (bool, error) {
	for _, raw := range patterns {
		p := strings.TrimPrefix(filepath.ToSlash(raw), "./")
		if strings.HasSuffix(p, "/") {
			p += "**"
		}
		ok, err := doublestar.Match(p, rel)
		if err != nil {
			return false, fmt.Errorf("exclude %q: %w", raw, err)
		}
		if ok {
			return true, nil
		}
		// a pattern naming a directory excludes its contents
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			if ok, _ := doublestar.Match(p, dir); ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// CopyFiles copies rels from src to dst, creating parents. Symlinks are recreated.
func CopyFiles(src, dst string, rels []string) error {
	for _, rel := range rels {
		from := filepath.Join(src, filepath.FromSlash(rel))
		to := filepath.Join(dst, filepath.FromSlash(rel))
		if err := copyFile(from, to); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
	}
	return nil
}

// CopyTree copies every file below src into dst.
func CopyTree(src, dst string) error {
	rels, err := Collect(src, []string{"."}, nil)
	if err != nil {
		return err
	}
	return CopyFiles(src, dst, rels)
}

func copyFile(from, to string) error {
	info, err := os.Lstat(from)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(from)
		if err != nil {
			return err
		}
		_ = os.Remove(to)
		return os.Symlink(target, to)
	}

	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// commitDir atomically replaces dst with the fully written tmp directory.
func commitDir(tmp, dst string) error {
	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = dst + ".old-" + filepath.Base(tmp)
		if err := os.Rename(dst, old); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		if old != "" {
			_ = os.Rename(old, dst)
		}
		return err
	}
	if old != "" {
		return os.RemoveAll(old)
	}
	return nil
}
