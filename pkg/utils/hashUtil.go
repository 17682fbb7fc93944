// Package utils holds the sha256 helpers shared by the journal and the cache.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString is HashBytes for strings.
func HashString(data string) string { return HashBytes([]byte(data)) }

// HashFileSet fingerprints files under root by relative path and content.
// The result does not depend on the order of rels.
func HashFileSet(root string, rels []string) (string, error) {
	sorted := append([]string{}, rels...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, rel := range sorted {
		sum, err := HashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		io.WriteString(h, rel)
		h.Write([]byte{0})
		io.WriteString(h, sum)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SafeName maps name to a single path segment. Characters outside
// [A-Za-z0-9_-] become '_' and a short hash of the original name is
// appended, so distinct names never share a segment.
func SafeName(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			clean = append(clean, r)
		default:
			clean = append(clean, '_')
		}
	}
	prefix := string(clean)
	if len(prefix) > 48 {
		prefix = prefix[:48]
	}
	if prefix == "" {
		prefix = "job"
	}
	return prefix + "-" + HashString(name)[:8]
}
