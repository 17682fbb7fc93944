package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"localci/internal/security"
)

// Journal is a JSON lines file, one entry per line.
type Journal struct {
	mu      sync.Mutex
	entries []*Entry
	path    string
	keys    *security.KeyPair
}

// Open loads the journal at path, creating an empty one if missing.
// With keys set, appended entries are signed.
func Open(path string, keys *security.KeyPair) (*Journal, error) {
	j := &Journal{path: path, keys: keys}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %d: %w", len(j.entries), err)
		}
		j.entries = append(j.entries, &e)
	}
	return j, nil
}

// Append links e to the last entry, signs it when keys are configured and
// persists it.
func (j *Journal) Append(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := ""
	if n := len(j.entries); n > 0 {
		prev = j.entries[n-1].Hash
	}
	if err := e.seal(len(j.entries), prev); err != nil {
		return err
	}
	if j.keys != nil {
		e.Signature = j.keys.Sign([]byte(e.Hash))
		e.PubKey = j.keys.PublicHex()
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0o775); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("write journal file: %w", err)
	}
	j.entries = append(j.entries, e)
	return nil
}

// Entries returns a copy of every entry in order.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	for i, e := range j.entries {
		out[i] = *e
	}
	return out
}

// LastHash returns the last entry hash (or empty if none)
func (j *Journal) LastHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return ""
	}
	return j.entries[len(j.entries)-1].Hash
}
