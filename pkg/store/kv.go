// Package store provides the runtime's durable byte storage: a file-backed
// KV used by the approval queue, and content-addressed archives (local
// filesystem or S3) used by ledger export.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/qorelogic/failsafe/pkg/canonical"
)

// KV is a directory of JSON documents, one file per key. Keys are
// caller-supplied strings; filenames are derived by hashing, so hostile
// keys cannot escape the directory.
type KV struct {
	dir string
	mu  sync.RWMutex
}

type kvEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// NewKV creates the directory if needed and returns a store over it.
func NewKV(dir string) (*KV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure kv dir: %w", err)
	}
	return &KV{dir: dir}, nil
}

// Put marshals value and writes it under key. Writes go through a temp
// file and rename, so readers never observe a torn document.
func (s *KV) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %q: %w", key, err)
	}
	doc, err := json.Marshal(kvEnvelope{Key: key, Value: raw})
	if err != nil {
		return fmt.Errorf("store: marshal %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: commit %q: %w", key, err)
	}
	return nil
}

// Get unmarshals the document under key into out. The second return is
// false when the key does not exist.
func (s *KV) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read %q: %w", key, err)
	}

	var env kvEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the document under key. Deleting a missing key is not
// an error.
func (s *KV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Keys lists every stored key. Order is unspecified.
func (s *KV) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list kv dir: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", entry.Name(), err)
		}
		var env kvEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", entry.Name(), err)
		}
		keys = append(keys, env.Key)
	}
	return keys, nil
}

func (s *KV) pathFor(key string) string {
	return filepath.Join(s.dir, canonical.HashString(key)+".json")
}
