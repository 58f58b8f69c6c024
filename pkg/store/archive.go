package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/qorelogic/failsafe/pkg/canonical"
)

// hashPrefix tags archive references with the digest algorithm.
const hashPrefix = "sha256:"

// ErrBadReference is returned for references that are not prefixed
// lowercase sha256 hex.
var ErrBadReference = errors.New("store: malformed archive reference")

// Archive is content-addressed blob storage for ledger exports. Store is
// idempotent: re-storing identical bytes returns the same reference
// without rewriting.
type Archive interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// parseReference strips and checks the sha256: prefix.
func parseReference(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, hashPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	if len(digest) != 64 {
		return "", fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	return digest, nil
}

// FileArchive stores blobs under a local directory, one file per digest.
type FileArchive struct {
	dir string
	mu  sync.RWMutex
}

// NewFileArchive creates the directory if needed.
func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

// Store implements Archive. Existing blobs are left untouched.
func (a *FileArchive) Store(_ context.Context, data []byte) (string, error) {
	digest := canonical.HashBytes(data)
	ref := hashPrefix + digest

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, digest+".blob")
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("store: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("store: commit blob: %w", err)
	}
	return ref, nil
}

// Get implements Archive.
func (a *FileArchive) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseReference(ref)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(a.dir, digest+".blob"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("store: blob %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read blob: %w", err)
	}
	return data, nil
}

// Exists implements Archive.
func (a *FileArchive) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseReference(ref)
	if err != nil {
		return false, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, err := os.Stat(filepath.Join(a.dir, digest+".blob")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("store: stat blob: %w", err)
	}
	return true, nil
}
