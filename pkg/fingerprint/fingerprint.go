// Package fingerprint computes bounded content fingerprints for novelty
// detection and owns the two advisory caches in front of the disk: a
// fingerprint cache (1 hour TTL) and a novelty-grade cache (5 minutes).
// Both are capacity-bounded LRUs; losing an entry only costs a recompute.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qorelogic/failsafe/pkg/cache"
	"github.com/qorelogic/failsafe/pkg/contracts"
)

var (
	// ErrInvalidPath rejects relative paths and any path containing a
	// parent traversal segment.
	ErrInvalidPath = errors.New("fingerprint: invalid path")
	// ErrOutsideWorkspace rejects paths escaping the configured root.
	ErrOutsideWorkspace = errors.New("fingerprint: path outside workspace root")
)

const (
	fingerprintTTL      = time.Hour
	noveltyTTL          = 5 * time.Minute
	defaultCacheEntries = 512
)

// Stats is a point-in-time snapshot of cache effectiveness, published with
// the router metrics.
type Stats struct {
	FingerprintHits   uint64 `json:"fingerprintHits"`
	FingerprintMisses uint64 `json:"fingerprintMisses"`
	NoveltyHits       uint64 `json:"noveltyHits"`
	NoveltyMisses     uint64 `json:"noveltyMisses"`
	FingerprintCount  int    `json:"fingerprintCount"`
	NoveltyCount      int    `json:"noveltyCount"`
	FingerprintBytes  int64  `json:"fingerprintBytes"`
}

// Service fingerprints artifacts and remembers recent grades.
type Service struct {
	workspaceRoot string
	now           func() time.Time
	logger        *slog.Logger

	fingerprints *cache.LRU[contracts.ContentFingerprint]
	novelty      *cache.LRU[contracts.Novelty]
}

// Option configures a Service.
type Option func(*Service)

// WithWorkspaceRoot restricts fingerprinting to paths under root.
func WithWorkspaceRoot(root string) Option {
	return func(s *Service) { s.workspaceRoot = filepath.Clean(root) }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService returns a Service with both caches at their default bounds.
func NewService(opts ...Option) *Service {
	s := &Service{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fingerprints = cache.New[contracts.ContentFingerprint](
		defaultCacheEntries, fingerprintTTL,
		cache.WithClock[contracts.ContentFingerprint](s.now),
		cache.WithSizeOf[contracts.ContentFingerprint](func(fp contracts.ContentFingerprint) int64 {
			return int64(len(fp.Hash) + len(fp.Path) + len(fp.Type) + 16)
		}),
	)
	s.novelty = cache.New[contracts.Novelty](
		defaultCacheEntries, noveltyTTL,
		cache.WithClock[contracts.Novelty](s.now),
	)
	return s
}

// validatePath enforces the traversal guard: absolute, no ".." segments,
// inside the workspace root when one is configured.
func (s *Service) validatePath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q contains a parent segment", ErrInvalidPath, path)
		}
	}
	if s.workspaceRoot != "" {
		clean := filepath.Clean(path)
		if clean != s.workspaceRoot &&
			!strings.HasPrefix(clean, s.workspaceRoot+string(filepath.Separator)) {
			return fmt.Errorf("%w: %q", ErrOutsideWorkspace, path)
		}
	}
	return nil
}

// Compute fingerprints the file at path, hashing at most MaxHashBytes of
// content. The result is not cached; use FingerprintFor for the cached
// path.
func (s *Service) Compute(path string) (contracts.ContentFingerprint, error) {
	if err := s.validatePath(path); err != nil {
		return contracts.ContentFingerprint{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return contracts.ContentFingerprint{}, fmt.Errorf("fingerprint: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return contracts.ContentFingerprint{}, fmt.Errorf("fingerprint: stat: %w", err)
	}

	buf := make([]byte, contracts.MaxHashBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return contracts.ContentFingerprint{}, fmt.Errorf("fingerprint: read: %w", err)
	}
	sum := sha256.Sum256(buf[:n])

	return contracts.ContentFingerprint{
		Hash:      hex.EncodeToString(sum[:]),
		Size:      info.Size(),
		Type:      strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")),
		Path:      path,
		Timestamp: contracts.NewTimestamp(s.now()),
	}, nil
}

// FingerprintFor returns the cached fingerprint for path, computing and
// caching on a miss. Failures are returned but never cached.
func (s *Service) FingerprintFor(path string) (contracts.ContentFingerprint, error) {
	if fp, ok := s.fingerprints.Get(path); ok {
		return fp, nil
	}
	fp, err := s.Compute(path)
	if err != nil {
		return contracts.ContentFingerprint{}, err
	}
	s.fingerprints.Set(path, fp)
	return fp, nil
}

// Similarity scores two fingerprints on the fixed ladder: identical hash
// 1.0, same extension 0.8, comparable size 0.5, else 0.0.
func Similarity(a, b contracts.ContentFingerprint) float64 {
	if a.Hash != "" && a.Hash == b.Hash {
		return 1.0
	}
	if a.Type != "" && a.Type == b.Type {
		return 0.8
	}
	if ratio := sizeRatio(a.Size, b.Size); ratio > 0.8 {
		return 0.5
	}
	return 0.0
}

func sizeRatio(a, b int64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

// MaxSimilarity scans the live cached fingerprints for the best match
// against fp, skipping fp's own path.
func (s *Service) MaxSimilarity(fp contracts.ContentFingerprint) float64 {
	best := 0.0
	s.fingerprints.Range(func(path string, other contracts.ContentFingerprint) bool {
		if path == fp.Path {
			return true
		}
		if score := Similarity(fp, other); score > best {
			best = score
		}
		return best < 1.0
	})
	return best
}

// CachedNovelty returns a recent novelty grade for path, if any.
func (s *Service) CachedNovelty(path string) (contracts.Novelty, bool) {
	return s.novelty.Get(path)
}

// StoreNovelty remembers the grade for path.
func (s *Service) StoreNovelty(path string, n contracts.Novelty) {
	s.novelty.Set(path, n)
}

// Stats snapshots both caches.
func (s *Service) Stats() Stats {
	fpHits, fpMisses := s.fingerprints.Stats()
	nvHits, nvMisses := s.novelty.Stats()
	return Stats{
		FingerprintHits:   fpHits,
		FingerprintMisses: fpMisses,
		NoveltyHits:       nvHits,
		NoveltyMisses:     nvMisses,
		FingerprintCount:  s.fingerprints.Len(),
		NoveltyCount:      s.novelty.Len(),
		FingerprintBytes:  s.fingerprints.TotalSize(),
	}
}
