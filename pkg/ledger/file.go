package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// FileStore persists the chain as one JSON object per line. Appends are
// fsynced before the head advances, so a crash can tear at most the final
// line; Initialize truncates a torn tail and records the recovery as a
// SYSTEM_EVENT.
type FileStore struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	lastID   int64
	head     string
	ready    bool
	poisoned error
	now      func() time.Time
	logger   *slog.Logger
	onAppend func(contracts.LedgerEntry)
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) FileOption {
	return func(s *FileStore) { s.logger = l }
}

// WithAppendHook registers a callback invoked after every durable append,
// outside the store lock. Used to feed the event bus.
func WithAppendHook(f func(contracts.LedgerEntry)) FileOption {
	return func(s *FileStore) { s.onAppend = f }
}

// NewFileStore returns an uninitialized store over path.
func NewFileStore(path string, opts ...FileOption) *FileStore {
	s := &FileStore{
		path:   path,
		head:   GenesisHash,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates the ledger directory if needed, recovers the chain
// head from the last durable entry and truncates a torn final line. The
// truncation is recorded as a SYSTEM_EVENT once the store is writable.
func (s *FileStore) Initialize(ctx context.Context) error {
	s.mu.Lock()

	if s.ready {
		s.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ledger: create dir: %w", err)
	}

	truncatedBytes, err := s.recover()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ledger: open: %w", err)
	}
	s.f = f
	s.ready = true
	s.mu.Unlock()

	if truncatedBytes > 0 {
		s.logger.Warn("ledger recovered from torn tail",
			slog.String("path", s.path),
			slog.Int64("truncatedBytes", truncatedBytes))
		_, err := s.Append(ctx, Draft{
			EventType: contracts.EventSystem,
			Payload: map[string]any{
				"event":          "torn_tail_truncated",
				"truncatedBytes": truncatedBytes,
			},
		})
		if err != nil {
			return fmt.Errorf("ledger: record recovery: %w", err)
		}
	}
	return nil
}

// recover scans the existing file, setting lastID and head from the final
// parseable entry. A torn final line is cut off; an unparseable line
// anywhere else is corruption and fails initialization. Returns the number
// of bytes truncated.
func (s *FileStore) recover() (int64, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: open for recovery: %w", err)
	}
	defer f.Close()

	var (
		offset    int64
		lineStart int64
		sawError  bool
	)
	r := bufio.NewReaderSize(f, 256*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lineStart = offset
			offset += int64(len(line))
			var e contracts.LedgerEntry
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				sawError = true
			} else if sawError {
				// A parseable entry after a broken one means the break was
				// not a torn tail.
				return 0, fmt.Errorf("%w: unreadable entry before id %d", ErrCorrupt, e.ID)
			} else {
				s.lastID = e.ID
				s.head = e.ChainHash
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("ledger: recovery read: %w", err)
		}
	}

	if !sawError {
		return 0, nil
	}
	truncated := offset - lineStart
	if err := os.Truncate(s.path, lineStart); err != nil {
		return 0, fmt.Errorf("ledger: truncate torn tail: %w", err)
	}
	return truncated, nil
}

// Append assigns id, timestamp and hashes to d, persists it durably and
// advances the head. Persistence failures poison the store.
func (s *FileStore) Append(ctx context.Context, d Draft) (contracts.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return contracts.LedgerEntry{}, err
	}

	s.mu.Lock()
	entry, err := s.appendLocked(d)
	s.mu.Unlock()
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	if s.onAppend != nil {
		s.onAppend(entry)
	}
	return entry, nil
}

func (s *FileStore) appendLocked(d Draft) (contracts.LedgerEntry, error) {
	if !s.ready {
		return contracts.LedgerEntry{}, ErrNotInitialized
	}
	if s.poisoned != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrStorePoisoned, s.poisoned)
	}

	payload, err := marshalPayload(d.Payload)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	entry := contracts.LedgerEntry{
		ID:                 s.lastID + 1,
		EventType:          d.EventType,
		AgentDID:           d.AgentDID,
		AgentTrustAtAction: d.AgentTrustAtAction,
		ArtifactPath:       d.ArtifactPath,
		RiskGrade:          d.RiskGrade,
		OverseerDID:        d.OverseerDID,
		OverseerDecision:   d.OverseerDecision,
		Payload:            payload,
		PreviousHash:       s.head,
		Timestamp:          contracts.NewTimestamp(s.now()),
	}
	entry.ContentHash, err = ContentHash(entry)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	entry.ChainHash = ChainHash(entry.ContentHash, entry.PreviousHash)

	line, err := json.Marshal(entry)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger: encode entry: %w", err)
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		s.poisoned = err
		return contracts.LedgerEntry{}, fmt.Errorf("ledger: write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		s.poisoned = err
		return contracts.LedgerEntry{}, fmt.Errorf("ledger: sync: %w", err)
	}

	s.lastID = entry.ID
	s.head = entry.ChainHash
	return entry, nil
}

// Count returns the id of the newest entry, which equals the entry count.
func (s *FileStore) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Head returns the chain hash new entries will link to.
func (s *FileStore) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Entries reads the inclusive id range [fromID, toID], oldest first. Zero
// or negative bounds default to the chain's ends.
func (s *FileStore) Entries(ctx context.Context, fromID, toID int64) ([]contracts.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil, ErrNotInitialized
	}
	if fromID <= 0 {
		fromID = 1
	}
	if toID <= 0 || toID > s.lastID {
		toID = s.lastID
	}
	if fromID > toID {
		return nil, nil
	}

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open for range read: %w", err)
	}
	defer f.Close()

	out := make([]contracts.LedgerEntry, 0, toID-fromID+1)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	var lastGood int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e contracts.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%w: unreadable entry after id %d", ErrCorrupt, lastGood)
		}
		lastGood = e.ID
		if e.ID > toID {
			break
		}
		if e.ID >= fromID {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: range read: %w", err)
	}
	return out, nil
}

// VerifyChain streams the whole file, recomputing every hash and link. A
// failed verification poisons the store until Acknowledge.
func (s *FileStore) VerifyChain(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return Report{}, ErrNotInitialized
	}

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Report{Valid: true}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("ledger: open for verify: %w", err)
	}
	defer f.Close()

	report := Report{Valid: true}
	prev := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		var e contracts.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			report.Valid = false
			report.FirstBadID = report.EntriesChecked + 1
			break
		}
		if err := verifyEntry(e, report.EntriesChecked+1, prev); err != nil {
			report.Valid = false
			report.FirstBadID = e.ID
			break
		}
		prev = e.ChainHash
		report.EntriesChecked++
	}
	if err := scanner.Err(); err != nil {
		return Report{}, fmt.Errorf("ledger: verify read: %w", err)
	}

	if !report.Valid {
		s.poisoned = fmt.Errorf("%w: first bad id %d", ErrChainBroken, report.FirstBadID)
		s.logger.Error("ledger chain verification failed",
			slog.Int64("firstBadId", report.FirstBadID),
			slog.Int64("entriesChecked", report.EntriesChecked))
	}
	return report, nil
}

// Acknowledge clears a poisoned store after operator review and records
// the acknowledgement.
func (s *FileStore) Acknowledge(ctx context.Context) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	cause := s.poisoned
	s.poisoned = nil
	s.mu.Unlock()

	if cause == nil {
		return nil
	}
	_, err := s.Append(ctx, Draft{
		EventType: contracts.EventSystem,
		Payload: map[string]any{
			"event": "chain_verification_acknowledged",
			"cause": cause.Error(),
		},
	})
	return err
}

// Close releases the file handle. The store cannot append afterwards.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
