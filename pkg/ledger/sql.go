package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                BIGINT PRIMARY KEY,
	event_type        TEXT NOT NULL,
	agent_did         TEXT NOT NULL DEFAULT '',
	agent_trust       DOUBLE PRECISION,
	artifact_path     TEXT NOT NULL DEFAULT '',
	risk_grade        TEXT NOT NULL DEFAULT '',
	overseer_did      TEXT NOT NULL DEFAULT '',
	overseer_decision TEXT NOT NULL DEFAULT '',
	payload           TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	previous_hash     TEXT NOT NULL,
	chain_hash        TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
)`

// SQLStore keeps the chain in a relational table with the same semantics
// as the file backend. Deployments that already run Postgres point
// QORE_LEDGER_BACKEND at it; the driver is registered by the caller.
type SQLStore struct {
	mu       sync.Mutex
	db       *sql.DB
	lastID   int64
	head     string
	ready    bool
	poisoned error
	now      func() time.Time
	logger   *slog.Logger
	onAppend func(contracts.LedgerEntry)
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLClock injects the time source, for tests.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) { s.now = now }
}

// WithSQLLogger sets the store logger.
func WithSQLLogger(l *slog.Logger) SQLOption {
	return func(s *SQLStore) { s.logger = l }
}

// WithSQLAppendHook registers a post-append callback.
func WithSQLAppendHook(f func(contracts.LedgerEntry)) SQLOption {
	return func(s *SQLStore) { s.onAppend = f }
}

// NewSQLStore returns an uninitialized store over db.
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:     db,
		head:   GenesisHash,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize runs the migration and recovers the head from the newest row.
func (s *SQLStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chain_hash FROM ledger_entries ORDER BY id DESC LIMIT 1`)
	var id int64
	var head string
	switch err := row.Scan(&id, &head); {
	case err == nil:
		s.lastID = id
		s.head = head
	case errors.Is(err, sql.ErrNoRows):
		// empty chain, genesis head stands
	default:
		return fmt.Errorf("ledger: recover head: %w", err)
	}
	s.ready = true
	return nil
}

// Append inserts the next entry. Insert failures poison the store the same
// way a failed file write does.
func (s *SQLStore) Append(ctx context.Context, d Draft) (contracts.LedgerEntry, error) {
	s.mu.Lock()
	entry, err := s.appendLocked(ctx, d)
	s.mu.Unlock()
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	if s.onAppend != nil {
		s.onAppend(entry)
	}
	return entry, nil
}

func (s *SQLStore) appendLocked(ctx context.Context, d Draft) (contracts.LedgerEntry, error) {
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

	var trust sql.NullFloat64
	if entry.AgentTrustAtAction != nil {
		trust = sql.NullFloat64{Float64: *entry.AgentTrustAtAction, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, event_type, agent_did, agent_trust, artifact_path, risk_grade,
			overseer_did, overseer_decision, payload, content_hash,
			previous_hash, chain_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.EventType, entry.AgentDID, trust, entry.ArtifactPath,
		entry.RiskGrade, entry.OverseerDID, entry.OverseerDecision,
		string(entry.Payload), entry.ContentHash, entry.PreviousHash,
		entry.ChainHash, entry.Timestamp.Time)
	if err != nil {
		s.poisoned = err
		return contracts.LedgerEntry{}, fmt.Errorf("ledger: insert: %w", err)
	}

	s.lastID = entry.ID
	s.head = entry.ChainHash
	return entry, nil
}

// Count returns the id of the newest entry.
func (s *SQLStore) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Head returns the chain hash new entries will link to.
func (s *SQLStore) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Entries reads the inclusive id range [fromID, toID], oldest first. Zero
// or negative bounds default to the chain's ends.
func (s *SQLStore) Entries(ctx context.Context, fromID, toID int64) ([]contracts.LedgerEntry, error) {
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, agent_did, agent_trust, artifact_path,
		       risk_grade, overseer_did, overseer_decision, payload,
		       content_hash, previous_hash, chain_hash, created_at
		FROM ledger_entries WHERE id >= $1 AND id <= $2 ORDER BY id ASC`,
		fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("ledger: range query: %w", err)
	}
	defer rows.Close()

	out := make([]contracts.LedgerEntry, 0, toID-fromID+1)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: range scan: %w", err)
	}
	return out, nil
}

// VerifyChain walks every row in id order recomputing hashes and links.
func (s *SQLStore) VerifyChain(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return Report{}, ErrNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, agent_did, agent_trust, artifact_path,
		       risk_grade, overseer_did, overseer_decision, payload,
		       content_hash, previous_hash, chain_hash, created_at
		FROM ledger_entries ORDER BY id ASC`)
	if err != nil {
		return Report{}, fmt.Errorf("ledger: verify query: %w", err)
	}
	defer rows.Close()

	report := Report{Valid: true}
	prev := GenesisHash
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Report{}, err
		}
		if err := verifyEntry(e, report.EntriesChecked+1, prev); err != nil {
			report.Valid = false
			report.FirstBadID = e.ID
			break
		}
		prev = e.ChainHash
		report.EntriesChecked++
	}
	if err := rows.Err(); err != nil {
		return Report{}, fmt.Errorf("ledger: verify scan: %w", err)
	}

	if !report.Valid {
		s.poisoned = fmt.Errorf("%w: first bad id %d", ErrChainBroken, report.FirstBadID)
		s.logger.Error("ledger chain verification failed",
			slog.Int64("firstBadId", report.FirstBadID),
			slog.Int64("entriesChecked", report.EntriesChecked))
	}
	return report, nil
}

func scanEntry(rows *sql.Rows) (contracts.LedgerEntry, error) {
	var (
		e       contracts.LedgerEntry
		trust   sql.NullFloat64
		payload string
		created time.Time
	)
	err := rows.Scan(&e.ID, &e.EventType, &e.AgentDID, &trust, &e.ArtifactPath,
		&e.RiskGrade, &e.OverseerDID, &e.OverseerDecision, &payload,
		&e.ContentHash, &e.PreviousHash, &e.ChainHash, &created)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger: scan: %w", err)
	}
	if trust.Valid {
		e.AgentTrustAtAction = &trust.Float64
	}
	e.Payload = json.RawMessage(payload)
	e.Timestamp = contracts.NewTimestamp(created)
	return e, nil
}

// Acknowledge clears a poisoned store after operator review.
func (s *SQLStore) Acknowledge(ctx context.Context) error {
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

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	return s.db.Close()
}
