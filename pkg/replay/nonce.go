package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/cache"

	_ "modernc.org/sqlite"
)

// ErrNonceReplayed is returned when a signed proof presents a nonce that
// was already accepted for the actor.
var ErrNonceReplayed = errors.New("replay: nonce already used")

const (
	pruneInterval = time.Minute

	// mirrorTTL keeps rejected lookups off the database. It exceeds the
	// longest proof validity window, so the mirror only ever errs toward
	// rejecting.
	mirrorTTL     = 10 * time.Minute
	mirrorEntries = 8192
)

// NonceStore records single-use nonces presented by signed actor proofs.
// MarkUsed is atomic: exactly one caller wins for a given (actor, nonce).
type NonceStore interface {
	MarkUsed(ctx context.Context, actorID, nonce string, expiresAt time.Time) error
	Close() error
}

const nonceSchema = `
CREATE TABLE IF NOT EXISTS proxy_actor_replay (
	actor_id   TEXT NOT NULL,
	nonce      TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (actor_id, nonce)
);
CREATE INDEX IF NOT EXISTS idx_proxy_actor_replay_expires
	ON proxy_actor_replay (expires_at);`

// SQLiteNonceStore persists nonces in SQLite so proof replay protection
// survives restarts. A bounded in-memory mirror absorbs repeat lookups.
type SQLiteNonceStore struct {
	db     *sql.DB
	now    func() time.Time
	mirror *cache.LRU[struct{}]

	mu        sync.Mutex
	lastPrune time.Time
}

// NonceOption configures a SQLiteNonceStore.
type NonceOption func(*SQLiteNonceStore)

// WithNonceClock injects the time source, for tests.
func WithNonceClock(now func() time.Time) NonceOption {
	return func(s *SQLiteNonceStore) { s.now = now }
}

// NewSQLiteNonceStore migrates the schema and prunes expired rows. The
// caller owns opening the database; Close releases it.
func NewSQLiteNonceStore(db *sql.DB, opts ...NonceOption) (*SQLiteNonceStore, error) {
	s := &SQLiteNonceStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.mirror = cache.New[struct{}](mirrorEntries, mirrorTTL,
		cache.WithClock[struct{}](s.now))

	if _, err := db.ExecContext(context.Background(), nonceSchema); err != nil {
		return nil, fmt.Errorf("replay: migrate nonce store: %w", err)
	}
	if err := s.prune(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteNonceStore opens (or creates) the database at path and builds
// a store over it.
func OpenSQLiteNonceStore(path string, opts ...NonceOption) (*SQLiteNonceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open nonce store: %w", err)
	}
	s, err := NewSQLiteNonceStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MarkUsed implements NonceStore. The first caller for a given (actor,
// nonce) pair succeeds; every later caller gets ErrNonceReplayed.
func (s *SQLiteNonceStore) MarkUsed(ctx context.Context, actorID, nonce string, expiresAt time.Time) error {
	key := actorID + keySeparator + nonce
	if _, seen := s.mirror.Get(key); seen {
		return ErrNonceReplayed
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO proxy_actor_replay (actor_id, nonce, expires_at) VALUES (?, ?, ?)`,
		actorID, nonce, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("replay: record nonce: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replay: record nonce: %w", err)
	}
	if inserted == 0 {
		s.mirror.Set(key, struct{}{})
		return ErrNonceReplayed
	}

	s.mirror.Set(key, struct{}{})
	s.maybePrune(ctx)
	return nil
}

// Close releases the underlying database.
func (s *SQLiteNonceStore) Close() error { return s.db.Close() }

// maybePrune deletes expired rows at most once per pruneInterval,
// piggybacked on inserts so no background goroutine is needed.
func (s *SQLiteNonceStore) maybePrune(ctx context.Context) {
	s.mu.Lock()
	due := s.now().Sub(s.lastPrune) >= pruneInterval
	if due {
		s.lastPrune = s.now()
	}
	s.mu.Unlock()
	if due {
		_ = s.prune(ctx)
	}
}

func (s *SQLiteNonceStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM proxy_actor_replay WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return fmt.Errorf("replay: prune nonce store: %w", err)
	}
	s.mu.Lock()
	s.lastPrune = s.now()
	s.mu.Unlock()
	return nil
}

// MemoryNonceStore is the in-process NonceStore used by tests and by
// deployments that opt out of a durable replay database.
type MemoryNonceStore struct {
	now func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewMemoryNonceStore builds an empty in-memory store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, seen: make(map[string]time.Time)}
}

// MarkUsed implements NonceStore.
func (s *MemoryNonceStore) MarkUsed(_ context.Context, actorID, nonce string, expiresAt time.Time) error {
	key := actorID + keySeparator + nonce
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastPrune) >= pruneInterval {
		for k, exp := range s.seen {
			if !exp.After(now) {
				delete(s.seen, k)
			}
		}
		s.lastPrune = now
	}
	if exp, ok := s.seen[key]; ok && exp.After(now) {
		return ErrNonceReplayed
	}
	s.seen[key] = expiresAt
	return nil
}

// Close implements NonceStore.
func (s *MemoryNonceStore) Close() error { return nil }
