package replay

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...NonceOption) *SQLiteNonceStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "replay.db"))
	require.NoError(t, err)
	store, err := NewSQLiteNonceStore(db, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNonceSingleUse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(5 * time.Minute)

	require.NoError(t, store.MarkUsed(ctx, "agent-7", "nonce-123", exp))
	assert.ErrorIs(t, store.MarkUsed(ctx, "agent-7", "nonce-123", exp), ErrNonceReplayed)
}

func TestNonceScopedByActor(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(5 * time.Minute)

	require.NoError(t, store.MarkUsed(ctx, "agent-7", "nonce-123", exp))
	assert.NoError(t, store.MarkUsed(ctx, "agent-8", "nonce-123", exp))
}

func TestNonceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.db")
	ctx := context.Background()
	exp := time.Now().Add(5 * time.Minute)

	store, err := OpenSQLiteNonceStore(path)
	require.NoError(t, err)
	require.NoError(t, store.MarkUsed(ctx, "agent-7", "nonce-123", exp))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteNonceStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.ErrorIs(t, reopened.MarkUsed(ctx, "agent-7", "nonce-123", exp),
		ErrNonceReplayed, "replay protection survives restarts")
}

func TestNoncePruneDropsExpiredRows(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := openTestStore(t, WithNonceClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, store.MarkUsed(ctx, "agent-7", "stale", now.Add(time.Minute)))

	// Jump past both the row expiry and the mirror TTL, then force the
	// interval gate open.
	now = now.Add(mirrorTTL + time.Minute)
	require.NoError(t, store.prune(ctx))

	assert.NoError(t, store.MarkUsed(ctx, "agent-7", "stale", now.Add(time.Minute)),
		"pruned nonces may be used again")
}

func TestMemoryNonceStore(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()

	require.NoError(t, store.MarkUsed(ctx, "agent-7", "n1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, store.MarkUsed(ctx, "agent-7", "n1", time.Now().Add(time.Minute)),
		ErrNonceReplayed)

	// An entry recorded as already expired does not block reuse.
	require.NoError(t, store.MarkUsed(ctx, "agent-7", "n2", time.Now().Add(-time.Minute)))
	assert.NoError(t, store.MarkUsed(ctx, "agent-7", "n2", time.Now().Add(time.Minute)))
}
