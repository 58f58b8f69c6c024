package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

func TestWatcherSwapsOnChange(t *testing.T) {
	dir := writePolicies(t, validRisk, validCitation, validTrust)

	var swaps atomic.Int32
	w, err := NewWatcher(dir, func(ReloadNotice) { swaps.Add(1) }, nil)
	require.NoError(t, err)
	initial := w.Snapshot().Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(100 * time.Millisecond) // let the watch register

	require.NoError(t, os.WriteFile(filepath.Join(dir, CitationPolicyFile),
		[]byte(`{"schemaVersion": "1.0.0", "enforce": false, "minSources": 9}`), 0o600))

	require.Eventually(t, func() bool {
		return w.Snapshot().Version != initial
	}, 5*time.Second, 50*time.Millisecond, "snapshot should swap after a file change")

	assert.Equal(t, 9, w.Snapshot().Citation.MinSources)
	assert.GreaterOrEqual(t, swaps.Load(), int32(1))
}

func TestWatcherKeepsSnapshotOnInvalidChange(t *testing.T) {
	dir := writePolicies(t, validRisk, validCitation, validTrust)

	w, err := NewWatcher(dir, nil, nil)
	require.NoError(t, err)
	initial := w.Snapshot().Version

	var rejects atomic.Int32
	var rejectCode atomic.Value
	w.OnReject(func(e *contracts.Error) {
		rejects.Add(1)
		rejectCode.Store(string(e.Code))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, RiskGradingFile),
		[]byte(`{broken json`), 0o600))

	require.Eventually(t, func() bool {
		return rejects.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond, "the reject hook should fire")
	assert.Equal(t, string(contracts.CodePolicyInvalid), rejectCode.Load())
	assert.Equal(t, initial, w.Snapshot().Version,
		"invalid replacement must not replace a working snapshot")

	// A later valid write recovers.
	require.NoError(t, os.WriteFile(filepath.Join(dir, RiskGradingFile),
		[]byte(validRisk+" "), 0o600))
	require.Eventually(t, func() bool {
		return w.Snapshot().Version != initial
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewWatcherRejectsBrokenDir(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWatcher(dir, nil, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}
