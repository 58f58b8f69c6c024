package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestKVRoundTrip(t *testing.T) {
	kv, err := NewKV(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("req-1", testDoc{Name: "alpha", Count: 3}))

	var got testDoc
	found, err := kv.Get("req-1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testDoc{Name: "alpha", Count: 3}, got)
}

func TestKVMissingKey(t *testing.T) {
	kv, err := NewKV(t.TempDir())
	require.NoError(t, err)

	var got testDoc
	found, err := kv.Get("nope", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKVOverwrite(t *testing.T) {
	kv, err := NewKV(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("req-1", testDoc{Count: 1}))
	require.NoError(t, kv.Put("req-1", testDoc{Count: 2}))

	var got testDoc
	_, err = kv.Get("req-1", &got)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
}

func TestKVDelete(t *testing.T) {
	kv, err := NewKV(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("req-1", testDoc{}))
	require.NoError(t, kv.Delete("req-1"))

	var got testDoc
	found, err := kv.Get("req-1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, kv.Delete("req-1"), "deleting a missing key is fine")
}

func TestKVKeys(t *testing.T) {
	kv, err := NewKV(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("a", testDoc{}))
	require.NoError(t, kv.Put("b", testDoc{}))
	require.NoError(t, kv.Put("c", testDoc{}))

	keys, err := kv.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}

func TestKVHostileKeyStaysInside(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewKV(dir)
	require.NoError(t, err)

	require.NoError(t, kv.Put("../../etc/passwd", testDoc{Name: "safe"}))

	var got testDoc
	found, err := kv.Get("../../etc/passwd", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "safe", got.Name)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the document lives inside the kv dir")
}

func TestKVSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewKV(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Put("req-1", testDoc{Name: "persisted"}))

	reopened, err := NewKV(dir)
	require.NoError(t, err)

	var got testDoc
	found, err := reopened.Get("req-1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", got.Name)
}
