package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/ledger"
)

// seedLedger writes n entries to a fresh file ledger and points the
// environment at it.
func seedLedger(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.ledger")
	t.Setenv("QORE_CONFIG_FILE", "")
	t.Setenv("QORE_LEDGER_BACKEND", "file")
	t.Setenv("QORE_LEDGER_PATH", path)

	s := ledger.NewFileStore(path)
	require.NoError(t, s.Initialize(context.Background()))
	for i := 0; i < n; i++ {
		_, err := s.Append(context.Background(), ledger.Draft{
			EventType:    contracts.EventAuditPass,
			AgentDID:     "did:myth:agent:cli",
			ArtifactPath: "/w/src/app.ts",
			Payload:      map[string]any{"seq": i},
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	return path
}

// tamperEntry rewrites one entry's payload in place, keeping the line
// parseable so only the hash check can catch it.
func tamperEntry(t *testing.T, path string, id int64) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[id-1]), &doc))
	doc["payload"] = map[string]any{"seq": "forged"}
	forged, err := json.Marshal(doc)
	require.NoError(t, err)
	lines[id-1] = string(forged)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

func TestVerifyCmdValidChain(t *testing.T) {
	seedLedger(t, 3)

	var out, errOut bytes.Buffer
	code := runVerifyCmd(nil, &out, &errOut)

	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "ledger chain verified")
	assert.Contains(t, out.String(), "3 entries")
}

func TestVerifyCmdJSONReport(t *testing.T) {
	seedLedger(t, 2)

	var out, errOut bytes.Buffer
	code := runVerifyCmd([]string{"-json"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var report ledger.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.EqualValues(t, 2, report.EntriesChecked)
}

func TestVerifyCmdDetectsTampering(t *testing.T) {
	path := seedLedger(t, 3)
	tamperEntry(t, path, 2)

	var out, errOut bytes.Buffer
	code := runVerifyCmd(nil, &out, &errOut)

	assert.Equal(t, 2, code)
	assert.Contains(t, out.String(), "BROKEN")
	assert.Contains(t, out.String(), "at entry 2")
}

func TestVerifyCmdAcknowledgeRecordsSystemEvent(t *testing.T) {
	path := seedLedger(t, 3)
	tamperEntry(t, path, 2)

	var out, errOut bytes.Buffer
	code := runVerifyCmd([]string{"-ack"}, &out, &errOut)

	assert.Equal(t, 2, code, "acknowledging does not make the chain valid")
	assert.Contains(t, out.String(), "acknowledged")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4, "acknowledgement is itself ledgered")
	assert.Contains(t, lines[3], "chain_verification_acknowledged")
}
