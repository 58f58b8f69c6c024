package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

func sampleRequest() contracts.DecisionRequest {
	return contracts.DecisionRequest{
		RequestID:  "req-1",
		ActorID:    "agent-7",
		Action:     contracts.ActionWrite,
		TargetPath: "/src/api/handler.ts",
		Content:    "export const x = 1",
	}
}

func sampleResponse() contracts.DecisionResponse {
	return contracts.DecisionResponse{
		RequestID:      "req-1",
		DecisionID:     "dec-1",
		Decision:       contracts.VerdictEscalate,
		RiskGrade:      contracts.RiskL2,
		EvaluationTier: 2,
		PolicyVersion:  "abc",
	}
}

func TestGuardReplaysStoredDecision(t *testing.T) {
	g := NewGuard()
	req := sampleRequest()

	_, hit, err := g.Check(req)
	require.NoError(t, err)
	assert.False(t, hit)

	g.Set(req, sampleResponse())

	got, hit, err := g.Check(req)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, sampleResponse(), got)
}

func TestGuardConflictOnDifferentPayload(t *testing.T) {
	g := NewGuard()
	req := sampleRequest()
	g.Set(req, sampleResponse())

	altered := req
	altered.Content = "export const x = 2"

	_, _, err := g.Check(altered)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGuardScopedByActor(t *testing.T) {
	g := NewGuard()
	req := sampleRequest()
	g.Set(req, sampleResponse())

	other := req
	other.ActorID = "agent-8"

	// Same request id under another actor is a fresh request, not a
	// conflict: the composite key differs.
	_, hit, err := g.Check(other)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestGuardIgnoresUntrackedRequests(t *testing.T) {
	g := NewGuard()
	req := sampleRequest()
	req.RequestID = ""

	g.Set(req, sampleResponse())
	_, hit, err := g.Check(req)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, g.Len())
}

func TestGuardRecordsExpire(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewGuard(WithClock(func() time.Time { return now }))
	req := sampleRequest()
	g.Set(req, sampleResponse())

	now = now.Add(recordTTL + time.Second)

	_, hit, err := g.Check(req)
	require.NoError(t, err)
	assert.False(t, hit, "expired records are not replayed")
}

func TestFingerprintIgnoresRequestID(t *testing.T) {
	a := sampleRequest()
	b := sampleRequest()
	b.RequestID = "req-2"

	fpA, err := Fingerprint(a)
	require.NoError(t, err)
	fpB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB, "the fingerprint covers payload fields only")

	b.TargetPath = "/elsewhere.ts"
	fpB, err = Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpB)
}
