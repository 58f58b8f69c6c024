package trust

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/policy"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	snap, err := policy.Load("")
	require.NoError(t, err)
	return NewEngine(policy.Static{S: snap})
}

func TestRegisterMintsDID(t *testing.T) {
	e := newEngine(t)

	agent := e.Register("reviewer")
	assert.True(t, strings.HasPrefix(agent.DID, "did:myth:reviewer:"), agent.DID)
	assert.Equal(t, 0.5, agent.Trust)

	got, ok := e.Get(agent.DID)
	require.True(t, ok)
	assert.Equal(t, agent, got)
}

func TestRegisterNormalizesPersona(t *testing.T) {
	e := newEngine(t)

	assert.True(t, strings.HasPrefix(e.Register("Code Reviewer").DID, "did:myth:code-reviewer:"))
	assert.True(t, strings.HasPrefix(e.Register("").DID, "did:myth:agent:"))
}

func TestRegisteredDIDsAreUnique(t *testing.T) {
	e := newEngine(t)
	a := e.Register("reviewer")
	b := e.Register("reviewer")
	assert.NotEqual(t, a.DID, b.DID)
}

func TestAdjustAppliesPolicyDeltas(t *testing.T) {
	e := newEngine(t)
	agent := e.Register("builder")
	dynamics := policy.TrustDynamics{ApprovalDelta: 0.05, RejectionDelta: -0.1}

	adjusted, err := e.Adjust(agent.DID, dynamics.ApprovalDelta)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, adjusted.Trust, 1e-9)

	adjusted, err = e.Adjust(agent.DID, dynamics.RejectionDelta)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, adjusted.Trust, 1e-9)
}

func TestAdjustClampsToPolicyBounds(t *testing.T) {
	e := newEngine(t)
	agent := e.Register("builder")

	adjusted, err := e.Adjust(agent.DID, -5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, adjusted.Trust)

	adjusted, err = e.Adjust(agent.DID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, adjusted.Trust)
}

func TestAdjustUnknownAgent(t *testing.T) {
	e := newEngine(t)
	_, err := e.Adjust("did:myth:ghost:none", 0.05)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestEnsureEnrollsUnseenActors(t *testing.T) {
	e := newEngine(t)

	agent := e.Ensure("did:myth:reviewer:abc-123")
	assert.Equal(t, "did:myth:reviewer:abc-123", agent.DID)
	assert.Equal(t, "reviewer", agent.Persona)
	assert.Equal(t, 0.5, agent.Trust)

	_, err := e.Adjust(agent.DID, 0.05)
	require.NoError(t, err)

	again := e.Ensure(agent.DID)
	assert.InDelta(t, 0.55, again.Trust, 1e-9, "ensure never resets an enrolled agent")

	external := e.Ensure("ci-runner-42")
	assert.Equal(t, "agent", external.Persona)
	assert.Equal(t, "ci-runner-42", external.DID)
}

func TestAgentsSnapshotSorted(t *testing.T) {
	e := newEngine(t)
	e.Register("zephyr")
	e.Register("atlas")
	e.Register("mira")

	agents := e.Agents()
	require.Len(t, agents, 3)
	for i := 1; i < len(agents); i++ {
		assert.Less(t, agents[i-1].DID, agents[i].DID)
	}
}
