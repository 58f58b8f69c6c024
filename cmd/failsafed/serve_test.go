package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/config"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/router"
	"github.com/qorelogic/failsafe/pkg/trust"
)

func TestStateGuardHookDeniesStateDirTargets(t *testing.T) {
	hook := stateGuardHook("/workspace/.failsafe")

	for _, target := range []string{
		"/workspace/.failsafe",
		"/workspace/.failsafe/ledger/meta.ledger",
		"/workspace/.failsafe/approvals/r-1.json",
	} {
		resp, handled, err := hook(context.Background(), contracts.DecisionRequest{
			ActorID:    "did:myth:agent:alpha",
			Action:     contracts.ActionWrite,
			TargetPath: target,
		})
		require.NoError(t, err)
		require.True(t, handled, target)
		assert.Equal(t, contracts.VerdictDeny, resp.Decision, target)
		assert.Equal(t, contracts.RiskL3, resp.RiskGrade, target)
	}
}

func TestStateGuardHookIgnoresOutsidePaths(t *testing.T) {
	hook := stateGuardHook("/workspace/.failsafe")

	for _, target := range []string{
		"/workspace/src/app.ts",
		"/workspace/.failsafe-lookalike/file",
		"/elsewhere/.failsafe/ledger/meta.ledger",
	} {
		_, handled, err := hook(context.Background(), contracts.DecisionRequest{
			ActorID:    "did:myth:agent:alpha",
			Action:     contracts.ActionWrite,
			TargetPath: target,
		})
		require.NoError(t, err)
		assert.False(t, handled, target)
	}
}

func TestGenomeReasonsHookSurfacesPastFailures(t *testing.T) {
	genome := trust.NewGenome()
	_, archived := genome.Archive("did:myth:agent:alpha", contracts.SentinelBlock, contracts.GenomeInput{
		Summary:    "evaluation DENY",
		TargetPath: "/w/auth/login.ts",
		Action:     contracts.ActionWrite,
	}, []string{"policyRisk=L3", "routerRisk=R3"})
	require.True(t, archived)

	hook := genomeReasonsHook(genome)
	reasons := hook(context.Background(), contracts.DecisionRequest{ActorID: "did:myth:agent:alpha"}, contracts.DecisionResponse{})
	assert.Equal(t, []string{"pastFailure=policyRisk=L3", "pastFailure=routerRisk=R3"}, reasons)

	clean := hook(context.Background(), contracts.DecisionRequest{ActorID: "did:myth:agent:ghost"}, contracts.DecisionResponse{})
	assert.Empty(t, clean, "agents with no archived failures gain no reasons")
}

func TestApplyTierOverrides(t *testing.T) {
	thresholds := router.DefaultThresholds()
	applyTier(&thresholds.Tier2Risk, &thresholds.Tier2Novelty, &thresholds.Tier2Confidence,
		&config.TierThresholds{Risk: "R1", Novelty: "medium"})

	assert.Equal(t, contracts.RouterRiskR1, thresholds.Tier2Risk)
	assert.Equal(t, contracts.NoveltyMedium, thresholds.Tier2Novelty)
	assert.Equal(t, contracts.ConfidenceLow, thresholds.Tier2Confidence, "absent fields keep defaults")
	assert.Equal(t, contracts.RouterRiskR3, thresholds.Tier3Risk, "tier 3 untouched")
}
