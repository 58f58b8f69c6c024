package runtime

import (
	"context"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// PreHook runs after replay lookup and before grading. Returning
// handled=true short-circuits the pipeline with the hook's response,
// which is still ledgered and replay-cached. A hook error is logged and
// the pipeline continues as if the hook had declined.
type PreHook func(ctx context.Context, req contracts.DecisionRequest) (contracts.DecisionResponse, bool, error)

// PostHook runs after the verdict is assembled and may append reasons.
// It cannot change the decision.
type PostHook func(ctx context.Context, req contracts.DecisionRequest, resp contracts.DecisionResponse) []string
