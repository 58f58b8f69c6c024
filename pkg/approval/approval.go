// Package approval runs the tier-3 review queue: evaluations that escalate
// to human oversight wait here until an overseer decides them. Every queue
// transition lands in the audit ledger, and decisions nudge the agent's
// trust score by the policy deltas.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/policy"
	"github.com/qorelogic/failsafe/pkg/store"
	"github.com/qorelogic/failsafe/pkg/trust"
)

var (
	// ErrNotQueued is returned when deciding a request that is not pending.
	ErrNotQueued = errors.New("approval: request not queued")
	// ErrBadDecision is returned for decisions other than APPROVED or
	// REJECTED.
	ErrBadDecision = errors.New("approval: decision must be APPROVED or REJECTED")
)

const (
	// DefaultSLA bounds how long a request may sit unreviewed before it
	// counts as overdue.
	DefaultSLA = time.Hour

	// decidedRetention caps how many decided requests stay in the KV for
	// later inspection.
	decidedRetention = 256
)

// Queue is the L3 approval queue. Pending items live in memory and in the
// KV store, so a restart resumes with the same queue.
type Queue struct {
	kv       *store.KV
	ledger   ledger.Store
	trust    *trust.Engine
	policies policy.Provider
	sla      time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]contracts.L3ApprovalRequest
}

// Option configures a Queue.
type Option func(*Queue)

// WithSLA overrides the review deadline window.
func WithSLA(d time.Duration) Option {
	return func(q *Queue) { q.sla = d }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue rebuilds the pending set from the KV store.
func NewQueue(kv *store.KV, led ledger.Store, eng *trust.Engine, p policy.Provider, opts ...Option) (*Queue, error) {
	q := &Queue{
		kv:       kv,
		ledger:   led,
		trust:    eng,
		policies: p,
		sla:      DefaultSLA,
		now:      time.Now,
		logger:   slog.Default(),
		pending:  make(map[string]contracts.L3ApprovalRequest),
	}
	for _, opt := range opts {
		opt(q)
	}

	keys, err := kv.Keys()
	if err != nil {
		return nil, fmt.Errorf("approval: rebuild queue: %w", err)
	}
	for _, key := range keys {
		var item contracts.L3ApprovalRequest
		found, err := kv.Get(key, &item)
		if err != nil {
			return nil, fmt.Errorf("approval: rebuild queue: %w", err)
		}
		if found && item.State == contracts.ApprovalQueued {
			q.pending[item.ID] = item
		}
	}
	if len(q.pending) > 0 {
		q.logger.Info("approval queue resumed", slog.Int("pending", len(q.pending)))
	}
	return q, nil
}

// Enqueue parks a tier-3 evaluation for review. The queue stamps state,
// queue time and the SLA deadline; the caller supplies the rest. Repeated
// enqueues of the same request id return the already-queued item.
func (q *Queue) Enqueue(ctx context.Context, item contracts.L3ApprovalRequest) (contracts.L3ApprovalRequest, error) {
	if item.ID == "" {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("approval: enqueue requires a request id")
	}

	q.mu.Lock()
	if existing, ok := q.pending[item.ID]; ok {
		q.mu.Unlock()
		return existing, nil
	}
	q.mu.Unlock()

	now := q.now()
	item.State = contracts.ApprovalQueued
	item.QueuedAt = contracts.NewTimestamp(now)
	item.SLADeadline = contracts.NewTimestamp(now.Add(q.sla))

	_, err := q.ledger.Append(ctx, ledger.Draft{
		EventType:          contracts.EventL3Queued,
		AgentDID:           item.AgentDID,
		AgentTrustAtAction: &item.AgentTrust,
		ArtifactPath:       item.FilePath,
		RiskGrade:          item.RiskGrade,
		Payload: map[string]any{
			"requestId":   item.ID,
			"slaDeadline": item.SLADeadline,
			"flags":       item.Flags,
		},
	})
	if err != nil {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("approval: record queue event: %w", err)
	}

	if err := q.kv.Put(item.ID, item); err != nil {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("approval: persist queue item: %w", err)
	}

	q.mu.Lock()
	q.pending[item.ID] = item
	q.mu.Unlock()

	q.logger.Info("approval queued",
		slog.String("requestId", item.ID),
		slog.String("agentDid", item.AgentDID),
		slog.Time("slaDeadline", item.SLADeadline.Time))
	return item, nil
}

// Decide resolves a pending request. An APPROVED decision with conditions
// lands as APPROVED_WITH_CONDITIONS. The ledger entry records the agent's
// trust as it stood when the overseer acted; the nudge applies after.
func (q *Queue) Decide(ctx context.Context, requestID, decision, overseerDID string, conditions []string) (contracts.L3ApprovalRequest, error) {
	if decision != contracts.OverseerApproved && decision != contracts.OverseerRejected {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("%w: %q", ErrBadDecision, decision)
	}

	q.mu.Lock()
	item, ok := q.pending[requestID]
	q.mu.Unlock()
	if !ok {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotQueued, requestID)
	}

	dynamics := q.policies.Snapshot().Trust
	eventType := contracts.EventL3Approved
	delta := dynamics.ApprovalDelta
	state := contracts.ApprovalApproved
	if decision == contracts.OverseerRejected {
		eventType = contracts.EventL3Rejected
		delta = dynamics.RejectionDelta
		state = contracts.ApprovalRejected
	} else if len(conditions) > 0 {
		state = contracts.ApprovalApprovedConditions
	}

	trustAtDecision := item.AgentTrust
	if agent, known := q.trust.Get(item.AgentDID); known {
		trustAtDecision = agent.Trust
	}

	decidedAt := contracts.NewTimestamp(q.now())
	item.State = state
	item.OverseerDID = overseerDID
	item.OverseerDecision = decision
	item.Conditions = append([]string(nil), conditions...)
	item.DecidedAt = &decidedAt

	_, err := q.ledger.Append(ctx, ledger.Draft{
		EventType:          eventType,
		AgentDID:           item.AgentDID,
		AgentTrustAtAction: &trustAtDecision,
		ArtifactPath:       item.FilePath,
		RiskGrade:          item.RiskGrade,
		OverseerDID:        overseerDID,
		OverseerDecision:   decision,
		Payload: map[string]any{
			"requestId":  item.ID,
			"state":      item.State,
			"conditions": item.Conditions,
		},
	})
	if err != nil {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("approval: record decision: %w", err)
	}

	if _, err := q.trust.Adjust(item.AgentDID, delta); err != nil {
		q.logger.Warn("trust nudge skipped",
			slog.String("agentDid", item.AgentDID), slog.String("error", err.Error()))
	}

	if err := q.kv.Put(item.ID, item); err != nil {
		return contracts.L3ApprovalRequest{}, fmt.Errorf("approval: persist decision: %w", err)
	}

	q.mu.Lock()
	delete(q.pending, item.ID)
	q.mu.Unlock()

	q.pruneDecided()

	q.logger.Info("approval decided",
		slog.String("requestId", item.ID),
		slog.String("state", string(item.State)),
		slog.String("overseerDid", overseerDID))
	return item, nil
}

// Get returns a request by id, pending or decided.
func (q *Queue) Get(requestID string) (contracts.L3ApprovalRequest, bool) {
	q.mu.Lock()
	if item, ok := q.pending[requestID]; ok {
		q.mu.Unlock()
		return item, true
	}
	q.mu.Unlock()

	var item contracts.L3ApprovalRequest
	found, err := q.kv.Get(requestID, &item)
	if err != nil || !found {
		return contracts.L3ApprovalRequest{}, false
	}
	return item, true
}

// Pending snapshots the live queue, oldest first.
func (q *Queue) Pending() []contracts.L3ApprovalRequest {
	q.mu.Lock()
	out := make([]contracts.L3ApprovalRequest, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt.Time) {
			return out[i].QueuedAt.Before(out[j].QueuedAt.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Overdue lists pending requests whose SLA deadline has passed.
func (q *Queue) Overdue() []contracts.L3ApprovalRequest {
	now := q.now()
	var out []contracts.L3ApprovalRequest
	for _, item := range q.Pending() {
		if item.SLADeadline.Before(now) {
			out = append(out, item)
		}
	}
	return out
}

// pruneDecided trims the KV to the newest decidedRetention decided items.
func (q *Queue) pruneDecided() {
	keys, err := q.kv.Keys()
	if err != nil {
		q.logger.Warn("approval retention prune failed", slog.String("error", err.Error()))
		return
	}

	var decided []contracts.L3ApprovalRequest
	for _, key := range keys {
		var item contracts.L3ApprovalRequest
		found, err := q.kv.Get(key, &item)
		if err != nil || !found {
			continue
		}
		if item.State != contracts.ApprovalQueued && item.DecidedAt != nil {
			decided = append(decided, item)
		}
	}
	if len(decided) <= decidedRetention {
		return
	}

	sort.Slice(decided, func(i, j int) bool {
		return decided[i].DecidedAt.Before(decided[j].DecidedAt.Time)
	})
	for _, item := range decided[:len(decided)-decidedRetention] {
		if err := q.kv.Delete(item.ID); err != nil {
			q.logger.Warn("approval retention prune failed",
				slog.String("requestId", item.ID), slog.String("error", err.Error()))
		}
	}
}
