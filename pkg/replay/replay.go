// Package replay protects the runtime against repeated requests: an
// idempotency guard that replays stored decisions for retried (actorId,
// requestId) pairs, and durable nonce stores backing signed actor proofs.
package replay

import (
	"errors"
	"time"

	"github.com/qorelogic/failsafe/pkg/cache"
	"github.com/qorelogic/failsafe/pkg/canonical"
	"github.com/qorelogic/failsafe/pkg/contracts"
)

// ErrConflict is returned when a request id is reused with a payload that
// does not match the one originally evaluated.
var ErrConflict = errors.New("replay: request id reused with a different payload")

const (
	recordTTL    = 10 * time.Minute
	guardEntries = 4096

	// keySeparator joins actor and request ids. A unit separator cannot
	// appear in either field, so composite keys never collide.
	keySeparator = "\x1f"
)

// Fingerprint hashes the evaluation-relevant fields of a request. Two
// requests with the same (actorId, requestId) but different fingerprints
// are a replay conflict, not a retry. Hashing fails only when Context
// holds values JSON cannot represent.
func Fingerprint(req contracts.DecisionRequest) (string, error) {
	return canonical.Hash(struct {
		ActorID    string               `json:"actorId"`
		Action     contracts.ActionKind `json:"action"`
		TargetPath string               `json:"targetPath"`
		Content    string               `json:"content"`
		Context    map[string]any       `json:"context"`
	}{req.ActorID, req.Action, req.TargetPath, req.Content, req.Context})
}

type record struct {
	fingerprint string
	response    contracts.DecisionResponse
}

// Guard is the in-memory idempotency cache. Entries live for ten minutes;
// within that window a retried request returns its original decision
// without re-evaluation.
type Guard struct {
	records *cache.LRU[record]
}

// GuardOption configures a Guard.
type GuardOption func(*guardConfig)

type guardConfig struct {
	now func() time.Time
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) GuardOption {
	return func(c *guardConfig) { c.now = now }
}

// NewGuard builds an idempotency guard.
func NewGuard(opts ...GuardOption) *Guard {
	cfg := guardConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Guard{
		records: cache.New[record](guardEntries, recordTTL,
			cache.WithClock[record](cfg.now)),
	}
}

// Check looks up a prior decision for the request. A hit with a matching
// fingerprint returns the stored response; a hit whose fingerprint differs
// returns ErrConflict. Requests without both ids are never tracked.
func (g *Guard) Check(req contracts.DecisionRequest) (contracts.DecisionResponse, bool, error) {
	key, ok := guardKey(req)
	if !ok {
		return contracts.DecisionResponse{}, false, nil
	}
	rec, hit := g.records.Get(key)
	if !hit {
		return contracts.DecisionResponse{}, false, nil
	}
	fp, err := Fingerprint(req)
	if err != nil {
		return contracts.DecisionResponse{}, false, err
	}
	if rec.fingerprint != fp {
		return contracts.DecisionResponse{}, false, ErrConflict
	}
	return rec.response, true, nil
}

// Set stores the decision for later replay. Requests whose fingerprint
// cannot be computed are not tracked.
func (g *Guard) Set(req contracts.DecisionRequest, resp contracts.DecisionResponse) {
	key, ok := guardKey(req)
	if !ok {
		return
	}
	fp, err := Fingerprint(req)
	if err != nil {
		return
	}
	g.records.Set(key, record{fingerprint: fp, response: resp})
}

// Len reports the number of live records, for health reporting.
func (g *Guard) Len() int { return g.records.Len() }

func guardKey(req contracts.DecisionRequest) (string, bool) {
	if req.ActorID == "" || req.RequestID == "" {
		return "", false
	}
	return req.ActorID + keySeparator + req.RequestID, true
}
