// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every governance event lands here as a LedgerEntry whose contentHash
// covers the entry's own fields and whose chainHash binds it to its
// predecessor, Merkle-style:
//
//	chainHash = sha256(hex(contentHash) || hex(previousHash))
//
// The first entry links to the genesis constant. Two backends share these
// semantics: a JSON-lines file (the default) and a Postgres table.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qorelogic/failsafe/pkg/canonical"
	"github.com/qorelogic/failsafe/pkg/contracts"
)

// GenesisHash anchors the chain: the previousHash of entry 1.
var GenesisHash = canonical.HashString("qore-failsafe-ledger-genesis")

var (
	// ErrNotInitialized is returned by operations before Initialize.
	ErrNotInitialized = errors.New("ledger: not initialized")
	// ErrStorePoisoned is returned after a failed chain verification or a
	// failed persist, until an operator acknowledges.
	ErrStorePoisoned = errors.New("ledger: store poisoned, operator acknowledgement required")
	// ErrChainBroken reports a verification failure.
	ErrChainBroken = errors.New("ledger: chain broken")
	// ErrCorrupt reports an unreadable entry before the final line.
	ErrCorrupt = errors.New("ledger: corrupt entry")
)

// Draft is the caller-supplied part of an entry. The store assigns id,
// timestamp and the hash fields.
type Draft struct {
	EventType          contracts.EventType
	AgentDID           string
	AgentTrustAtAction *float64
	ArtifactPath       string
	RiskGrade          contracts.RiskGrade
	OverseerDID        string
	OverseerDecision   string
	Payload            any
}

// Report is the outcome of a full chain verification.
type Report struct {
	Valid          bool  `json:"valid"`
	FirstBadID     int64 `json:"firstBadId,omitempty"`
	EntriesChecked int64 `json:"entriesChecked"`
}

// Store is the ledger contract shared by the file and SQL backends. All
// methods are safe for concurrent use after Initialize. Append refuses to
// run on a poisoned store.
type Store interface {
	Initialize(ctx context.Context) error
	Append(ctx context.Context, d Draft) (contracts.LedgerEntry, error)
	Count() int64
	Head() string
	Entries(ctx context.Context, fromID, toID int64) ([]contracts.LedgerEntry, error)
	VerifyChain(ctx context.Context) (Report, error)
	Acknowledge(ctx context.Context) error
	Close() error
}

// hashable is the subset of LedgerEntry covered by contentHash: everything
// except the three hash fields.
type hashable struct {
	ID                 int64               `json:"id"`
	EventType          contracts.EventType `json:"eventType"`
	AgentDID           string              `json:"agentDid,omitempty"`
	AgentTrustAtAction *float64            `json:"agentTrustAtAction,omitempty"`
	ArtifactPath       string              `json:"artifactPath,omitempty"`
	RiskGrade          contracts.RiskGrade `json:"riskGrade,omitempty"`
	OverseerDID        string              `json:"overseerDid,omitempty"`
	OverseerDecision   string              `json:"overseerDecision,omitempty"`
	Payload            json.RawMessage     `json:"payload"`
	Timestamp          contracts.Timestamp `json:"timestamp"`
}

// ContentHash computes the canonical-JSON sha256 of the hashable fields
// of e. Verification recomputes this from persisted entries, so the result
// must be identical across append and reload.
func ContentHash(e contracts.LedgerEntry) (string, error) {
	h := hashable{
		ID:                 e.ID,
		EventType:          e.EventType,
		AgentDID:           e.AgentDID,
		AgentTrustAtAction: e.AgentTrustAtAction,
		ArtifactPath:       e.ArtifactPath,
		RiskGrade:          e.RiskGrade,
		OverseerDID:        e.OverseerDID,
		OverseerDecision:   e.OverseerDecision,
		Payload:            e.Payload,
		Timestamp:          e.Timestamp,
	}
	sum, err := canonical.Hash(h)
	if err != nil {
		return "", fmt.Errorf("ledger: content hash: %w", err)
	}
	return sum, nil
}

// ChainHash binds an entry to its predecessor over the ASCII hex digests.
func ChainHash(contentHash, previousHash string) string {
	return canonical.HashString(contentHash + previousHash)
}

// marshalPayload normalizes a draft payload to a JSON object. A nil
// payload becomes the empty object so the field is always present.
func marshalPayload(p any) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := p.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ledger: payload: %w", err)
	}
	return b, nil
}

// verifyEntry recomputes both hashes of e against the expected predecessor
// link and id sequence. Returns nil when the entry is sound.
func verifyEntry(e contracts.LedgerEntry, wantID int64, wantPrev string) error {
	if e.ID != wantID {
		return fmt.Errorf("%w: entry %d: expected id %d", ErrChainBroken, e.ID, wantID)
	}
	if e.PreviousHash != wantPrev {
		return fmt.Errorf("%w: entry %d: previous hash mismatch", ErrChainBroken, e.ID)
	}
	content, err := ContentHash(e)
	if err != nil {
		return err
	}
	if content != e.ContentHash {
		return fmt.Errorf("%w: entry %d: content hash mismatch", ErrChainBroken, e.ID)
	}
	if ChainHash(content, e.PreviousHash) != e.ChainHash {
		return fmt.Errorf("%w: entry %d: chain hash mismatch", ErrChainBroken, e.ID)
	}
	return nil
}
