package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/qorelogic/failsafe/pkg/canonical"
	"github.com/qorelogic/failsafe/pkg/contracts"
)

// Domain separation for tree hashing. Leaf and node inputs must never
// collide, and neither may collide with the chain-hash formula.
const (
	merkleLeafPrefix = "qore-failsafe-merkle-leaf"
	merkleNodePrefix = "qore-failsafe-merkle-node"
)

// SegmentTree is a Merkle tree over a contiguous run of ledger entries.
// The root commits an export bundle to every entry in its range; an
// inclusion proof then lets an auditor check a single entry against an
// archived bundle without replaying the whole chain.
type SegmentTree struct {
	firstID int64
	// levels[0] holds the leaf hashes, the last level holds the root.
	levels [][]string
}

// NewSegmentTree builds the tree for entries, which must be a non-empty
// run of consecutive ids in ascending order.
func NewSegmentTree(entries []contracts.LedgerEntry) (*SegmentTree, error) {
	if len(entries) == 0 {
		return nil, errors.New("ledger: merkle segment needs at least one entry")
	}
	leaves := make([]string, len(entries))
	for i, e := range entries {
		if e.ID != entries[0].ID+int64(i) {
			return nil, fmt.Errorf("ledger: merkle segment not contiguous at entry %d", e.ID)
		}
		leaves[i] = leafHash(e.ID, e.ChainHash)
	}

	levels := [][]string{leaves}
	for level := leaves; len(level) > 1; {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i] // odd count: the last hash pairs with itself
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}
	return &SegmentTree{firstID: entries[0].ID, levels: levels}, nil
}

// SegmentRoot is the one-shot form used by exporters that only need the
// root hash.
func SegmentRoot(entries []contracts.LedgerEntry) (string, error) {
	t, err := NewSegmentTree(entries)
	if err != nil {
		return "", err
	}
	return t.Root(), nil
}

// Root returns the segment root hash.
func (t *SegmentTree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Size returns the number of leaves.
func (t *SegmentTree) Size() int {
	return len(t.levels[0])
}

// ProofStep is one sibling on the path from a leaf to the root. Side
// records where the sibling sits when the pair is hashed: "L" for left
// of the running hash, "R" for right.
type ProofStep struct {
	Side    string `json:"side"`
	Sibling string `json:"sibling"`
}

// SegmentProof shows that one entry is covered by a segment root.
type SegmentProof struct {
	EntryID  int64       `json:"entryId"`
	LeafHash string      `json:"leafHash"`
	Steps    []ProofStep `json:"steps"`
}

// Prove builds the inclusion proof for the entry with the given id.
func (t *SegmentTree) Prove(id int64) (SegmentProof, error) {
	idx := int(id - t.firstID)
	if idx < 0 || idx >= len(t.levels[0]) {
		return SegmentProof{}, fmt.Errorf("ledger: entry %d is outside the segment", id)
	}
	proof := SegmentProof{EntryID: id, LeafHash: t.levels[0][idx]}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // duplicated last hash, sibling is the leaf itself
		}
		step := ProofStep{Sibling: level[sibling]}
		if sibling < idx {
			step.Side = "L"
		} else {
			step.Side = "R"
		}
		proof.Steps = append(proof.Steps, step)
		idx /= 2
	}
	return proof, nil
}

// VerifySegmentProof folds the proof path over the leaf hash and reports
// whether it reproduces root.
func VerifySegmentProof(p SegmentProof, root string) bool {
	if p.LeafHash == "" || root == "" {
		return false
	}
	current := p.LeafHash
	for _, step := range p.Steps {
		switch step.Side {
		case "L":
			current = nodeHash(step.Sibling, current)
		case "R":
			current = nodeHash(current, step.Sibling)
		default:
			return false
		}
	}
	return current == root
}

// leafHash binds both the entry id and its chain hash, so a proof pins
// the entry's position in the segment as well as its content.
func leafHash(id int64, chainHash string) string {
	var b bytes.Buffer
	b.WriteString(merkleLeafPrefix)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(id, 10))
	b.WriteByte(0)
	b.WriteString(chainHash)
	return canonical.HashBytes(b.Bytes())
}

func nodeHash(left, right string) string {
	var b bytes.Buffer
	b.WriteString(merkleNodePrefix)
	b.WriteByte(0)
	b.WriteString(left)
	b.WriteByte(0)
	b.WriteString(right)
	return canonical.HashBytes(b.Bytes())
}
