package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
)

// genomeRingCap bounds the per-process archive. The genome is a working
// memory of recent failures, not an audit trail; the ledger keeps the
// durable record.
const genomeRingCap = 512

var genomeVersionRange = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(fmt.Sprintf("trust: constraint %q: %v", s, err))
	}
	return c
}

// Genome archives non-PASS sentinel verdicts in a fixed-size ring and
// answers pattern queries over it.
type Genome struct {
	now    func() time.Time
	logger *slog.Logger

	mu   sync.RWMutex
	ring []contracts.ShadowGenome
	next int
	full bool
}

// GenomeOption configures a Genome.
type GenomeOption func(*Genome)

// WithGenomeClock injects the time source, for tests.
func WithGenomeClock(now func() time.Time) GenomeOption {
	return func(g *Genome) { g.now = now }
}

// WithGenomeLogger sets the genome logger.
func WithGenomeLogger(l *slog.Logger) GenomeOption {
	return func(g *Genome) { g.logger = l }
}

// NewGenome builds an empty archive.
func NewGenome(opts ...GenomeOption) *Genome {
	g := &Genome{
		now:    time.Now,
		logger: slog.Default(),
		ring:   make([]contracts.ShadowGenome, genomeRingCap),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Archive records a sentinel outcome. PASS verdicts are not archived and
// return false.
func (g *Genome) Archive(agentDID string, verdict contracts.SentinelVerdict,
	input contracts.GenomeInput, causes []string) (contracts.ShadowGenome, bool) {
	if verdict == contracts.SentinelPass {
		return contracts.ShadowGenome{}, false
	}

	record := contracts.ShadowGenome{
		SchemaVersion:     contracts.GenomeSchemaVersion,
		ID:                uuid.New().String(),
		CreatedAt:         contracts.NewTimestamp(g.now()),
		AgentDID:          agentDID,
		InputVector:       input,
		FailureMode:       contracts.FailureModeFor(verdict),
		CausalVector:      append([]string(nil), causes...),
		RemediationStatus: "UNRESOLVED",
	}

	g.mu.Lock()
	g.ring[g.next] = record
	g.next++
	if g.next == len(g.ring) {
		g.next = 0
		g.full = true
	}
	g.mu.Unlock()

	g.logger.Info("genome archived",
		slog.String("agentDid", agentDID),
		slog.String("failureMode", string(record.FailureMode)))
	return record, true
}

// Start pumps sentinel verdicts from the bus into the archive until ctx
// is done. Run it on its own goroutine.
func (g *Genome) Start(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch, cancel := bus.Subscribe(events.TopicSentinelVerdict)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			notice, isNotice := ev.Data.(events.VerdictNotice)
			if !isNotice {
				continue
			}
			g.Archive(notice.AgentDID, notice.Verdict, contracts.GenomeInput{
				Summary:    notice.Summary,
				TargetPath: notice.TargetPath,
				Action:     notice.Action,
			}, notice.Causes)
		}
	}
}

// ByAgent returns the agent's archived records, newest first.
func (g *Genome) ByAgent(did string) []contracts.ShadowGenome {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []contracts.ShadowGenome
	g.scan(func(record contracts.ShadowGenome) {
		if record.AgentDID == did {
			out = append(out, record)
		}
	})
	reverse(out)
	return out
}

// NegativeConstraints returns the distinct causal signals from the
// agent's most recent failures, newest first, capped at limit.
func (g *Genome) NegativeConstraints(did string, limit int) []string {
	records := g.ByAgent(did)

	seen := make(map[string]struct{})
	var out []string
	for _, record := range records {
		for _, cause := range record.CausalVector {
			if _, dup := seen[cause]; dup {
				continue
			}
			seen[cause] = struct{}{}
			out = append(out, cause)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}

// FailurePatterns aggregates archived records by failure mode.
func (g *Genome) FailurePatterns() map[contracts.FailureMode]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[contracts.FailureMode]int)
	g.scan(func(record contracts.ShadowGenome) {
		out[record.FailureMode]++
	})
	return out
}

// Len reports how many records are live in the ring.
func (g *Genome) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.full {
		return len(g.ring)
	}
	return g.next
}

// scan visits live records oldest first. Callers hold g.mu.
func (g *Genome) scan(visit func(contracts.ShadowGenome)) {
	if g.full {
		for i := g.next; i < len(g.ring); i++ {
			visit(g.ring[i])
		}
	}
	for i := 0; i < g.next; i++ {
		visit(g.ring[i])
	}
}

// ParseRecord decodes an externally-supplied genome record, gating its
// schema version to the supported ^1 range.
func ParseRecord(raw []byte) (contracts.ShadowGenome, error) {
	var record contracts.ShadowGenome
	if err := json.Unmarshal(raw, &record); err != nil {
		return contracts.ShadowGenome{}, fmt.Errorf("trust: decode genome record: %w", err)
	}
	v, err := semver.NewVersion(record.SchemaVersion)
	if err != nil {
		return contracts.ShadowGenome{}, fmt.Errorf("trust: genome schemaVersion %q: %w", record.SchemaVersion, err)
	}
	if !genomeVersionRange.Check(v) {
		return contracts.ShadowGenome{}, fmt.Errorf("trust: genome schemaVersion %q outside supported range ^1", record.SchemaVersion)
	}
	return record, nil
}

func reverse(records []contracts.ShadowGenome) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
