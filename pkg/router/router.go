// Package router performs triage: every event gets a risk, novelty and
// confidence grade, and the three together select an evaluation tier. The
// tier decides whether the full governance evaluation runs and whether the
// event is ledgered. Tier checks run strictly top-down (3, then 2, then
// 0/1) so the most conservative applicable tier always wins.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/cache"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
	"github.com/qorelogic/failsafe/pkg/fingerprint"
	"github.com/qorelogic/failsafe/pkg/policy"
)

// metricsInterval is how many routed events pass between metrics
// publications on the bus.
const metricsInterval = 25

// sentinel confidence score cut-offs.
const (
	confidenceHighScore   = 0.8
	confidenceMediumScore = 0.5
)

// similarity cut-offs for the novelty ladder.
const (
	similarityLow    = 0.9
	similarityMedium = 0.5
)

// Thresholds configure tier selection. A tier fires when any axis reaches
// its threshold rank.
type Thresholds struct {
	Tier3Risk       contracts.RouterRisk
	Tier3Novelty    contracts.Novelty
	Tier3Confidence contracts.Confidence
	Tier2Risk       contracts.RouterRisk
	Tier2Novelty    contracts.Novelty
	Tier2Confidence contracts.Confidence
}

// DefaultThresholds match the published triage contract. Tier 2 and 3
// share the novelty and confidence cut-offs by default, so with stock
// thresholds only the risk axis distinguishes them; deployments lower the
// tier-2 cut-offs to widen the escalation band.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Tier3Risk:       contracts.RouterRiskR3,
		Tier3Novelty:    contracts.NoveltyHigh,
		Tier3Confidence: contracts.ConfidenceLow,
		Tier2Risk:       contracts.RouterRiskR2,
		Tier2Novelty:    contracts.NoveltyHigh,
		Tier2Confidence: contracts.ConfidenceLow,
	}
}

// DefaultLedgerMap writes tier 3 to the ledger and nothing below it. The
// pipeline overrides this per deployment.
func DefaultLedgerMap() map[int]bool {
	return map[int]bool{0: false, 1: false, 2: false, 3: true}
}

// Metrics is the payload published on events.TopicRouterMetrics.
type Metrics struct {
	RoutedEvents   int64                        `json:"routedEvents"`
	Caches         fingerprint.Stats            `json:"caches"`
	NoveltyCounts  map[contracts.Novelty]int64 `json:"noveltyCounts"`
	MeanConfidence float64                      `json:"meanConfidence"`
}

// Router grades events. Safe for concurrent use.
type Router struct {
	policies     policy.Provider
	fingerprints *fingerprint.Service
	bus          *events.Bus
	thresholds   Thresholds
	ledgerMap    map[int]bool
	logger       *slog.Logger

	scores *cache.LRU[float64]

	mu              sync.Mutex
	routed          int64
	noveltyCounts   map[contracts.Novelty]int64
	confidenceTotal float64
}

// Option configures a Router.
type Option func(*Router)

// WithThresholds overrides tier selection thresholds.
func WithThresholds(t Thresholds) Option {
	return func(r *Router) { r.thresholds = t }
}

// WithLedgerMap overrides the per-tier ledger-write map.
func WithLedgerMap(m map[int]bool) Option {
	return func(r *Router) { r.ledgerMap = m }
}

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New builds a Router over the policy provider, fingerprint service and
// bus. The bus may be nil in tests; metrics and sentinel overrides are
// disabled then.
func New(p policy.Provider, fp *fingerprint.Service, bus *events.Bus, opts ...Option) *Router {
	r := &Router{
		policies:      p,
		fingerprints:  fp,
		bus:           bus,
		thresholds:    DefaultThresholds(),
		ledgerMap:     DefaultLedgerMap(),
		logger:        slog.Default(),
		scores:        cache.New[float64](256, time.Minute),
		noveltyCounts: make(map[contracts.Novelty]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start pumps sentinel confidence scores from the bus until ctx is done.
// Run it on its own goroutine.
func (r *Router) Start(ctx context.Context) {
	if r.bus == nil {
		return
	}
	ch, cancel := r.bus.Subscribe(events.TopicSentinelConfidence)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if score, isScore := ev.Data.(events.ConfidenceScore); isScore {
				r.ObserveConfidence(score.EventID, score.Score)
			}
		}
	}
}

// ObserveConfidence records a sentinel confidence score for an event id.
// The score overrides the category-derived confidence exactly once.
func (r *Router) ObserveConfidence(eventID string, score float64) {
	r.scores.Set(eventID, score)
}

// Route triages one event.
func (r *Router) Route(event contracts.CortexEvent) contracts.RoutingDecision {
	risk := r.computeRisk(event)
	confidence := r.computeConfidence(event)
	novelty := r.computeNovelty(event, risk, confidence)

	triage := contracts.Triage{Risk: risk, Novelty: novelty, Confidence: confidence}
	tier := r.determineTier(triage)

	decision := contracts.RoutingDecision{
		EventID:         event.ID,
		Tier:            tier,
		Triage:          triage,
		InvokeQoreLogic: tier >= 2,
		WriteLedger:     r.ledgerMap[tier],
		EnforceSentinel: true,
	}
	if tier >= 3 {
		decision.RequiredActions = []string{contracts.RequiredActionHumanReview}
	}

	r.recordMetrics(triage)
	return decision
}

func (r *Router) computeRisk(event contracts.CortexEvent) contracts.RouterRisk {
	action := contracts.ActionKind("")
	if a, ok := event.Payload["action"].(string); ok {
		action = contracts.ActionKind(a)
	}
	var size int64
	switch v := event.Payload["contentSize"].(type) {
	case int64:
		size = v
	case int:
		size = int64(v)
	case float64:
		size = int64(v)
	}
	return r.policies.Snapshot().RouterRisk(event.TargetPath, action, size, r.logger)
}

func (r *Router) computeConfidence(event contracts.CortexEvent) contracts.Confidence {
	confidence := contracts.ConfidenceMedium
	if event.Category == contracts.CategorySystem || event.Category == contracts.CategorySentinel {
		confidence = contracts.ConfidenceHigh
	}

	// A sentinel score posted for this event takes precedence over the
	// category heuristic, and is consumed by this routing.
	if score, ok := r.scores.Get(event.ID); ok {
		r.scores.Delete(event.ID)
		switch {
		case score >= confidenceHighScore:
			confidence = contracts.ConfidenceHigh
		case score >= confidenceMediumScore:
			confidence = contracts.ConfidenceMedium
		default:
			confidence = contracts.ConfidenceLow
		}
	}
	return confidence
}

func (r *Router) computeNovelty(event contracts.CortexEvent, risk contracts.RouterRisk, confidence contracts.Confidence) contracts.Novelty {
	if event.TargetPath == "" {
		return contracts.NoveltyLow
	}
	// Familiar ground: low-risk events graded with high confidence skip
	// the disk entirely.
	if risk.Rank() < contracts.RouterRiskR2.Rank() && confidence == contracts.ConfidenceHigh {
		return contracts.NoveltyLow
	}
	if cached, ok := r.fingerprints.CachedNovelty(event.TargetPath); ok {
		return cached
	}

	fp, err := r.fingerprints.FingerprintFor(event.TargetPath)
	if err != nil {
		// Unreadable artifacts grade medium; failures are never cached.
		r.logger.Debug("fingerprint unavailable",
			slog.String("path", event.TargetPath), slog.String("error", err.Error()))
		return contracts.NoveltyMedium
	}

	novelty := r.gradeSimilarity(fp)
	r.fingerprints.StoreNovelty(event.TargetPath, novelty)
	return novelty
}

// gradeSimilarity turns the best similarity against the cached corpus into
// a novelty grade. A corpus with nothing comparable at all (score exactly
// zero) falls back to name and size heuristics.
func (r *Router) gradeSimilarity(fp contracts.ContentFingerprint) contracts.Novelty {
	best := r.fingerprints.MaxSimilarity(fp)
	switch {
	case best >= similarityLow:
		return contracts.NoveltyLow
	case best >= similarityMedium:
		return contracts.NoveltyMedium
	case best > 0:
		return contracts.NoveltyHigh
	}

	lower := strings.ToLower(fp.Path)
	switch {
	case strings.Contains(lower, "test") || strings.Contains(lower, "spec"):
		return contracts.NoveltyLow
	case fp.Size < 1000:
		return contracts.NoveltyLow
	case fp.Size < 5000:
		return contracts.NoveltyMedium
	}
	return contracts.NoveltyHigh
}

func (r *Router) determineTier(t contracts.Triage) int {
	th := r.thresholds
	if t.Risk.Rank() >= th.Tier3Risk.Rank() ||
		t.Novelty.Rank() >= th.Tier3Novelty.Rank() ||
		t.Confidence.Rank() >= th.Tier3Confidence.Rank() {
		return 3
	}
	if t.Risk.Rank() >= th.Tier2Risk.Rank() ||
		t.Novelty.Rank() >= th.Tier2Novelty.Rank() ||
		t.Confidence.Rank() >= th.Tier2Confidence.Rank() {
		return 2
	}
	if t.Risk == contracts.RouterRiskR0 {
		return 0
	}
	return 1
}

// recordMetrics aggregates triage outcomes and publishes a snapshot every
// metricsInterval routed events. Publication is best-effort.
func (r *Router) recordMetrics(t contracts.Triage) {
	r.mu.Lock()
	r.routed++
	r.noveltyCounts[t.Novelty]++
	switch t.Confidence {
	case contracts.ConfidenceHigh:
		r.confidenceTotal += 1.0
	case contracts.ConfidenceMedium:
		r.confidenceTotal += 0.5
	}
	publish := r.routed%metricsInterval == 0
	var snapshot Metrics
	if publish {
		counts := make(map[contracts.Novelty]int64, len(r.noveltyCounts))
		for k, v := range r.noveltyCounts {
			counts[k] = v
		}
		snapshot = Metrics{
			RoutedEvents:   r.routed,
			NoveltyCounts:  counts,
			MeanConfidence: r.confidenceTotal / float64(r.routed),
		}
	}
	r.mu.Unlock()

	if publish && r.bus != nil {
		snapshot.Caches = r.fingerprints.Stats()
		r.bus.Publish(events.TopicRouterMetrics, snapshot)
	}
}
