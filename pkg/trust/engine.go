// Package trust tracks per-agent trust scores and archives sentinel
// failures to the shadow genome. Scores start at the policy's initial
// value and move by the policy's approval and rejection deltas, clamped
// to the configured floor and ceiling.
package trust

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/policy"
)

// ErrUnknownAgent is returned when a DID was never registered.
var ErrUnknownAgent = errors.New("trust: unknown agent")

// Agent is one registered identity and its current score.
type Agent struct {
	DID          string              `json:"did"`
	Persona      string              `json:"persona"`
	Trust        float64             `json:"trust"`
	RegisteredAt contracts.Timestamp `json:"registeredAt"`
	AdjustedAt   contracts.Timestamp `json:"adjustedAt"`
}

// Engine is the in-memory trust ledger. Reads run concurrently.
type Engine struct {
	policies policy.Provider
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	agents map[string]Agent
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an empty trust engine over the given policy source.
func NewEngine(p policy.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		policies: p,
		now:      time.Now,
		logger:   slog.Default(),
		agents:   make(map[string]Agent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register mints a DID for the persona and starts it at the policy's
// initial trust.
func (e *Engine) Register(persona string) Agent {
	persona = normalizePersona(persona)
	dynamics := e.policies.Snapshot().Trust
	now := contracts.NewTimestamp(e.now())

	agent := Agent{
		DID:          "did:myth:" + persona + ":" + uuid.New().String(),
		Persona:      persona,
		Trust:        dynamics.InitialTrust,
		RegisteredAt: now,
		AdjustedAt:   now,
	}

	e.mu.Lock()
	e.agents[agent.DID] = agent
	e.mu.Unlock()

	e.logger.Info("agent registered",
		slog.String("did", agent.DID), slog.Float64("trust", agent.Trust))
	return agent
}

// Get returns the agent for did.
func (e *Engine) Get(did string) (Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	agent, ok := e.agents[did]
	return agent, ok
}

// Ensure returns the agent for did, enrolling it at the initial trust when
// unseen. Actors arrive with externally-minted ids; the persona is read
// from did:myth ids and defaults to "agent" for anything else.
func (e *Engine) Ensure(did string) Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if agent, ok := e.agents[did]; ok {
		return agent
	}

	persona := "agent"
	if parts := strings.Split(did, ":"); len(parts) >= 4 && parts[0] == "did" && parts[1] == "myth" {
		persona = normalizePersona(parts[2])
	}
	now := contracts.NewTimestamp(e.now())
	agent := Agent{
		DID:          did,
		Persona:      persona,
		Trust:        e.policies.Snapshot().Trust.InitialTrust,
		RegisteredAt: now,
		AdjustedAt:   now,
	}
	e.agents[did] = agent

	e.logger.Info("agent enrolled",
		slog.String("did", did), slog.Float64("trust", agent.Trust))
	return agent
}

// Adjust moves the agent's score by delta, clamped to the policy floor
// and ceiling, and returns the updated agent.
func (e *Engine) Adjust(did string, delta float64) (Agent, error) {
	dynamics := e.policies.Snapshot().Trust

	e.mu.Lock()
	defer e.mu.Unlock()
	agent, ok := e.agents[did]
	if !ok {
		return Agent{}, ErrUnknownAgent
	}

	score := agent.Trust + delta
	if score < dynamics.Floor {
		score = dynamics.Floor
	}
	if score > dynamics.Ceiling {
		score = dynamics.Ceiling
	}
	agent.Trust = score
	agent.AdjustedAt = contracts.NewTimestamp(e.now())
	e.agents[did] = agent

	e.logger.Info("trust adjusted",
		slog.String("did", did), slog.Float64("delta", delta), slog.Float64("trust", score))
	return agent, nil
}

// Agents returns a snapshot of every registered agent, ordered by DID.
func (e *Engine) Agents() []Agent {
	e.mu.RLock()
	out := make([]Agent, 0, len(e.agents))
	for _, agent := range e.agents {
		out = append(out, agent)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

// normalizePersona lowercases and hyphenates the persona so it can sit
// inside a DID segment.
func normalizePersona(persona string) string {
	persona = strings.ToLower(strings.TrimSpace(persona))
	persona = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, persona)
	if persona == "" {
		return "agent"
	}
	return persona
}
