package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/qorelogic/failsafe/pkg/approval"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/observability"
	"github.com/qorelogic/failsafe/pkg/replay"
	"github.com/qorelogic/failsafe/pkg/runtime"
	"github.com/qorelogic/failsafe/pkg/trust"
)

// Body caps. Evaluate payloads are small governance envelopes; proxy
// bodies carry prompts and get twice the room.
const (
	maxEvaluateBody = 64 << 10
	maxProxyBody    = 128 << 10
)

// Config wires the HTTP surface to the runtime and its stores.
type Config struct {
	APIKey         string
	ProxyAPIKey    string
	AdminJWTSecret string
	PublicHealth   bool

	Runtime   *runtime.Runtime
	Approvals *approval.Queue
	Trust     *trust.Engine
	Genome    *trust.Genome
	Ledger    ledger.Store
	Bus       *events.Bus
	Nonces    replay.NonceStore
	Keyring   *Keyring
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	Proxy ProxyConfig

	// RedisAddr switches the rate limiter to a shared Redis window so
	// replicas enforce one budget. Empty keeps the in-process store.
	RedisAddr string

	Now func() time.Time
}

// Server is the authenticated governance surface: evaluate, health,
// policy version, the governed LLM proxy and the operator admin routes.
type Server struct {
	runtime   *runtime.Runtime
	approvals *approval.Queue
	trust     *trust.Engine
	genome    *trust.Genome
	ledger    ledger.Store
	bus       *events.Bus
	nonces    replay.NonceStore
	keyring   *Keyring
	metrics   *observability.Metrics
	logger    *slog.Logger

	apiKey       string
	proxyKey     string
	adminSecret  string
	publicHealth bool

	health  *healthLimiter
	windows windowStore
	relay   *upstreamRelay
	now     func() time.Time
}

// NewServer builds the surface. Nil optional collaborators (metrics, bus)
// degrade to no-ops; the runtime, queue and ledger are required.
func NewServer(cfg Config) *Server {
	s := &Server{
		runtime:      cfg.Runtime,
		approvals:    cfg.Approvals,
		trust:        cfg.Trust,
		genome:       cfg.Genome,
		ledger:       cfg.Ledger,
		bus:          cfg.Bus,
		nonces:       cfg.Nonces,
		keyring:      cfg.Keyring,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		apiKey:       cfg.APIKey,
		proxyKey:     cfg.ProxyAPIKey,
		adminSecret:  cfg.AdminJWTSecret,
		publicHealth: cfg.PublicHealth,
		health:       newHealthLimiter(),
		now:          cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.nonces == nil {
		s.nonces = replay.NewMemoryNonceStore()
	}
	if s.keyring == nil {
		s.keyring = NewKeyring(nil, "")
	}
	if cfg.RedisAddr != "" {
		s.windows = newRedisWindows(cfg.RedisAddr)
	} else {
		s.windows = newMemoryWindows()
	}
	s.relay = newUpstreamRelay(cfg.Proxy, s.logger)
	return s
}

// Handler assembles the route table. Unknown routes and wrong methods get
// the same JSON envelope as every other failure.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	if s.publicHealth {
		r.Handle("/health", s.throttleHealth(http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	} else {
		r.Handle("/health", requireKey(s.apiKey, http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	}
	r.Handle("/policy/version", requireKey(s.apiKey, http.HandlerFunc(s.handlePolicyVersion))).Methods(http.MethodGet)
	r.Handle("/evaluate", requireKey(s.apiKey, s.rateLimit(http.HandlerFunc(s.handleEvaluate)))).Methods(http.MethodPost)
	r.Handle("/zo/ask", s.requireProxyKey(s.rateLimit(http.HandlerFunc(s.handleZoAsk)))).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireOperator)
	admin.HandleFunc("/approvals", s.handleApprovalsList).Methods(http.MethodGet)
	admin.HandleFunc("/approvals/{id}", s.handleApprovalDecide).Methods(http.MethodPost)
	admin.HandleFunc("/ledger/verify", s.handleLedgerVerify).Methods(http.MethodGet)
	admin.HandleFunc("/agents/{did}/trust", s.handleAgentTrust).Methods(http.MethodGet)
	admin.HandleFunc("/genome/patterns", s.handleGenomePatterns).Methods(http.MethodGet)
	admin.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	return r
}

// requireProxyKey accepts the dedicated proxy key when one is configured,
// falling back to the main api key otherwise.
func (s *Server) requireProxyKey(next http.Handler) http.Handler {
	key := s.proxyKey
	if key == "" {
		key = s.apiKey
	}
	return requireKey(key, next)
}

// throttleHealth keeps the unauthenticated probe from being hammered.
func (s *Server) throttleHealth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.health.allow(clientIP(r)) {
			WriteCode(w, contracts.CodeRateLimitExceeded, "health probe rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports readiness: 200 once Initialize has sealed the
// genesis entry, 503 while the runtime is still coming up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.runtime.Health()
	code := http.StatusOK
	if !status.Initialized {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handlePolicyVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"policyVersion": s.runtime.PolicyVersion()})
}

// handleEvaluate is the core governance endpoint: decode, evaluate, record
// the verdict. Runtime errors already carry wire codes; everything else is
// a validation failure.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxEvaluateBody)
	if !ok {
		return
	}

	var req contracts.DecisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteCode(w, contracts.CodeBadJSON, "request body is not valid json")
		return
	}

	started := time.Now()
	resp, err := s.runtime.Evaluate(r.Context(), req)
	if s.metrics != nil {
		s.metrics.RecordEvaluateLatency(time.Since(started))
	}
	if err != nil {
		renderError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(resp.Decision)
	}
	writeJSON(w, http.StatusOK, resp)
}

// readBody drains the request under a hard cap. A tripped cap is the
// caller's fault and maps to 413, not a generic read error.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteCode(w, contracts.CodePayloadTooLarge, "request body exceeds the accepted size")
			return nil, false
		}
		WriteCode(w, contracts.CodeValidationError, "unreadable request body")
		return nil, false
	}
	return body, true
}
