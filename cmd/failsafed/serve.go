package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qorelogic/failsafe/pkg/api"
	"github.com/qorelogic/failsafe/pkg/approval"
	"github.com/qorelogic/failsafe/pkg/config"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
	"github.com/qorelogic/failsafe/pkg/fingerprint"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/observability"
	"github.com/qorelogic/failsafe/pkg/policy"
	"github.com/qorelogic/failsafe/pkg/replay"
	"github.com/qorelogic/failsafe/pkg/router"
	"github.com/qorelogic/failsafe/pkg/runtime"
	"github.com/qorelogic/failsafe/pkg/store"
	"github.com/qorelogic/failsafe/pkg/trust"
)

const shutdownGrace = 10 * time.Second

// runServe boots the governance runtime and blocks until SIGINT/SIGTERM
// or a listener failure.
func runServe(stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "Warning: .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	logger := observability.NewLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	_, _ = fmt.Fprintf(stdout, "%sfailsafe governance runtime starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "failsafe",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       true,
	}, logger)
	if err != nil {
		logger.Error("tracing init failed", slog.String("error", err.Error()))
		return 2
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", slog.String("error", err.Error()))
		}
	}()

	bus := events.New(logger)

	led, closeLedger, err := openLedger(ctx, cfg, logger, func(e contracts.LedgerEntry) {
		bus.Publish(events.TopicLedgerAppended, e)
	})
	if err != nil {
		logger.Error("ledger backend", slog.String("error", err.Error()))
		return 2
	}
	defer closeLedger()

	provider, err := buildPolicyProvider(ctx, cfg, bus, led, logger)
	if err != nil {
		logger.Error("policy load", slog.String("error", err.Error()))
		return 2
	}

	replayPath := resolvePath(cfg, cfg.ReplayDBPath)
	if err := os.MkdirAll(filepath.Dir(replayPath), 0o755); err != nil {
		logger.Error("replay store dir", slog.String("error", err.Error()))
		return 2
	}
	nonces, err := replay.OpenSQLiteNonceStore(replayPath)
	if err != nil {
		logger.Error("replay store", slog.String("error", err.Error()))
		return 2
	}
	defer func() {
		if err := nonces.Close(); err != nil {
			logger.Warn("replay store close", slog.String("error", err.Error()))
		}
	}()

	kv, err := store.NewKV(resolvePath(cfg, config.DefaultApprovalDir))
	if err != nil {
		logger.Error("approval store", slog.String("error", err.Error()))
		return 2
	}

	trustEngine := trust.NewEngine(provider, trust.WithLogger(logger))
	genome := trust.NewGenome(trust.WithGenomeLogger(logger))
	go genome.Start(ctx, bus)

	approvals, err := approval.NewQueue(kv, led, trustEngine, provider,
		approval.WithSLA(cfg.L3SLA), approval.WithLogger(logger))
	if err != nil {
		logger.Error("approval queue", slog.String("error", err.Error()))
		return 2
	}

	triage := router.New(provider, fingerprint.NewService(), bus, routerOptions(cfg, logger)...)
	go triage.Start(ctx)

	var registry *runtime.Registry
	if cfg.Profile != nil && len(cfg.Profile.Services) > 0 {
		endpoints := make([]runtime.ServiceEndpoint, 0, len(cfg.Profile.Services))
		for _, svc := range cfg.Profile.Services {
			endpoints = append(endpoints, runtime.ServiceEndpoint{Name: svc.Name, URL: svc.URL})
		}
		registry = runtime.NewRegistry(endpoints, runtime.WithRegistryLogger(logger))
		go registry.Start(ctx)
	}

	runtimeCfg := runtime.Config{
		Policies:  provider,
		Router:    triage,
		Ledger:    led,
		Guard:     replay.NewGuard(),
		Trust:     trustEngine,
		Approvals: approvals,
		Bus:       bus,
		Registry:  registry,
		Strict:    cfg.StrictMode,
		Logger:    logger,
	}
	if cfg.AgentOSEnabled {
		runtimeCfg.PreHook = stateGuardHook(resolvePath(cfg, ".failsafe"))
		runtimeCfg.PostHook = genomeReasonsHook(genome)
	}
	rt, err := runtime.New(runtimeCfg)
	if err != nil {
		logger.Error("runtime wiring", slog.String("error", err.Error()))
		return 2
	}
	if err := rt.Initialize(ctx); err != nil {
		logger.Error("runtime initialize", slog.String("error", err.Error()))
		return 2
	}

	metrics := observability.NewMetrics()
	stopBridge := metrics.WatchBus(bus)
	defer stopBridge()
	metrics.RegisterQueueDepth(func() int { return len(approvals.Pending()) })

	surface := api.NewServer(api.Config{
		APIKey:         cfg.APIKey,
		ProxyAPIKey:    cfg.ProxyAPIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		PublicHealth:   cfg.PublicHealth,
		Runtime:        rt,
		Approvals:      approvals,
		Trust:          trustEngine,
		Genome:         genome,
		Ledger:         led,
		Bus:            bus,
		Nonces:         nonces,
		Keyring:        api.NewKeyring(cfg.ActorKeys, cfg.ActorMasterKey),
		Metrics:        metrics,
		Logger:         logger,
		Proxy: api.ProxyConfig{
			UpstreamURL:   cfg.UpstreamURL,
			AllowedModels: cfg.AllowedModels,
			RequireModel:  cfg.RequireModel,
		},
		RedisAddr: cfg.RedisAddr,
	})

	apiListener, err := net.Listen("tcp", net.JoinHostPort(cfg.APIHost, strconv.Itoa(cfg.APIPort)))
	if err != nil {
		logger.Error("api listen", slog.String("error", err.Error()))
		return 2
	}

	apiServer := &http.Server{Handler: surface.Handler(), ReadHeaderTimeout: 10 * time.Second}
	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           opsHandler(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("api listening", slog.String("addr", apiListener.Addr().String()))
		if err := apiServer.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("ops listening", slog.Int("port", cfg.OpsPort))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("ops server: %w", err)
		}
	}()

	_, _ = fmt.Fprintf(stdout, "%sready%s api=%s ops=:%d policy=%s\n",
		ColorBold+ColorGreen, ColorReset, apiListener.Addr(), cfg.OpsPort, rt.PolicyVersion())

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("server failed", slog.String("error", err.Error()))
		exit = 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", slog.String("error", err.Error()))
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops shutdown", slog.String("error", err.Error()))
	}
	return exit
}

// buildPolicyProvider returns the static snapshot or, with watching
// enabled, a hot-swapping watcher whose reloads are ledgered and
// published on the bus.
func buildPolicyProvider(ctx context.Context, cfg *config.Config, bus *events.Bus, led ledger.Store, logger *slog.Logger) (policy.Provider, error) {
	var opts []policy.LoadOption
	if cfg.Profile != nil && cfg.Profile.Policy.DisableRules {
		opts = append(opts, policy.SkipRules())
	}

	if !cfg.PolicyWatch || cfg.PolicyDir == "" {
		snap, err := policy.Load(cfg.PolicyDir, opts...)
		if err != nil {
			return nil, err
		}
		return policy.Static{S: snap}, nil
	}

	onSwap := func(n policy.ReloadNotice) {
		bus.Publish(events.TopicPolicyReloaded, n)
		if _, err := led.Append(ctx, ledger.Draft{
			EventType: contracts.EventSystem,
			Payload: map[string]any{
				"event":      "policy_reloaded",
				"oldVersion": n.OldVersion,
				"newVersion": n.NewVersion,
			},
		}); err != nil {
			logger.Error("ledger policy reload", slog.String("error", err.Error()))
		}
	}
	watcher, err := policy.NewWatcher(cfg.PolicyDir, onSwap, logger, opts...)
	if err != nil {
		return nil, err
	}
	watcher.OnReject(func(e *contracts.Error) {
		if _, err := led.Append(ctx, ledger.Draft{
			EventType: contracts.EventSystem,
			Payload: map[string]any{
				"event": "policy_reload_rejected",
				"code":  string(e.Code),
				"error": e.Message,
			},
		}); err != nil {
			logger.Error("ledger policy reject", slog.String("error", err.Error()))
		}
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Error("policy watcher stopped", slog.String("error", err.Error()))
		}
	}()
	return watcher, nil
}

// routerOptions maps the profile's tier thresholds and ledger-write map
// onto router options. Absent profile fields keep the router defaults.
func routerOptions(cfg *config.Config, logger *slog.Logger) []router.Option {
	opts := []router.Option{router.WithLogger(logger)}
	if cfg.Profile == nil {
		return opts
	}

	rp := cfg.Profile.Router
	if rp.Tier3 != nil || rp.Tier2 != nil {
		t := router.DefaultThresholds()
		applyTier(&t.Tier3Risk, &t.Tier3Novelty, &t.Tier3Confidence, rp.Tier3)
		applyTier(&t.Tier2Risk, &t.Tier2Novelty, &t.Tier2Confidence, rp.Tier2)
		opts = append(opts, router.WithThresholds(t))
	}
	if len(rp.LedgerWrites) > 0 {
		opts = append(opts, router.WithLedgerMap(rp.LedgerWrites))
	}
	return opts
}

func applyTier(risk *contracts.RouterRisk, novelty *contracts.Novelty, confidence *contracts.Confidence, t *config.TierThresholds) {
	if t == nil {
		return
	}
	if t.Risk != "" {
		*risk = contracts.RouterRisk(t.Risk)
	}
	if t.Novelty != "" {
		*novelty = contracts.Novelty(t.Novelty)
	}
	if t.Confidence != "" {
		*confidence = contracts.Confidence(t.Confidence)
	}
}

// opsHandler serves the private operational listener.
func opsHandler(metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// stateGuardHook denies any action that reaches into the runtime's own
// state directory. The audit trail must not be writable by the agents it
// governs.
func stateGuardHook(stateDir string) runtime.PreHook {
	root, err := filepath.Abs(stateDir)
	if err != nil {
		root = stateDir
	}
	return func(_ context.Context, req contracts.DecisionRequest) (contracts.DecisionResponse, bool, error) {
		target, err := filepath.Abs(req.TargetPath)
		if err != nil {
			return contracts.DecisionResponse{}, false, nil
		}
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return contracts.DecisionResponse{}, false, nil
		}
		return contracts.DecisionResponse{
			Decision:  contracts.VerdictDeny,
			RiskGrade: contracts.RiskL3,
			Reasons:   []string{"stateGuard=target is inside the governance state directory"},
		}, true, nil
	}
}

// genomeReasonsHook annotates verdicts with the actor's archived failure
// signals so callers see repeat-offense context.
func genomeReasonsHook(genome *trust.Genome) runtime.PostHook {
	return func(_ context.Context, req contracts.DecisionRequest, _ contracts.DecisionResponse) []string {
		constraints := genome.NegativeConstraints(req.ActorID, 3)
		reasons := make([]string, 0, len(constraints))
		for _, cause := range constraints {
			reasons = append(reasons, "pastFailure="+cause)
		}
		return reasons
	}
}
