package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// Probe cadence and per-probe budget. A slow helper never delays the next
// round; probes run sequentially inside one ticker tick.
const (
	probeInterval = 30 * time.Second
	probeTimeout  = time.Second
)

// Service status values reported through /health.
const (
	ServiceOK          = "ok"
	ServiceUnreachable = "unreachable"
	ServiceDegraded    = "degraded"
	ServiceUnknown     = "unknown"
)

// ServiceStatus is the last-known health of one registered helper.
type ServiceStatus struct {
	Status      string              `json:"status"`
	LastChecked contracts.Timestamp `json:"lastChecked"`
}

// ServiceEndpoint names a remote helper the runtime reports on. The
// runtime never calls helpers on the decision path; the registry only
// keeps operators informed.
type ServiceEndpoint struct {
	Name string
	URL  string
}

// Registry probes registered helper services and snapshots their status
// for health reporting.
type Registry struct {
	endpoints []ServiceEndpoint
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	status map[string]ServiceStatus
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock injects the time source, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryClient overrides the probe HTTP client.
func WithRegistryClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.client = c }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds a registry over the configured endpoints. Every
// endpoint starts as unknown until its first probe completes.
func NewRegistry(endpoints []ServiceEndpoint, opts ...RegistryOption) *Registry {
	r := &Registry{
		endpoints: append([]ServiceEndpoint(nil), endpoints...),
		client:    &http.Client{Timeout: probeTimeout},
		logger:    slog.Default(),
		now:       time.Now,
		status:    make(map[string]ServiceStatus, len(endpoints)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, ep := range r.endpoints {
		r.status[ep.Name] = ServiceStatus{
			Status:      ServiceUnknown,
			LastChecked: contracts.NewTimestamp(r.now()),
		}
	}
	return r
}

// Start probes every endpoint once, then every probeInterval until ctx is
// done. Run it on its own goroutine; a registry with no endpoints returns
// immediately.
func (r *Registry) Start(ctx context.Context) {
	if len(r.endpoints) == 0 {
		return
	}
	r.probeAll(ctx)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

// Snapshot copies the current status map. The result is never nil, so
// health bodies always carry a services object.
func (r *Registry) Snapshot() map[string]ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(r.status))
	for name, st := range r.status {
		out[name] = st
	}
	return out
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, ep := range r.endpoints {
		if ctx.Err() != nil {
			return
		}
		status := r.probe(ctx, ep)

		r.mu.Lock()
		previous := r.status[ep.Name].Status
		r.status[ep.Name] = status
		r.mu.Unlock()

		if previous != status.Status {
			r.logger.Info("service status changed",
				slog.String("service", ep.Name),
				slog.String("from", previous),
				slog.String("to", status.Status))
		}
	}
}

func (r *Registry) probe(ctx context.Context, ep ServiceEndpoint) ServiceStatus {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := ServiceStatus{Status: ServiceUnreachable, LastChecked: contracts.NewTimestamp(r.now())}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return status
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return status
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		status.Status = ServiceOK
	case resp.StatusCode >= 500:
		status.Status = ServiceUnreachable
	default:
		status.Status = ServiceDegraded
	}
	return status
}
