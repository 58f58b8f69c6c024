package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/api"
	"github.com/qorelogic/failsafe/pkg/approval"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
	"github.com/qorelogic/failsafe/pkg/fingerprint"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/policy"
	"github.com/qorelogic/failsafe/pkg/replay"
	"github.com/qorelogic/failsafe/pkg/router"
	"github.com/qorelogic/failsafe/pkg/runtime"
	"github.com/qorelogic/failsafe/pkg/store"
	"github.com/qorelogic/failsafe/pkg/trust"
)

const (
	clientKey    = "client-key"
	clientKid    = "agent-k1"
	clientSecret = "agent-secret-material"
	clientDID    = "did:myth:agent:sdk"
)

// newTestServer runs the real API against a real runtime so the client is
// exercised against the exact auth and proof checks production performs.
func newTestServer(t *testing.T, mutate func(*api.Config)) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	snap, err := policy.Load("")
	require.NoError(t, err)
	provider := policy.Static{S: snap}

	led := ledger.NewFileStore(filepath.Join(dir, "meta.ledger"))
	t.Cleanup(func() { led.Close() })

	kv, err := store.NewKV(filepath.Join(dir, "approvals"))
	require.NoError(t, err)

	eng := trust.NewEngine(provider)
	queue, err := approval.NewQueue(kv, led, eng, provider)
	require.NoError(t, err)
	bus := events.New(nil)

	rt, err := runtime.New(runtime.Config{
		Policies:  provider,
		Router:    router.New(provider, fingerprint.NewService(), bus),
		Ledger:    led,
		Guard:     replay.NewGuard(),
		Trust:     eng,
		Approvals: queue,
		Bus:       bus,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	cfg := api.Config{
		APIKey:    clientKey,
		Runtime:   rt,
		Approvals: queue,
		Trust:     eng,
		Genome:    trust.NewGenome(),
		Ledger:    led,
		Bus:       bus,
		Nonces:    replay.NewMemoryNonceStore(),
		Keyring:   api.NewKeyring(map[string]string{clientKid: clientSecret}, ""),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := httptest.NewServer(api.NewServer(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestWireHeadersMatchServer(t *testing.T) {
	assert.Equal(t, api.HeaderAPIKey, headerAPIKey)
	assert.Equal(t, api.HeaderActorID, headerActorID)
	assert.Equal(t, api.HeaderActorKid, headerActorKid)
	assert.Equal(t, api.HeaderActorTs, headerActorTs)
	assert.Equal(t, api.HeaderActorNonce, headerActorNonce)
	assert.Equal(t, api.HeaderActorSig, headerActorSig)
}

func TestEvaluateRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, clientKey)

	resp, err := c.Evaluate(context.Background(), contracts.DecisionRequest{
		RequestID:  "r-sdk-1",
		ActorID:    clientDID,
		Action:     contracts.ActionRead,
		TargetPath: "/w/docs/note.md",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, resp.Decision)
	assert.Equal(t, "r-sdk-1", resp.RequestID)
	assert.NotEmpty(t, resp.DecisionID)
	assert.Positive(t, resp.AuditEventID)
	assert.Contains(t, resp.Reasons, "policyRisk=L1")
	assert.NotEmpty(t, resp.PolicyVersion)
}

func TestWrongKeySurfacesCodedError(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, "wrong")

	_, err := c.Evaluate(context.Background(), contracts.DecisionRequest{
		RequestID: "r-sdk-2",
		ActorID:   clientDID,
		Action:    contracts.ActionRead,
	})
	var coded *contracts.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, contracts.CodeUnauthorized, coded.Code)
	assert.NotEmpty(t, coded.TraceID)
}

func TestHealthAndPolicyVersion(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, clientKey)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.Initialized)
	assert.True(t, h.PolicyLoaded)
	assert.NotEmpty(t, h.PolicyVersion)

	v, err := c.PolicyVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.PolicyVersion, v)
}

func TestAskRelaysUpstreamAnswer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"forty-two"}`))
	}))
	t.Cleanup(upstream.Close)

	ts := newTestServer(t, func(cfg *api.Config) {
		cfg.Proxy = api.ProxyConfig{UpstreamURL: upstream.URL}
	})
	c := New(ts.URL, clientKey, WithActor(clientDID, clientKid, clientSecret))

	res, err := c.Ask(context.Background(), AskRequest{
		Prompt: "please summarize the design notes",
		Model:  "gpt-safe",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `{"answer":"forty-two"}`, string(res.Body))

	// A fresh nonce per call makes the identical Ask a new request.
	res2, err := c.Ask(context.Background(), AskRequest{
		Prompt: "please summarize the design notes",
		Model:  "gpt-safe",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res2.Status)
}

func TestAskReusedNonceIsReplayConflict(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`ok`))
	}))
	t.Cleanup(upstream.Close)

	ts := newTestServer(t, func(cfg *api.Config) {
		cfg.Proxy = api.ProxyConfig{UpstreamURL: upstream.URL}
	})
	c := New(ts.URL, clientKey, WithActor(clientDID, clientKid, clientSecret))
	c.nonce = func() string { return "nonce-0001-fixed" }

	_, err := c.Ask(context.Background(), AskRequest{Prompt: "please summarize the design notes"})
	require.NoError(t, err)

	_, err = c.Ask(context.Background(), AskRequest{Prompt: "please summarize the design notes"})
	var coded *contracts.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, contracts.CodeReplayConflict, coded.Code)
}

func TestAskNeedsActorIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, clientKey)

	_, err := c.Ask(context.Background(), AskRequest{Prompt: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithActor")
}

func TestGovernanceDenySurfacesWireCode(t *testing.T) {
	ts := newTestServer(t, func(cfg *api.Config) {
		cfg.Proxy = api.ProxyConfig{UpstreamURL: "http://127.0.0.1:1"}
	})
	c := New(ts.URL, clientKey, WithActor(clientDID, clientKid, clientSecret))

	_, err := c.Ask(context.Background(), AskRequest{
		Prompt: "run rm -rf on the cache directory",
	})
	var coded *contracts.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, contracts.CodeGovernanceDeny, coded.Code)
	assert.NotEmpty(t, coded.TraceID)
}

func TestNonEnvelopeErrorFallsBack(t *testing.T) {
	raw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(raw.Close)
	c := New(raw.URL, clientKey)

	_, err := c.Evaluate(context.Background(), contracts.DecisionRequest{
		RequestID: "r-sdk-3",
		ActorID:   clientDID,
		Action:    contracts.ActionRead,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server answered 502")
	var coded *contracts.Error
	assert.False(t, errors.As(err, &coded))
}
