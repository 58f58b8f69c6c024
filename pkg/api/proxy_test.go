package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// askBody builds a proxy body with the given prompt and optional model.
func askBody(t *testing.T, prompt, model string) []byte {
	t.Helper()
	req := zoAskRequest{Prompt: prompt, Model: model, Target: "workspace", Surface: "cli"}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

var nonceCounter atomic.Int64

// signedHeaders returns proxy auth plus a fresh valid actor proof for body.
func signedHeaders(body []byte) map[string]string {
	nonce := fmt.Sprintf("nonce-%08d", nonceCounter.Add(1))
	tsRaw := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		HeaderAPIKey:     testAPIKey,
		HeaderActorID:    testActorDID,
		HeaderActorKid:   testActorKid,
		HeaderActorTs:    tsRaw,
		HeaderActorNonce: nonce,
		HeaderActorSig:   signProof([]byte(testActorSecret), testActorDID, tsRaw, nonce, body),
	}
}

// eventTypes reads the full ledger and returns the event type sequence.
func eventTypes(t *testing.T, f *apiFixture) []contracts.EventType {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background(), 0, 0)
	require.NoError(t, err)
	types := make([]contracts.EventType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	return types
}

func TestZoAskRelaysAllowedPrompt(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(b))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"answer":"forty-two"}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{UpstreamURL: upstream.URL}
	})

	prompt := "please summarize the design notes"
	body := askBody(t, prompt, "gpt-safe")
	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"answer":"forty-two"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, string(body), upstreamBody.Load(), "the raw body is forwarded untouched")

	types := eventTypes(t, f)
	assert.Contains(t, types, contracts.EventPromptBuildStarted)
	assert.Contains(t, types, contracts.EventPromptBuildCompleted)
	assert.Contains(t, types, contracts.EventEvaluationRouted)
	assert.Contains(t, types, contracts.EventPromptDispatched)
	assert.Contains(t, types, contracts.EventAuditPass)

	// The transparency trail is redacted: the prompt text never lands in
	// the ledger, only its fingerprint.
	entries, err := f.ledger.Entries(context.Background(), 0, 0)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, string(e.Payload), prompt)
	}
}

func TestZoAskRejectsWithoutProof(t *testing.T) {
	f := newAPIFixture(t, nil)

	body := askBody(t, "hello", "gpt-safe")
	rec := f.do(t, http.MethodPost, "/zo/ask", body, keyed())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, contracts.CodeUnauthorized, decodeWireError(t, rec).Code)
}

func TestZoAskRejectsTamperedBody(t *testing.T) {
	f := newAPIFixture(t, nil)

	body := askBody(t, "hello", "gpt-safe")
	headers := signedHeaders(body)
	tampered := askBody(t, "hello pwned", "gpt-safe")

	rec := f.do(t, http.MethodPost, "/zo/ask", tampered, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestZoAskNonceReplayConflicts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{UpstreamURL: upstream.URL}
	})

	body := askBody(t, "list the open items", "gpt-safe")
	headers := signedHeaders(body)

	rec := f.do(t, http.MethodPost, "/zo/ask", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/zo/ask", body, headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, contracts.CodeReplayConflict, decodeWireError(t, rec).Code)
}

func TestZoAskModelPolicy(t *testing.T) {
	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{
			UpstreamURL:   "http://127.0.0.1:1",
			AllowedModels: []string{"gpt-safe"},
			RequireModel:  true,
		}
	})

	body := askBody(t, "hello there", "")
	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, contracts.CodeModelRequired, decodeWireError(t, rec).Code)

	body = askBody(t, "hello there", "gpt-wild")
	rec = f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, contracts.CodeModelNotAllowed, decodeWireError(t, rec).Code)
}

func TestZoAskGovernanceDenyLeavesTrail(t *testing.T) {
	var upstreamCalled atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamCalled.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{UpstreamURL: upstream.URL}
	})

	// A shell-shaped prompt classifies as execute, which fail-closed
	// routing never allows.
	body := askBody(t, "run rm -rf on the cache directory", "gpt-safe")
	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))

	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	wire := decodeWireError(t, rec)
	assert.Equal(t, contracts.CodeGovernanceDeny, wire.Code)
	assert.NotEmpty(t, wire.Details["decisionId"])
	assert.NotEmpty(t, wire.TraceID)
	assert.False(t, upstreamCalled.Load(), "a blocked prompt never reaches the upstream")

	types := eventTypes(t, f)
	assert.Contains(t, types, contracts.EventPromptDispatchBlocked)
	assert.Contains(t, types, contracts.EventAuditFail)
	assert.NotContains(t, types, contracts.EventPromptDispatched)
}

func TestZoAskUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{UpstreamURL: upstream.URL, Timeout: 50 * time.Millisecond}
	})

	body := askBody(t, "what changed since yesterday", "gpt-safe")
	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	assert.Equal(t, contracts.CodeUpstreamTimeout, decodeWireError(t, rec).Code)

	types := eventTypes(t, f)
	assert.Contains(t, types, contracts.EventPromptDispatched,
		"the dispatch was attempted before the upstream failed")
	assert.Contains(t, types, contracts.EventAuditFail)
}

func TestZoAskUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{UpstreamURL: upstream.URL}
	})

	body := askBody(t, "show the latest report", "gpt-safe")
	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	wire := decodeWireError(t, rec)
	assert.Equal(t, contracts.CodeUpstreamRejected, wire.Code)
	assert.EqualValues(t, http.StatusBadGateway, wire.Details["upstreamStatus"])
}

func TestZoAskIdenticalPromptReplaysDecision(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.Proxy = ProxyConfig{UpstreamURL: upstream.URL}
	})

	body := askBody(t, "list the open items", "gpt-safe")

	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The same prompt with a fresh nonce derives the same governance
	// request id, so the pipeline replays instead of re-evaluating.
	rec = f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	routed := 0
	for _, typ := range eventTypes(t, f) {
		if typ == contracts.EventEvaluationRouted {
			routed++
		}
	}
	assert.Equal(t, 1, routed, "one evaluation backs both dispatches")
}

func TestZoAskOversizedBody(t *testing.T) {
	f := newAPIFixture(t, nil)

	big := askBody(t, strings.Repeat("x", maxProxyBody), "gpt-safe")
	rec := f.do(t, http.MethodPost, "/zo/ask", big, signedHeaders(big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestZoAskEmptyPrompt(t *testing.T) {
	f := newAPIFixture(t, nil)

	body := []byte(`{"prompt":"   "}`)
	rec := f.do(t, http.MethodPost, "/zo/ask", body, signedHeaders(body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, contracts.CodeValidationError, decodeWireError(t, rec).Code)
}

func TestClassifyPrompt(t *testing.T) {
	cases := []struct {
		prompt string
		want   contracts.ActionKind
	}{
		{"please summarize the notes", contracts.ActionRead},
		{"write a new config file", contracts.ActionWrite},
		{"create and then run the migration", contracts.ActionExecute},
		{"curl the status page and save it", contracts.ActionNetwork},
		{"run the linter", contracts.ActionExecute},
		{"delete the stale branches", contracts.ActionWrite},
		{"fetch https://example.com/data", contracts.ActionNetwork},
		{"", contracts.ActionRead},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyPrompt(tc.prompt), "prompt: %q", tc.prompt)
	}
}
