// Package sdk is a typed client for the governance API. It speaks the
// same wire contracts the server does and signs actor proofs the way
// /zo/ask verifies them, so embedding agents get the header protocol
// without re-implementing it. The package deliberately imports only the
// wire types, never the server.
package sdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// Wire headers, mirrored from the server's auth and actor proof contract.
const (
	headerAPIKey     = "X-Qore-Api-Key"
	headerActorID    = "X-Actor-Id"
	headerActorKid   = "X-Actor-Kid"
	headerActorTs    = "X-Actor-Ts"
	headerActorNonce = "X-Actor-Nonce"
	headerActorSig   = "X-Actor-Sig"
)

const defaultTimeout = 30 * time.Second

// Client talks to one governance runtime. It is safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	proxyKey string
	httpc    *http.Client
	now      func() time.Time
	nonce    func() string
	actor    actorKey
}

type actorKey struct {
	id     string
	kid    string
	secret []byte
}

// Option adjusts a Client at construction.
type Option func(*Client)

// WithHTTPClient swaps the transport, e.g. for proxies or custom TLS.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithProxyKey sets a dedicated key for /zo/ask. Without it the main api
// key is presented there too, matching the server's fallback.
func WithProxyKey(key string) Option {
	return func(c *Client) { c.proxyKey = key }
}

// WithActor configures the signing identity for proxy calls. secret must
// be the exact key material the server's keyring resolves for kid.
func WithActor(actorID, kid, secret string) Option {
	return func(c *Client) {
		c.actor = actorKey{id: actorID, kid: kid, secret: []byte(secret)}
	}
}

// WithClock overrides the proof timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds a client for the runtime at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
		nonce:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health is the /health document. Services maps registered helper names
// to their last probe state.
type Health struct {
	Status          string                   `json:"status"`
	Initialized     bool                     `json:"initialized"`
	PolicyLoaded    bool                     `json:"policyLoaded"`
	LedgerAvailable bool                     `json:"ledgerAvailable"`
	PolicyVersion   string                   `json:"policyVersion"`
	Timestamp       contracts.Timestamp      `json:"timestamp"`
	Services        map[string]ServiceHealth `json:"services"`
}

// ServiceHealth is one helper's probe state.
type ServiceHealth struct {
	Status      string              `json:"status"`
	LastChecked contracts.Timestamp `json:"lastChecked"`
}

// AskRequest is a governed proxy call.
type AskRequest struct {
	Prompt  string         `json:"prompt"`
	Model   string         `json:"model,omitempty"`
	Target  string         `json:"target,omitempty"`
	Profile string         `json:"profile,omitempty"`
	Surface string         `json:"surface,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// AskResult carries the relayed upstream answer as-is: the proxy never
// reshapes provider responses.
type AskResult struct {
	Status      int
	ContentType string
	Body        []byte
}

// Evaluate submits one action for a governance decision.
func (c *Client) Evaluate(ctx context.Context, req contracts.DecisionRequest) (contracts.DecisionResponse, error) {
	var resp contracts.DecisionResponse
	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("sdk: encode request: %w", err)
	}
	hr, err := c.newRequest(ctx, http.MethodPost, "/evaluate", body)
	if err != nil {
		return resp, err
	}
	hr.Header.Set(headerAPIKey, c.apiKey)
	err = c.do(hr, &resp)
	return resp, err
}

// Health probes the server. A runtime that is still starting answers 503
// with the same document, so callers get the snapshot either way and
// should check Initialized.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	hr, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return h, err
	}
	hr.Header.Set(headerAPIKey, c.apiKey)

	res, err := c.httpc.Do(hr)
	if err != nil {
		return h, fmt.Errorf("sdk: GET /health: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return h, fmt.Errorf("sdk: read response: %w", err)
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusServiceUnavailable {
		return h, decodeError(res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("sdk: decode health: %w", err)
	}
	return h, nil
}

// PolicyVersion returns the version of the policy bundle the runtime is
// currently enforcing.
func (c *Client) PolicyVersion(ctx context.Context) (string, error) {
	hr, err := c.newRequest(ctx, http.MethodGet, "/policy/version", nil)
	if err != nil {
		return "", err
	}
	hr.Header.Set(headerAPIKey, c.apiKey)
	var out struct {
		PolicyVersion string `json:"policyVersion"`
	}
	if err := c.do(hr, &out); err != nil {
		return "", err
	}
	return out.PolicyVersion, nil
}

// Ask sends a prompt through the governed proxy. Every call signs a fresh
// nonce, so retries are new requests, never replays. A governance DENY or
// an upstream failure surfaces as a *contracts.Error carrying the wire
// code.
func (c *Client) Ask(ctx context.Context, ask AskRequest) (AskResult, error) {
	var out AskResult
	if c.actor.id == "" {
		return out, errors.New("sdk: Ask needs a signing identity, configure WithActor")
	}
	body, err := json.Marshal(ask)
	if err != nil {
		return out, fmt.Errorf("sdk: encode request: %w", err)
	}
	hr, err := c.newRequest(ctx, http.MethodPost, "/zo/ask", body)
	if err != nil {
		return out, err
	}

	key := c.proxyKey
	if key == "" {
		key = c.apiKey
	}
	hr.Header.Set(headerAPIKey, key)

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := c.nonce()
	hr.Header.Set(headerActorID, c.actor.id)
	hr.Header.Set(headerActorKid, c.actor.kid)
	hr.Header.Set(headerActorTs, ts)
	hr.Header.Set(headerActorNonce, nonce)
	hr.Header.Set(headerActorSig, signProof(c.actor.secret, c.actor.id, ts, nonce, body))

	res, err := c.httpc.Do(hr)
	if err != nil {
		return out, fmt.Errorf("sdk: POST /zo/ask: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return out, fmt.Errorf("sdk: read response: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return out, decodeError(res.StatusCode, data)
	}
	return AskResult{
		Status:      res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("sdk: build request: %w", err)
	}
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	return hr, nil
}

// do sends the request, lifts coded failures into *contracts.Error and
// decodes a 2xx body into out when out is non-nil.
func (c *Client) do(hr *http.Request, out any) error {
	res, err := c.httpc.Do(hr)
	if err != nil {
		return fmt.Errorf("sdk: %s %s: %w", hr.Method, hr.URL.Path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("sdk: read response: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return decodeError(res.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("sdk: decode response: %w", err)
	}
	return nil
}

// decodeError lifts the wire envelope into *contracts.Error so callers
// can switch on the code. Bodies that are not the envelope (an
// intermediary answered, not the runtime) become plain errors.
func decodeError(status int, data []byte) error {
	var envelope struct {
		Error *contracts.Error `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil &&
		envelope.Error != nil && envelope.Error.Code != "" {
		return envelope.Error
	}
	snippet := data
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return fmt.Errorf("sdk: server answered %d: %s", status, snippet)
}

// signProof computes the proof HMAC over actorId.ts.nonce.hex(sha256(body)),
// byte for byte what the server recomputes during verification.
func signProof(secret []byte, actorID, tsRaw, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(actorID))
	mac.Write([]byte{'.'})
	mac.Write([]byte(tsRaw))
	mac.Write([]byte{'.'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'.'})
	mac.Write([]byte(hex.EncodeToString(bodyHash[:])))
	return hex.EncodeToString(mac.Sum(nil))
}
