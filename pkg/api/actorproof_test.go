package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/replay"
)

func TestKeyringStaticLookup(t *testing.T) {
	kr := NewKeyring(map[string]string{"k1": "secret-one"}, "")

	secret, ok := kr.Secret("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("secret-one"), secret)

	_, ok = kr.Secret("k2")
	assert.False(t, ok, "no master key, unknown kid cannot be derived")
}

func TestKeyringDerivesDeterministically(t *testing.T) {
	kr := NewKeyring(nil, "master-key-material")

	a, ok := kr.Secret("agent-7")
	require.True(t, ok)
	b, ok := kr.Secret("agent-7")
	require.True(t, ok)
	assert.Equal(t, a, b, "same kid derives the same secret")
	assert.Len(t, a, hkdfSecretSize)

	c, ok := kr.Secret("agent-8")
	require.True(t, ok)
	assert.NotEqual(t, a, c, "different kids derive different secrets")
}

func TestKeyringStaticWinsOverDerived(t *testing.T) {
	kr := NewKeyring(map[string]string{"k1": "pinned"}, "master")

	secret, ok := kr.Secret("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("pinned"), secret)
}

func TestKeyringEmpty(t *testing.T) {
	assert.True(t, NewKeyring(nil, "").Empty())
	assert.False(t, NewKeyring(map[string]string{"k": "s"}, "").Empty())
	assert.False(t, NewKeyring(nil, "m").Empty())
}

// proofServer builds a Server with just enough wiring for proof checks.
func proofServer(now func() time.Time) *Server {
	return NewServer(Config{
		Keyring: NewKeyring(map[string]string{testActorKid: testActorSecret}, ""),
		Nonces:  replay.NewMemoryNonceStore(),
		Now:     now,
	})
}

// proofHeaders stamps a valid proof for body onto a request.
func proofHeaders(r *http.Request, body []byte, at time.Time, nonce string) {
	tsRaw := strconv.FormatInt(at.UnixMilli(), 10)
	r.Header.Set(HeaderActorID, testActorDID)
	r.Header.Set(HeaderActorKid, testActorKid)
	r.Header.Set(HeaderActorTs, tsRaw)
	r.Header.Set(HeaderActorNonce, nonce)
	r.Header.Set(HeaderActorSig, signProof([]byte(testActorSecret), testActorDID, tsRaw, nonce, body))
}

func TestVerifyActorProofAccepts(t *testing.T) {
	now := time.Now()
	s := proofServer(func() time.Time { return now })

	body := []byte(`{"prompt":"hello"}`)
	r := httptest.NewRequest(http.MethodPost, "/zo/ask", nil)
	proofHeaders(r, body, now, "nonce-001")

	actorID, wireErr := s.verifyActorProof(r, body)
	require.Nil(t, wireErr)
	assert.Equal(t, testActorDID, actorID)
}

func TestVerifyActorProofRejections(t *testing.T) {
	now := time.Now()
	body := []byte(`{"prompt":"hello"}`)

	cases := []struct {
		name   string
		mutate func(r *http.Request)
		code   contracts.ErrorCode
	}{
		{
			name:   "missing headers",
			mutate: func(r *http.Request) { r.Header.Del(HeaderActorSig) },
			code:   contracts.CodeUnauthorized,
		},
		{
			name:   "short nonce",
			mutate: func(r *http.Request) { r.Header.Set(HeaderActorNonce, "short") },
			code:   contracts.CodeUnauthorized,
		},
		{
			name:   "malformed timestamp",
			mutate: func(r *http.Request) { r.Header.Set(HeaderActorTs, "yesterday") },
			code:   contracts.CodeUnauthorized,
		},
		{
			name: "stale timestamp",
			mutate: func(r *http.Request) {
				stale := now.Add(-6 * time.Minute)
				proofHeaders(r, body, stale, "nonce-stale-1")
			},
			code: contracts.CodeUnauthorized,
		},
		{
			name:   "unknown kid",
			mutate: func(r *http.Request) { r.Header.Set(HeaderActorKid, "k9") },
			code:   contracts.CodeUnauthorized,
		},
		{
			name:   "signature mismatch",
			mutate: func(r *http.Request) { r.Header.Set(HeaderActorSig, "deadbeef") },
			code:   contracts.CodeUnauthorized,
		},
		{
			name: "body substitution",
			mutate: func(r *http.Request) {
				proofHeaders(r, []byte(`{"prompt":"other"}`), now, "nonce-swap-1")
			},
			code: contracts.CodeUnauthorized,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := proofServer(func() time.Time { return now })
			r := httptest.NewRequest(http.MethodPost, "/zo/ask", nil)
			proofHeaders(r, body, now, "nonce-base-1")
			tc.mutate(r)

			_, wireErr := s.verifyActorProof(r, body)
			require.NotNil(t, wireErr)
			assert.Equal(t, tc.code, wireErr.Code)
		})
	}
}

func TestVerifyActorProofBurnsNonce(t *testing.T) {
	now := time.Now()
	s := proofServer(func() time.Time { return now })
	body := []byte(`{"prompt":"hello"}`)

	r := httptest.NewRequest(http.MethodPost, "/zo/ask", nil)
	proofHeaders(r, body, now, "nonce-once-1")
	_, wireErr := s.verifyActorProof(r, body)
	require.Nil(t, wireErr)

	// A second presentation of the same nonce is a replay even with a
	// perfectly valid signature.
	r = httptest.NewRequest(http.MethodPost, "/zo/ask", nil)
	proofHeaders(r, body, now, "nonce-once-1")
	_, wireErr = s.verifyActorProof(r, body)
	require.NotNil(t, wireErr)
	assert.Equal(t, contracts.CodeReplayConflict, wireErr.Code)
}

func TestVerifyActorProofFutureSkewWithinWindow(t *testing.T) {
	now := time.Now()
	s := proofServer(func() time.Time { return now })
	body := []byte(`{}`)

	r := httptest.NewRequest(http.MethodPost, "/zo/ask", nil)
	proofHeaders(r, body, now.Add(4*time.Minute), "nonce-future-1")

	_, wireErr := s.verifyActorProof(r, body)
	assert.Nil(t, wireErr, "clocks a few minutes ahead are tolerated")
}
