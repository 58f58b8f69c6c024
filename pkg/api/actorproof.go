package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/replay"
)

// Proxy proof headers. The signature binds actor, timestamp, nonce and the
// exact request body so a captured call cannot be replayed or retargeted.
const (
	HeaderActorID    = "X-Actor-Id"
	HeaderActorKid   = "X-Actor-Kid"
	HeaderActorTs    = "X-Actor-Ts"
	HeaderActorNonce = "X-Actor-Nonce"
	HeaderActorSig   = "X-Actor-Sig"
)

const (
	proofMaxSkew   = 5 * time.Minute
	proofNonceTTL  = 5 * time.Minute
	proofNonceMin  = 8
	hkdfActorInfo  = "qore-actor:"
	hkdfSecretSize = 32
)

// Keyring resolves signing secrets by key id. Static entries win; when a
// master key is set, unknown kids get a deterministic HKDF-derived secret
// so fleets can mint per-agent keys without a registry round trip.
type Keyring struct {
	static map[string]string
	master []byte
}

// NewKeyring builds a keyring from explicit kid:secret pairs and an
// optional master key for derivation.
func NewKeyring(static map[string]string, masterKey string) *Keyring {
	kr := &Keyring{static: static}
	if masterKey != "" {
		kr.master = []byte(masterKey)
	}
	return kr
}

// Secret returns the signing secret for kid, deriving one from the master
// key when no static entry exists.
func (k *Keyring) Secret(kid string) ([]byte, bool) {
	if k == nil {
		return nil, false
	}
	if s, ok := k.static[kid]; ok {
		return []byte(s), true
	}
	if len(k.master) == 0 {
		return nil, false
	}
	out := make([]byte, hkdfSecretSize)
	r := hkdf.New(sha256.New, k.master, nil, []byte(hkdfActorInfo+kid))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, false
	}
	return out, true
}

// Empty reports whether the keyring can resolve no kid at all.
func (k *Keyring) Empty() bool {
	return k == nil || (len(k.static) == 0 && len(k.master) == 0)
}

// signProof computes the proof HMAC over actorId.ts.nonce.hex(sha256(body)).
// pkg/sdk mirrors this construction on the client side; drift between the
// two would break every proxy call, which the sdk round-trip tests catch.
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

// verifyActorProof authenticates a proxy request against the keyring and
// burns the nonce. Every failure is UNAUTHORIZED except a replayed nonce,
// which surfaces as REPLAY_CONFLICT so callers can tell retry storms from
// credential problems.
func (s *Server) verifyActorProof(r *http.Request, body []byte) (string, *contracts.Error) {
	actorID := r.Header.Get(HeaderActorID)
	kid := r.Header.Get(HeaderActorKid)
	tsRaw := r.Header.Get(HeaderActorTs)
	nonce := r.Header.Get(HeaderActorNonce)
	sig := r.Header.Get(HeaderActorSig)

	if actorID == "" || kid == "" || tsRaw == "" || nonce == "" || sig == "" {
		return "", contracts.NewError(contracts.CodeUnauthorized, "missing actor proof headers")
	}
	if len(nonce) < proofNonceMin {
		return "", contracts.NewError(contracts.CodeUnauthorized, "actor nonce too short")
	}

	tsMillis, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", contracts.NewError(contracts.CodeUnauthorized, "malformed actor timestamp")
	}
	now := s.now()
	skew := time.Duration(math.Abs(float64(now.UnixMilli()-tsMillis))) * time.Millisecond
	if skew > proofMaxSkew {
		return "", contracts.NewError(contracts.CodeUnauthorized, "actor proof timestamp outside the accepted window")
	}

	secret, ok := s.keyring.Secret(kid)
	if !ok {
		return "", contracts.NewError(contracts.CodeUnauthorized, "unknown actor key id")
	}

	expected := signProof(secret, actorID, tsRaw, nonce, body)
	presented, err := hex.DecodeString(sig)
	if err != nil {
		return "", contracts.NewError(contracts.CodeUnauthorized, "malformed actor signature")
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(presented, want) {
		return "", contracts.NewError(contracts.CodeUnauthorized, "actor signature mismatch")
	}

	if err := s.nonces.MarkUsed(r.Context(), actorID, nonce, now.Add(proofNonceTTL)); err != nil {
		if errors.Is(err, replay.ErrNonceReplayed) {
			return "", contracts.NewError(contracts.CodeReplayConflict, "actor nonce already used")
		}
		s.logger.Error("nonce store write failed", "error", err)
		return "", contracts.NewError(contracts.CodeInternalError, "could not record actor nonce")
	}
	return actorID, nil
}
