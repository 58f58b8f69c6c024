// Package canonical produces RFC 8785 (JCS) canonical JSON and the sha256
// digests derived from it. Every content hash in the runtime (ledger entry
// hashes, replay fingerprints, export bundle digests) goes through this
// package so that a value hashes identically no matter which component
// serialized it.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal renders v as canonical JSON: sorted object members, no
// insignificant whitespace, RFC 8785 number and string forms.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex sha256 of the canonical JSON of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex sha256 of b as-is.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns the lowercase hex sha256 of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}
