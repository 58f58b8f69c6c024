package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// HeaderAPIKey authenticates the evaluate and policy endpoints.
const HeaderAPIKey = "X-Qore-Api-Key"

// OperatorRole is the JWT role required on /admin routes.
const OperatorRole = "operator"

type overseerKey struct{}

// overseerDID returns the JWT subject stashed by requireOperator.
func overseerDID(ctx context.Context) string {
	did, _ := ctx.Value(overseerKey{}).(string)
	return did
}

// requireKey gates next behind a shared API key with a constant-time
// compare. A server with no key configured refuses everything: auth fails
// closed rather than open.
func requireKey(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			WriteCode(w, contracts.CodeAuthRequired, "endpoint requires an api key but none is configured")
			return
		}
		presented := r.Header.Get(HeaderAPIKey)
		if presented == "" {
			WriteCode(w, contracts.CodeUnauthorized, "missing api key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			WriteCode(w, contracts.CodeUnauthorized, "api key mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminClaims is the operator token payload: subject is the overseer DID.
type adminClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// requireOperator gates admin routes behind an HS256 bearer token carrying
// the operator role. No configured secret means no admin surface.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminSecret == "" {
			WriteCode(w, contracts.CodeAuthRequired, "admin surface is not configured")
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			WriteCode(w, contracts.CodeUnauthorized, "missing bearer token")
			return
		}

		var claims adminClaims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.adminSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			WriteCode(w, contracts.CodeUnauthorized, "invalid bearer token")
			return
		}
		if !slices.Contains(claims.Roles, OperatorRole) {
			WriteCode(w, contracts.CodeForbidden, "operator role required")
			return
		}

		ctx := context.WithValue(r.Context(), overseerKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
