// Package bearerauth implements the HMAC-SHA-256 bearer-token verifier of
// §4.5 (C5): parses `Authorization: Bearer <token>`, checks signature and
// nbf/exp claims, and injects the X-AUTHED-SUB identity header for
// downstream layers.
package bearerauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/apierr"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
)

// AuthedHeader is the header downstream layers read identity from
// exclusively (§4.5).
const AuthedHeader = "X-AUTHED-SUB"

// Verifier holds the pre-initialized HMAC-SHA-256 key.
type Verifier struct {
	key []byte
	log *logging.Logger
}

// New constructs a Verifier from the configured secret (§6's
// `[jwt-auth] secret`).
func New(secret string, log *logging.Logger) *Verifier {
	return &Verifier{key: []byte(secret), log: log}
}

// registeredClaims mirrors the Rust original's RegisteredClaims: subject,
// not-before, and expiration, all optional.
type registeredClaims struct {
	jwt.RegisteredClaims
}

// Middleware wraps next, rejecting requests that fail verification with a
// 403 envelope and otherwise rewriting X-AUTHED-SUB before calling next.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(AuthedHeader)

		sub, ok := v.verify(r.Header.Get("Authorization"))
		if !ok {
			v.log.Errorf("bearer auth: rejected request to %s", r.URL.Path)
			apierr.Write(w, apierr.Forbidden("invalid authorization header"))
			return
		}

		r.Header.Set(AuthedHeader, sub)
		next.ServeHTTP(w, r)
	})
}

// verify extracts and validates the bearer token, returning the subject (or
// "anonymous") on success.
func (v *Verifier) verify(authHeader string) (string, bool) {
	if authHeader == "" {
		return "", false
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", false
	}

	var claims registeredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return "", false
	}

	now := time.Now().Unix()
	if claims.NotBefore != nil && claims.NotBefore.Unix() > now {
		return "", false
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Unix() < now {
		return "", false
	}

	if claims.Subject == "" {
		return "anonymous", true
	}
	return claims.Subject, true
}
