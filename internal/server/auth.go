package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// Rejection reasons, used as the "reason" metric label and the error kind.
const (
	reasonMissingToken = "missing_token"
	reasonInvalidToken = "invalid_token"
	reasonRateLimited  = "rate_limited"
)

// apiKeyAuth guards the data routes with one shared Bearer token. The token
// itself is never logged.
type apiKeyAuth struct {
	key      []byte
	rejected *prometheus.CounterVec
}

func newAPIKeyAuth(key string, rejected *prometheus.CounterVec) *apiKeyAuth {
	return &apiKeyAuth{key: []byte(key), rejected: rejected}
}

// wrap returns next unchanged when no key is configured.
func (a *apiKeyAuth) wrap(next http.Handler) http.Handler {
	if len(a.key) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		switch {
		case !ok:
			a.reject(w, r, reasonMissingToken, `Bearer realm="ragkit"`)
		case subtle.ConstantTimeCompare([]byte(token), a.key) != 1:
			a.reject(w, r, reasonInvalidToken, `Bearer realm="ragkit", error="invalid_token"`)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (a *apiKeyAuth) reject(w http.ResponseWriter, r *http.Request, reason, challenge string) {
	a.rejected.WithLabelValues(reason).Inc()
	logging.FromContext(r.Context()).Warn("auth: request rejected", slog.String("reason", reason))
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSON(w, r, http.StatusUnauthorized, errorResponse{
		Error: "a valid bearer token is required",
		Kind:  reason,
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>". The
// scheme is case-insensitive.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
