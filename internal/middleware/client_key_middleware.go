package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"llm_dispatcher/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// ClientKeyFingerprintKey holds the fingerprint of the caller's key
	ClientKeyFingerprintKey ContextKey = "clientKeyFingerprint"
)

// ClientKeyMiddleware admits requests that carry one of keys in X-API-Key
// or a Bearer header. With no keys configured every request passes.
func ClientKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	hashed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		hashed = append(hashed, []byte(utils.HashString(k)))
	}

	return func(next http.Handler) http.Handler {
		if len(hashed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractKey(r)
			if apiKey == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			// Comparing digests keeps the comparison length-independent
			candidate := []byte(utils.HashString(apiKey))
			matched := 0
			for _, h := range hashed {
				matched |= subtle.ConstantTimeCompare(candidate, h)
			}
			if matched != 1 {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), ClientKeyFingerprintKey, utils.Fingerprint(apiKey))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// GetClientKeyFingerprint returns the fingerprint of the authenticated key
func GetClientKeyFingerprint(ctx context.Context) (string, bool) {
	fp, ok := ctx.Value(ClientKeyFingerprintKey).(string)
	return fp, ok
}
