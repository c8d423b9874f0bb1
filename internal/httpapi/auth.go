package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qms/reception-service/internal/credentials"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuthMiddleware admits desk API calls carrying a session the verifier
// accepts. The push endpoint checks sessions itself when the screen
// connects.
func AuthMiddleware(verifier credentials.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := credentials.SessionID(r)
		if sessionID == "" {
			writeError(w, requestID(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		userID, err := verifier.Verify(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, credentials.ErrInvalidSession) {
				writeError(w, requestID(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestID(r), http.StatusInternalServerError, "internal_error", "session lookup failed")
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("enduser.id", userID))
		next.ServeHTTP(w, r)
	})
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
