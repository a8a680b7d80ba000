package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"entitlements-api/internal/model"
	"entitlements-api/internal/service"
	"entitlements-api/pkg/apierror"
)

// SessionKey is the key for storing the verified session payload in
// request context.
const SessionKey contextKey = "session_payload"

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Sessions     *service.SessionService
	SharedAPIKey string
}

// NewAuthMiddleware creates the authentication middleware. When session
// tokens are enabled they are the only accepted credential; otherwise the
// shared API key covers deployments that terminate auth upstream.
// NO GLOBAL STATE - the session service is passed via closure.
func NewAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	sessionsEnabled := cfg.Sessions != nil && cfg.Sessions.Enabled()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessionsEnabled {
				token := bearerToken(r)
				if token == "" {
					writeError(w, apierror.Unauthorized("Session token required. Use X-Session-Token or Authorization: Bearer."))
					return
				}

				payload, err := cfg.Sessions.Verify(token)
				if err != nil {
					writeError(w, apierror.New(http.StatusUnauthorized, "SESSION_INVALID", sessionErrorMessage(err)))
					return
				}

				ctx := context.WithValue(r.Context(), SessionKey, payload)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if cfg.SharedAPIKey != "" {
				key := r.Header.Get("X-API-Key")
				if key == "" {
					key = bearerToken(r)
				}
				if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.SharedAPIKey)) != 1 {
					writeError(w, apierror.Unauthorized("Invalid API key"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, apierror.New(http.StatusServiceUnavailable, "AUTH_NOT_CONFIGURED",
				"No authentication method is configured on this server"))
		})
	}
}

// bearerToken extracts the credential from X-Session-Token or a Bearer
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// sessionErrorMessage maps verification errors to client-safe messages.
func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrTokenExpired):
		return "Session token expired"
	case errors.Is(err, service.ErrTokenFromFuture):
		return "Session token issued in the future"
	case errors.Is(err, service.ErrTokenVersion):
		return "Unsupported session token version"
	case errors.Is(err, service.ErrTokenSignature):
		return "Session token signature mismatch"
	case errors.Is(err, service.ErrTokenTimestamps):
		return "Session token is missing timestamps"
	default:
		return "Malformed session token"
	}
}

// writeError writes an API error response.
func writeError(w http.ResponseWriter, err *apierror.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	w.Write(err.ToJSON())
}

// GetSessionFromContext retrieves the verified session payload, or nil when
// the request was authenticated with the shared API key.
func GetSessionFromContext(ctx context.Context) *model.SessionTokenPayload {
	if payload, ok := ctx.Value(SessionKey).(*model.SessionTokenPayload); ok {
		return payload
	}
	return nil
}
