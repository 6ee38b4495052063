package middleware

import (
	"net/http"
	"strings"

	"github.com/openclaw/gateway-go/internal/audit"
	"github.com/openclaw/gateway-go/internal/util"
)

// GatewayAuthMiddleware guards the HTTP API with the same credentials the
// RPC connect handshake accepts. A bearer value matches either the
// gateway token or, when a password hash is configured, the password.
type GatewayAuthMiddleware struct {
	token        string
	passwordHash string
}

func NewGatewayAuthMiddleware(token, passwordHash string) *GatewayAuthMiddleware {
	return &GatewayAuthMiddleware{token: token, passwordHash: passwordHash}
}

func (m *GatewayAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.token == "" && m.passwordHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if !m.valid(token) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"surface": "http", "path": r.URL.Path},
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *GatewayAuthMiddleware) valid(token string) bool {
	if m.token != "" && util.ConstantTimeEqual(token, m.token) {
		return true
	}
	return m.passwordHash != "" && util.CheckPasswordHash(token, m.passwordHash)
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
