package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/crm-dispatch/pkg/auth"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// NewAuthMiddleware verifies the connection token and records the outcome in
// the request metadata. It never rejects the request itself: a websocket
// client cannot read an HTTP error body, so the upgrade handler reports
// failures as close codes instead.
//
// The token is taken from the `token` query parameter, then the
// Authorization header, then the session-token cookie.
func NewAuthMiddleware(logger *slog.Logger, verifier TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			claims, err := verifier.Verify(tokenFrom(r))
			if err != nil {
				logger.Warn("Connection token rejected", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				reqMeta.AuthErr = err
				next.ServeHTTP(w, r)
				return
			}
			reqMeta.Claims = claims
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(h)
	}
	if cookie, err := r.Cookie("session-token"); err == nil {
		return cookie.Value
	}
	return ""
}
