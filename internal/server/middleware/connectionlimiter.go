package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/crm-dispatch/pkg/config"
)

type UserConnectionCounter func(workspaceID, userID string) int
type UserConnectionCycler func(workspaceID, userID string)

// NewConnectionLimiter caps the number of simultaneous connections a user may
// hold in one workspace. Unauthenticated requests are passed through so that
// the upgrade handler can close them with the right code.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	config config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !reqMeta.Authenticated() {
				next.ServeHTTP(w, r)
				return
			}

			ws, user := reqMeta.Claims.WorkspaceID, reqMeta.Claims.UserID
			count := counter(ws, user)
			if count < config.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("User connection limit reached",
				slog.String("workspaceID", ws),
				slog.String("userID", user),
				slog.Int("count", count),
			)
			switch config.Mode {
			case "", "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			case "cycle":
				cycler(ws, user)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.Any("mode", config.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

		})
	}
}
