package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/a-essam23/crm-dispatch/pkg/auth"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata is filled in by the middleware chain and read by the
// upgrade handler.
type RequestMetadata struct {
	IP     string
	Claims auth.Claims
	// AuthErr is set when the token was missing or rejected. The request is
	// still upgraded so that the failure can be reported with a close code.
	AuthErr error
}

func (m *RequestMetadata) Authenticated() bool {
	return m.AuthErr == nil && m.Claims.UserID != ""
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
