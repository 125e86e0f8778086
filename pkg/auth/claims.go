package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/a-essam23/crm-dispatch/pkg/state"
)

var (
	// ErrAuthentication covers a missing, malformed, badly signed or expired token.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNoWorkspace is returned for a valid identity that has no workspace.
	ErrNoWorkspace = errors.New("user has no workspace")
)

// TokenClaims is the JWT payload issued by the identity service.
type TokenClaims struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Role        string `json:"role,omitempty"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Claims is the identity extracted from a verified token.
type Claims struct {
	UserID      string
	WorkspaceID string
	Role        state.Role
	Email       string
}
