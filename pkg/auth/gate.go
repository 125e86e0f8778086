package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/a-essam23/crm-dispatch/pkg/state"
)

type Options struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Gate verifies bearer tokens presented at connection setup. It holds no
// mutable state and is safe for concurrent use.
type Gate struct {
	secret []byte
	parser *jwt.Parser
}

func NewGate(opts Options) *Gate {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &Gate{
		secret: []byte(opts.Secret),
		parser: jwt.NewParser(parserOpts...),
	}
}

// Verify validates tokenString and returns the identity it carries.
func (g *Gate) Verify(tokenString string) (Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Claims{}, fmt.Errorf("%w: no token provided", ErrAuthentication)
	}

	var tc TokenClaims
	token, err := g.parser.ParseWithClaims(tokenString, &tc, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return g.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	if tc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token missing 'sub' claim", ErrAuthentication)
	}
	if tc.WorkspaceID == "" {
		return Claims{}, ErrNoWorkspace
	}

	return Claims{
		UserID:      tc.Subject,
		WorkspaceID: tc.WorkspaceID,
		Role:        state.ParseRole(tc.Role),
		Email:       tc.Email,
	}, nil
}
