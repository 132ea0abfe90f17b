// Package auth verifies bearer tokens and extracts the authenticated
// principal.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	perrors "github.com/louisbranch/parley/internal/platform/errors"
)

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// NewVerifier returns a verifier for tokens signed with the shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, perrors.New(perrors.CodeInvalidArgument, "jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Verify parses and validates a token and returns the principal it names.
// The subject claim carries the user id; a userId claim is accepted as a
// fallback for older token issuers.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", perrors.New(perrors.CodeUnauthenticated, "token is required")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		return "", perrors.Wrap(perrors.CodeUnauthenticated, "invalid token", err)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return "", perrors.New(perrors.CodeUnauthenticated, "token names no principal")
	}
	return userID, nil
}

// BearerToken extracts a bearer token from the Authorization header or,
// for websocket handshakes where headers are awkward for browser clients,
// the token query parameter.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
