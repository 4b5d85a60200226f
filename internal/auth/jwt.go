// Package auth resolves handshake credentials into chat identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/relay-chat/internal/chat"
)

var (
	// ErrNoCredential is returned when a request carries no credential.
	ErrNoCredential = errors.New("no credential")
	// ErrInvalidToken is returned for tokens that fail verification or
	// lack a user id.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token payload issued at login.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC-signed tokens.
type JWTResolver struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTResolver creates a resolver for tokens signed with secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		})),
	}
}

// Resolve implements chat.IdentityResolver.
func (r *JWTResolver) Resolve(ctx context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return chat.Identity{}, ErrNoCredential
	}

	var claims Claims
	_, err := r.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return chat.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return chat.Identity{}, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}

	return chat.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Sign issues an HS256 token for identity. A zero ttl issues a token
// without expiry.
func Sign(secret string, identity chat.Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:   identity.UserID,
		Username: identity.Username,
	}
	if ttl != 0 {
		now := time.Now()
		claims.IssuedAt = jwt.NewNumericDate(now)
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// FromRequest extracts the credential from the upgrade request. The
// cookie named cookieName wins, then an Authorization bearer token, then
// the token query parameter.
func FromRequest(r *http.Request, cookieName string) string {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// CredentialFunc binds FromRequest to a cookie name.
func CredentialFunc(cookieName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return FromRequest(r, cookieName)
	}
}

var _ chat.IdentityResolver = (*JWTResolver)(nil)
