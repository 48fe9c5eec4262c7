// Package auth is the authentication boundary: it verifies bearer tokens and
// carries the resulting identity on the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	Username string
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CurrentUser returns the caller identity or apperr.ErrNotAuthenticated.
func CurrentUser(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, apperr.ErrNotAuthenticated
	}
	return id, nil
}

// Claims is the token payload. Subject holds the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// MinSecretLen is the shortest HS256 key a Verifier accepts.
const MinSecretLen = 32

// ErrWeakSecret rejects a signing key shorter than MinSecretLen.
var ErrWeakSecret = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLen)

// Verifier signs and validates HS256 tokens.
type Verifier struct {
	secret  []byte
	nowFunc func() time.Time
}

// NewVerifier returns a Verifier for the shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	return &Verifier{secret: []byte(secret), nowFunc: time.Now}, nil
}

// Issue signs a token for id valid for ttl. Used by local tooling and tests;
// production tokens come from the identity provider.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	if len(v.secret) < MinSecretLen {
		return "", ErrWeakSecret
	}
	now := v.nowFunc()
	claims := Claims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns the identity it carries.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if len(v.secret) < MinSecretLen {
		return Identity{}, fmt.Errorf("%w: %v", apperr.ErrNotAuthenticated, ErrWeakSecret)
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.nowFunc))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", apperr.ErrNotAuthenticated, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, apperr.ErrNotAuthenticated
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

func bearer(c *gin.Context) (string, error) {
	raw := strings.TrimSpace(c.GetHeader("Authorization"))
	if raw == "" {
		return "", nil
	}
	parts := strings.Split(raw, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	return parts[1], nil
}

// Optional attaches the caller identity when a valid token is present and
// lets anonymous requests through untouched. Invalid tokens are treated as
// anonymous so that session-scoped routes such as the cart keep working.
func Optional(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearer(c)
		if err != nil {
			log.Warn().Err(err).Msg("[auth] ignoring malformed authorization header")
			c.Next()
			return
		}
		if raw == "" {
			c.Next()
			return
		}
		id, err := v.Verify(raw)
		if err != nil {
			log.Warn().Err(err).Msg("[auth] token validation failed")
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// Required rejects requests that Optional did not authenticate.
func Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := CurrentUser(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "not_authenticated",
				"msg":   apperr.MsgLogin,
			})
			return
		}
		c.Next()
	}
}
