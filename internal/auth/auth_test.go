package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

func TestCurrentUser_Anonymous(t *testing.T) {
	_, err := CurrentUser(context.Background())
	require.ErrorIs(t, err, apperr.ErrNotAuthenticated)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u1", Username: "amy"})
	id, err := CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newVerifier(t *testing.T, secret string) *Verifier {
	t.Helper()
	v, err := NewVerifier(secret)
	require.NoError(t, err)
	return v
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := newVerifier(t, testSecret)
	tok, err := v.Issue(Identity{UserID: "u1", Username: "amy"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Username: "amy"}, id)

	_, err = newVerifier(t, "fedcba9876543210fedcba9876543210").Verify(tok)
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
}

func TestVerifier_Expired(t *testing.T) {
	v := newVerifier(t, testSecret)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.nowFunc = func() time.Time { return issued }
	tok, err := v.Issue(Identity{UserID: "u1"}, time.Minute)
	require.NoError(t, err)

	v.nowFunc = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
}

func TestVerifier_RejectsShortSecret(t *testing.T) {
	for _, secret := range []string{"", "secret"} {
		_, err := NewVerifier(secret)
		assert.ErrorIs(t, err, ErrWeakSecret)
	}

	// a token signed with an empty key must not authenticate anyone
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "victim", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(""))
	require.NoError(t, err)

	var zero Verifier
	zero.nowFunc = time.Now
	_, err = zero.Verify(forged)
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	_, err = zero.Issue(Identity{UserID: "victim"}, time.Hour)
	assert.ErrorIs(t, err, ErrWeakSecret)

	_, err = newVerifier(t, testSecret).Verify(forged)
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := newVerifier(t, testSecret)
	r := gin.New()
	r.Use(Optional(v))
	r.GET("/open", func(c *gin.Context) {
		id, err := CurrentUser(c.Request.Context())
		if err != nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, id.UserID)
	})
	r.GET("/closed", Required(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tok, err := v.Issue(Identity{UserID: "u42"}, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, "anonymous", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "u42", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/closed", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), apperr.MsgLogin)

	req = httptest.NewRequest(http.MethodGet, "/closed", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
