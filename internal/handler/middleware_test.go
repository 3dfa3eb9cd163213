package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedEndpoint(secret string) http.Handler {
	return APIKeyMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAPIKeyMiddlewareAcceptsValidToken(t *testing.T) {
	h := protectedEndpoint("secret-key")

	req := httptest.NewRequest("GET", "/calls/call-1", nil)
	req.Header.Set("X-API-Key", signedToken(t, "secret-key"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddlewareRejectsMissingKey(t *testing.T) {
	h := protectedEndpoint("secret-key")

	req := httptest.NewRequest("GET", "/calls/call-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddlewareRejectsWrongSecret(t *testing.T) {
	h := protectedEndpoint("secret-key")

	req := httptest.NewRequest("GET", "/calls/call-1", nil)
	req.Header.Set("X-API-Key", signedToken(t, "other-secret"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddlewareRejectsExpiredToken(t *testing.T) {
	h := protectedEndpoint("secret-key")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret-key"))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/calls/call-1", nil)
	req.Header.Set("X-API-Key", signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddlewareDisabledWithoutSecret(t *testing.T) {
	h := protectedEndpoint("")

	req := httptest.NewRequest("GET", "/calls/call-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
