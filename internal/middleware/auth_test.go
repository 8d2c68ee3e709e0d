package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Resolved-Caller", CallerID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthPassesValidToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	handler := m.Handler(echoCaller())

	token := signToken(t, testSecret, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/mint", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Resolved-Caller"); got != "alice" {
		t.Fatalf("caller = %q", got)
	}
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	handler := m.Handler(echoCaller())

	req := httptest.NewRequest(http.MethodGet, "/mint", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	handler := m.Handler(echoCaller())

	token := signToken(t, "other-secret", Claims{UserID: "alice"})
	req := httptest.NewRequest(http.MethodGet, "/mint", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	handler := m.Handler(echoCaller())

	token := signToken(t, testSecret, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/mint", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRejectsTokenWithoutUserID(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	handler := m.Handler(echoCaller())

	token := signToken(t, testSecret, Claims{})
	req := httptest.NewRequest(http.MethodGet, "/mint", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthSkipPaths(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, []string{"/healthz"})
	handler := m.Handler(echoCaller())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthDisabledWithEmptySecret(t *testing.T) {
	m := NewAuthMiddleware("", nil, nil)
	handler := m.Handler(echoCaller())

	req := httptest.NewRequest(http.MethodGet, "/mint", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
