package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func makeToken(t *testing.T, secret []byte, issuer, subject, role string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := CustomClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("signed token: %v", err)
	}
	return s
}

// callerEcho writes 200 and records the caller it saw.
func callerEcho(t *testing.T, got *Caller) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := CallerFrom(r.Context())
		if !ok {
			t.Fatalf("expected caller in context")
		}
		*got = c
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTMiddleware_Valid(t *testing.T) {
	secret := []byte("test-secret")
	issuer := "test-issuer"

	var caller Caller
	handler := NewJWTMiddleware(secret, issuer)(callerEcho(t, &caller))

	token := makeToken(t, secret, issuer, "user123", "moderator", time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", rr.Code, rr.Body.String())
	}
	if caller.ID != "user123" || caller.Role != "moderator" || caller.Method != "jwt" {
		t.Fatalf("unexpected caller %+v", caller)
	}
}

func TestJWTMiddleware_RoleHeaderIgnored(t *testing.T) {
	secret := []byte("test-secret")
	var caller Caller
	handler := NewJWTMiddleware(secret, "")(callerEcho(t, &caller))

	token := makeToken(t, secret, "", "user123", "viewer", time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-User-Role", "admin")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if caller.Role != "viewer" {
		t.Fatalf("expected role from token, got %q", caller.Role)
	}
}

func TestJWTMiddleware_NoTokenPassesThrough(t *testing.T) {
	mw := NewJWTMiddleware([]byte("s"), "")
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := CallerFrom(r.Context()); ok {
			t.Fatalf("expected no caller")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("expected pass-through")
	}

	rr := httptest.NewRecorder()
	RequireCaller(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 from RequireCaller got %d", rr.Code)
	}
}

func TestJWTMiddleware_Invalid(t *testing.T) {
	secret := []byte("test-secret")
	issuer := "test-issuer"

	handler := NewJWTMiddleware(secret, issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]string{
		"malformed header": "Token abc",
		"bad token":        "Bearer bad.token.here",
		"expired":          "Bearer " + makeToken(t, secret, issuer, "user123", "admin", -time.Minute),
		"wrong issuer":     "Bearer " + makeToken(t, secret, "wrong-issuer", "user123", "admin", time.Minute),
		"wrong secret":     "Bearer " + makeToken(t, []byte("other"), issuer, "user123", "admin", time.Minute),
		"no role":          "Bearer " + makeToken(t, secret, issuer, "user123", "", time.Minute),
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", name, rr.Code)
		}
	}
}
