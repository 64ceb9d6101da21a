package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims extends RegisteredClaims with the caller's role.
type CustomClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTMiddleware returns a middleware that validates HMAC signed bearer
// tokens. It checks the signing method, expiry and issuer (`iss`), and on
// success stores the `sub` and `role` claims as the request's Caller.
//
// Requests already authenticated upstream in the chain, or carrying no
// bearer token, are passed through untouched; RequireCaller decides what
// to do with anonymous ones.
func NewJWTMiddleware(secret []byte, expectedIssuer string) func(http.Handler) http.Handler {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}
	return bearerMiddleware("jwt", func(*http.Request) jwt.Keyfunc { return keyFunc }, expectedIssuer, "")
}

func bearerMiddleware(method string, keys func(*http.Request) jwt.Keyfunc, expectedIssuer, expectedAudience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := CallerFrom(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" {
				next.ServeHTTP(w, r)
				return
			}
			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeUnauthorized(w, "invalid Authorization header format")
				return
			}

			var claims CustomClaims
			token, err := jwt.ParseWithClaims(parts[1], &claims, keys(r))
			if err != nil {
				writeUnauthorized(w, "invalid token: "+err.Error())
				return
			}
			if !token.Valid {
				writeUnauthorized(w, "invalid token")
				return
			}
			if msg := checkClaims(claims, expectedIssuer, expectedAudience); msg != "" {
				writeUnauthorized(w, msg)
				return
			}
			if claims.Role == "" {
				writeUnauthorized(w, "token missing role claim")
				return
			}

			caller := Caller{ID: claims.Subject, Role: claims.Role, Method: method}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func checkClaims(claims CustomClaims, issuer, audience string) string {
	if claims.ExpiresAt == nil {
		return "token missing exp claim"
	}
	if time.Now().After(claims.ExpiresAt.Time) {
		return "token is expired"
	}
	if issuer != "" && claims.Issuer != issuer {
		return "invalid token issuer"
	}
	if audience != "" && !slices.Contains(claims.Audience, audience) {
		return "invalid token audience"
	}
	return ""
}
