package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func withRole(r *http.Request, role string) *http.Request {
	return r.WithContext(WithCaller(r.Context(), Caller{ID: "tester", Role: role, Method: "test"}))
}

func TestRBACMiddleware_AdminAccess(t *testing.T) {
	rbac := NewRBACMiddleware(map[string][]string{
		"admin": {"/admin/*"},
	}, zerolog.Nop())
	handler := rbac.Handler()(okHandler())

	req := withRole(httptest.NewRequest("GET", "/admin/status", nil), "admin")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRBACMiddleware_DeniedAccess(t *testing.T) {
	rbac := NewRBACMiddleware(map[string][]string{
		"viewer": {"/admin/status"},
	}, zerolog.Nop())
	handler := rbac.Handler()(okHandler())

	req := withRole(httptest.NewRequest("POST", "/v1/moderation/guilds/1/members/2/kick", nil), "viewer")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestRBACMiddleware_HeaderRoleIgnored(t *testing.T) {
	rbac := NewRBACMiddleware(DefaultRolePermissions(), zerolog.Nop())
	handler := rbac.Handler()(okHandler())

	req := httptest.NewRequest("GET", "/admin/status", nil)
	req.Header.Set("X-User-Role", "admin")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestRBACMiddleware_DefaultPermissions(t *testing.T) {
	rbac := NewRBACMiddleware(DefaultRolePermissions(), zerolog.Nop())
	handler := rbac.Handler()(okHandler())

	tests := []struct {
		role string
		path string
		want int
	}{
		{"user", "/v1/guilds", http.StatusOK},
		{"user", "/v1/channels/500/messages", http.StatusOK},
		{"user", "/v1/moderation/guilds/1/members/2/ban", http.StatusForbidden},
		{"moderator", "/v1/moderation/guilds/1/members/2/ban", http.StatusOK},
		{"moderator", "/admin/keys", http.StatusForbidden},
		{"admin", "/admin/keys", http.StatusOK},
		{"viewer", "/v1/guilds", http.StatusForbidden},
		{"stranger", "/v1/guilds", http.StatusForbidden},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withRole(httptest.NewRequest("GET", tt.path, nil), tt.role))
		if w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.role, tt.path, tt.want, w.Code)
		}
	}
}

func TestRBACMiddleware_SetRolePermissions(t *testing.T) {
	rbac := NewRBACMiddleware(nil, zerolog.Nop())
	handler := rbac.Handler()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withRole(httptest.NewRequest("GET", "/v1/guilds", nil), "user"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before grant, got %d", w.Code)
	}

	rbac.SetRolePermissions(map[string][]string{"user": {"/v1/guilds"}})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withRole(httptest.NewRequest("GET", "/v1/guilds", nil), "user"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after grant, got %d", w.Code)
	}
	if got := rbac.GetRolePermissions()["user"]; len(got) != 1 {
		t.Fatalf("unexpected permissions %v", got)
	}
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/admin", "/admin", true},
		{"/admin/*", "/admin/status", true},
		{"/admin/*", "/admin", false},
		{"/v1/*", "/v1/guilds/1/channels", true},
		{"/v1/guilds", "/v1/guilds/1", false},
		{"/v1/guilds/*", "/v1/guildsx", false},
	}

	for _, tt := range tests {
		got := matchPath(tt.pattern, tt.path)
		if got != tt.want {
			t.Errorf("matchPath(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
