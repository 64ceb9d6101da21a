package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// RBACMiddleware enforces role-based access control
type RBACMiddleware struct {
	mu              sync.RWMutex
	rolePermissions map[string][]string // role -> list of allowed paths
	logger          zerolog.Logger
}

// NewRBACMiddleware creates a new RBAC middleware
func NewRBACMiddleware(rolePermissions map[string][]string, logger zerolog.Logger) *RBACMiddleware {
	if rolePermissions == nil {
		rolePermissions = make(map[string][]string)
	}
	return &RBACMiddleware{
		rolePermissions: rolePermissions,
		logger:          logger,
	}
}

// Handler returns the middleware handler. The role comes from the Caller
// placed in the context by the auth middlewares, never from a header.
func (rm *RBACMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok || caller.Role == "" {
				writeUnauthorized(w, "no role specified")
				return
			}

			if !rm.hasAccessToPath(caller.Role, r.URL.Path) {
				rm.logger.Warn().Str("role", caller.Role).Str("caller", caller.ID).
					Str("path", r.URL.Path).Msg("rbac denied")
				writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rm *RBACMiddleware) hasAccessToPath(role, path string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, perm := range rm.rolePermissions[role] {
		if matchPath(perm, path) {
			return true
		}
	}
	return false
}

// matchPath checks if a permission pattern matches a path
// Supports wildcards: /v1/guilds/* matches /v1/guilds/123/channels
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(path, prefix+"/")
	}
	return false
}

// SetRolePermissions updates role permissions
func (rm *RBACMiddleware) SetRolePermissions(rolePermissions map[string][]string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rolePermissions = rolePermissions
}

// GetRolePermissions returns current role permissions
func (rm *RBACMiddleware) GetRolePermissions() map[string][]string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make(map[string][]string, len(rm.rolePermissions))
	for role, paths := range rm.rolePermissions {
		out[role] = append([]string(nil), paths...)
	}
	return out
}

// DefaultRolePermissions: moderators may use every /v1 route, users get the
// messaging and lookup routes but not moderation, viewers only see status.
func DefaultRolePermissions() map[string][]string {
	return map[string][]string{
		"admin": {
			"/admin/*",
			"/v1/*",
		},
		"moderator": {
			"/v1/*",
			"/admin/status",
		},
		"user": {
			"/v1/guilds",
			"/v1/guilds/*",
			"/v1/channels/*",
			"/v1/users/*",
		},
		"viewer": {
			"/admin/status",
		},
	}
}
