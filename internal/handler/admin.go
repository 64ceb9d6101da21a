package handler

import (
	"encoding/json"
	"net/http"

	"discord-adapter/internal/access"
	"discord-adapter/internal/middleware"
	"discord-adapter/internal/service"
)

// BudgetReporter is implemented by limiters that can report their balance.
type BudgetReporter interface {
	Available() float64
}

// AdminHandler exposes runtime state and a few operator controls.
type AdminHandler struct {
	policy  *access.Policy
	breaker *service.CircuitBreaker
	budget  BudgetReporter
	keys    *middleware.APIKeyStore
	rbac    *middleware.RBACMiddleware
}

// NewAdminHandler wires the admin endpoints. Any dependency may be nil.
func NewAdminHandler(policy *access.Policy, breaker *service.CircuitBreaker, budget BudgetReporter,
	keys *middleware.APIKeyStore, rbac *middleware.RBACMiddleware) *AdminHandler {
	return &AdminHandler{policy: policy, breaker: breaker, budget: budget, keys: keys, rbac: rbac}
}

// Register mounts the routes on mux.
func (a *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/status", a.status)
	mux.HandleFunc("POST /admin/breaker/reset", a.resetBreaker)
	mux.HandleFunc("GET /admin/keys", a.listKeys)
	mux.HandleFunc("GET /admin/roles", a.listRoles)
	mux.HandleFunc("PUT /admin/roles", a.setRoles)
}

type policyStatus struct {
	Restricted      bool     `json:"restricted"`
	AllowedGuilds   []string `json:"allowed_guilds"`
	AllowedChannels []string `json:"allowed_channels"`
}

type adminStatus struct {
	Policy          policyStatus            `json:"policy"`
	BudgetAvailable *float64                `json:"budget_available,omitempty"`
	Breaker         *service.CircuitMetrics `json:"breaker,omitempty"`
}

func (a *AdminHandler) status(w http.ResponseWriter, r *http.Request) {
	guilds, channels := a.policy.Snapshot()
	out := adminStatus{Policy: policyStatus{
		Restricted:      a.policy.Restricted(),
		AllowedGuilds:   guilds,
		AllowedChannels: channels,
	}}
	if a.budget != nil {
		v := a.budget.Available()
		out.BudgetAvailable = &v
	}
	if a.breaker != nil {
		m := a.breaker.GetMetrics()
		out.Breaker = &m
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *AdminHandler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if a.breaker == nil {
		writeError(w, http.StatusNotFound, "not_configured", "circuit breaker is disabled")
		return
	}
	a.breaker.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys := []middleware.KeyInfo{}
	if a.keys != nil {
		keys = a.keys.ListKeys()
	}
	writeJSON(w, http.StatusOK, keys)
}

func (a *AdminHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeJSON(w, http.StatusOK, map[string][]string{})
		return
	}
	writeJSON(w, http.StatusOK, a.rbac.GetRolePermissions())
}

// setRoles replaces the role table. The admin role must keep access to
// /admin/* so the table cannot lock every operator out.
func (a *AdminHandler) setRoles(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, http.StatusNotFound, "not_configured", "rbac is disabled")
		return
	}
	var roles map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	adminOK := false
	for _, p := range roles["admin"] {
		if p == "/admin/*" {
			adminOK = true
		}
	}
	if !adminOK {
		writeError(w, http.StatusBadRequest, "invalid_payload", `role "admin" must keep "/admin/*"`)
		return
	}
	a.rbac.SetRolePermissions(roles)
	w.WriteHeader(http.StatusNoContent)
}
