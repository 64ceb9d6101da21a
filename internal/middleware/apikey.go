package middleware

import (
	"net/http"
	"sort"
	"sync"

	"discord-adapter/internal/config"

	"github.com/rs/zerolog"
)

// APIKeyStore manages API keys and their permissions
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// APIKey represents an API key with permissions
type APIKey struct {
	Key     string   // The actual key
	Name    string   // Human readable name, used as the caller id
	Role    string   // Role assigned to this key
	Enabled bool     // Whether the key is active
	Paths   []string // Allowed paths (if empty, all allowed for role)
}

// NewAPIKeyStore creates a new API key store
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{
		keys: make(map[string]*APIKey),
	}
}

// NewAPIKeyStoreFromConfig loads the keys declared in the config file.
func NewAPIKeyStoreFromConfig(entries []config.APIKeyConfig) *APIKeyStore {
	s := NewAPIKeyStore()
	for _, e := range entries {
		s.AddKey(&APIKey{
			Key:     e.Key,
			Name:    e.Name,
			Role:    e.Role,
			Enabled: e.Enabled,
			Paths:   append([]string(nil), e.Paths...),
		})
	}
	return s
}

// AddKey adds a new API key
func (s *APIKeyStore) AddKey(key *APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.Key] = key
}

// RemoveKey removes an API key
func (s *APIKeyStore) RemoveKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// GetKey retrieves an API key
func (s *APIKeyStore) GetKey(key string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.keys[key]
	return val, ok
}

// Len reports the number of configured keys.
func (s *APIKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// ValidateKey checks if an API key is valid and allowed for the path
func (s *APIKeyStore) ValidateKey(key, path string) (*APIKey, error) {
	apiKey, exists := s.GetKey(key)
	if !exists {
		return nil, ErrInvalidAPIKey
	}

	if !apiKey.Enabled {
		return nil, ErrAPIKeyDisabled
	}

	if len(apiKey.Paths) > 0 {
		allowed := false
		for _, p := range apiKey.Paths {
			if matchPath(p, path) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, ErrAPIKeyPathDenied
		}
	}

	return apiKey, nil
}

// KeyInfo is the non-secret view of an APIKey.
type KeyInfo struct {
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Enabled bool     `json:"enabled"`
	Paths   []string `json:"paths,omitempty"`
}

// ListKeys returns every key without its secret, sorted by name.
func (s *APIKeyStore) ListKeys() []KeyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]KeyInfo, 0, len(s.keys))
	for _, key := range s.keys {
		keys = append(keys, KeyInfo{Name: key.Name, Role: key.Role, Enabled: key.Enabled, Paths: key.Paths})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// APIKeyError is a key validation failure.
type APIKeyError struct {
	Code    string
	Message string
}

func (e APIKeyError) Error() string {
	return e.Message
}

var (
	ErrInvalidAPIKey    = APIKeyError{Code: "invalid_api_key", Message: "API key is invalid"}
	ErrAPIKeyDisabled   = APIKeyError{Code: "api_key_disabled", Message: "API key is disabled"}
	ErrAPIKeyPathDenied = APIKeyError{Code: "api_key_path_denied", Message: "API key not allowed for this path"}
)

// APIKeyMiddleware validates API keys from X-API-Key header
type APIKeyMiddleware struct {
	store  *APIKeyStore
	logger zerolog.Logger
}

// NewAPIKeyMiddleware creates a new API key middleware
func NewAPIKeyMiddleware(store *APIKeyStore, logger zerolog.Logger) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		store:  store,
		logger: logger,
	}
}

// Handler returns the middleware handler. Requests without X-API-Key are
// left for the other authenticators.
func (am *APIKeyMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			key, err := am.store.ValidateKey(apiKey, r.URL.Path)
			if err != nil {
				am.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("api key rejected")
				writeUnauthorized(w, err.Error())
				return
			}

			caller := Caller{ID: key.Name, Role: key.Role, Method: "api-key"}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
