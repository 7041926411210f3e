// Package auth resolves the X-API-Key header to a caller credential.
package auth

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/payment-gateway/internal/apperr"
)

// HeaderAPIKey carries the caller's key.
const HeaderAPIKey = "X-API-Key"

const credentialKey = "auth.credential"

// DefaultTier applies when a key is registered without one.
const DefaultTier = "public"

// Credential identifies the caller behind an API key.
type Credential struct {
	ID         string
	CustomerID string
	Tier       string
}

// CredentialRepository looks up credentials by API key.
// This allows for different backends (env list, database).
type CredentialRepository interface {
	Get(apiKey string) (Credential, error)
}

// InMemoryCredentialRepository is a fixed key set, usually parsed from API_KEYS.
type InMemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewInMemoryCredentialRepository() *InMemoryCredentialRepository {
	return &InMemoryCredentialRepository{creds: make(map[string]Credential)}
}

// Add registers apiKey for cred, replacing any previous entry.
func (r *InMemoryCredentialRepository) Add(apiKey string, cred Credential) {
	if cred.Tier == "" {
		cred.Tier = DefaultTier
	}
	r.mu.Lock()
	r.creds[apiKey] = cred
	r.mu.Unlock()
}

// Get returns the credential for apiKey. Keys are compared in constant time.
func (r *InMemoryCredentialRepository) Get(apiKey string) (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, cred := range r.creds {
		if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
			return cred, nil
		}
	}
	return Credential{}, apperr.UnauthorizedErr("Invalid API key")
}

// Len reports how many keys are registered.
func (r *InMemoryCredentialRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.creds)
}

// ParseAPIKeys reads "key:credentialID:customerID:tier" entries separated by
// commas. The tier is optional.
func ParseAPIKeys(raw string) (*InMemoryCredentialRepository, error) {
	repo := NewInMemoryCredentialRepository()
	var bad []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
			bad = append(bad, redact(parts[0]))
			continue
		}
		cred := Credential{ID: parts[1], CustomerID: parts[2]}
		if len(parts) == 4 {
			cred.Tier = strings.ToLower(parts[3])
		}
		repo.Add(parts[0], cred)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("auth: malformed API_KEYS entries: %s", strings.Join(bad, ", "))
	}
	return repo, nil
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// Middleware rejects requests without a known X-API-Key and stores the
// credential on the gin context for later handlers.
func Middleware(repo CredentialRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		if key == "" {
			_ = c.Error(apperr.UnauthorizedErr("Missing API key"))
			c.Abort()
			return
		}
		cred, err := repo.Get(key)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Set(credentialKey, cred)
		c.Next()
	}
}

// FromGin returns the credential stored by Middleware.
func FromGin(c *gin.Context) (Credential, bool) {
	v, ok := c.Get(credentialKey)
	if !ok {
		return Credential{}, false
	}
	cred, ok := v.(Credential)
	return cred, ok
}
