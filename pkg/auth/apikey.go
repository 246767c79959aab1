package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Roles recognized by the control plane. Operators resolve requests and edit
// rules; agents may only submit.
const (
	RoleOperator = "operator"
	RoleAgent    = "agent"
)

// KeyStore maps hashed access tokens to roles. Thread-safe.
// Tokens are stored as SHA-256 hashes to protect against memory dumps.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // SHA-256(token) → role
}

// NewKeyStore creates a KeyStore from a comma-separated "role:token" string.
// Example: "operator:fb-abc,agent:fb-def". Malformed pairs are skipped.
func NewKeyStore(raw string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]string)}
	if raw == "" {
		return ks
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			role := strings.TrimSpace(parts[0])
			token := strings.TrimSpace(parts[1])
			if role != "" && token != "" {
				ks.keys[hashToken(token)] = role
			}
		}
	}
	return ks
}

// Lookup returns the role for a given access token.
func (ks *KeyStore) Lookup(token string) (role string, ok bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	role, ok = ks.keys[hashToken(token)]
	return
}

// Empty reports whether no tokens are configured. An empty store disables
// authentication entirely.
func (ks *KeyStore) Empty() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys) == 0
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
