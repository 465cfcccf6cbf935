package auth

import (
	"github.com/emberlight/studiofeed/internal/store"
)

// TokenStore persists the bearer credential in the durable scope
type TokenStore struct {
	kv store.KV
}

// NewTokenStore creates a token store over kv
func NewTokenStore(kv store.KV) *TokenStore {
	return &TokenStore{kv: kv}
}

// Save persists token
// TODO: Encrypt the token at rest once a keychain backend exists
func (ts *TokenStore) Save(token string) error {
	return ts.kv.Set(store.KeyAuthToken, token)
}

// Load returns the persisted token, if any
func (ts *TokenStore) Load() (string, bool) {
	token, ok := ts.kv.Get(store.KeyAuthToken)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// Clear removes the persisted token
func (ts *TokenStore) Clear() error {
	return ts.kv.Remove(store.KeyAuthToken)
}
