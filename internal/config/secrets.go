package config

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Keychain is a platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// GetAPIToken returns the bearer token protecting the local HTTP API,
// generating and storing one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(keychainService, accountAPIToken); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := kc.Set(keychainService, accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// Credentials holds the model host access token. It is safe for concurrent
// use; the downloader reads it on every request so a token set through a
// recovery action applies to the next attempt.
type Credentials struct {
	kc Keychain

	mu    sync.RWMutex
	token string
}

// NewCredentials starts from the token resolved by Load.
func NewCredentials(cfg Config, kc Keychain) *Credentials {
	return &Credentials{kc: kc, token: cfg.Credentials.HFToken}
}

// Token returns the current token, if any.
func (c *Credentials) Token() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.token != ""
}

// SetHFToken stores token in the keychain and uses it from now on.
func (c *Credentials) SetHFToken(token string) error {
	if err := c.kc.Set(keychainService, accountHFToken, token); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}
