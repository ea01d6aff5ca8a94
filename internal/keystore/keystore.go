// Package keystore resolves provider API keys. The encrypted on-disk store
// and the key-management CLI live outside this repository; the backend only
// consumes this interface.
package keystore

import (
	"errors"

	"github.com/tableforge/arbiter/internal/config"
)

// ErrKeyNotFound is returned when no key is configured for a provider.
var ErrKeyNotFound = errors.New("keystore: key not found")

// KeyStore returns an API key by provider id.
type KeyStore interface {
	Key(providerID string) (string, error)
}

// ConfigKeyStore reads keys from the provider config (file + env overlays).
type ConfigKeyStore struct {
	cfg *config.Config
}

// NewConfigKeyStore wraps a Config as a KeyStore.
func NewConfigKeyStore(cfg *config.Config) *ConfigKeyStore {
	return &ConfigKeyStore{cfg: cfg}
}

func (s *ConfigKeyStore) Key(providerID string) (string, error) {
	pc := s.cfg.ProviderFor(providerID)
	if pc.APIKey == "" {
		return "", ErrKeyNotFound
	}
	return pc.APIKey, nil
}

// StaticKeyStore serves keys from a fixed map. Used by tests.
type StaticKeyStore map[string]string

func (s StaticKeyStore) Key(providerID string) (string, error) {
	if k, ok := s[providerID]; ok && k != "" {
		return k, nil
	}
	return "", ErrKeyNotFound
}
