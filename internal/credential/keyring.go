package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const (
	defaultService = "mangabell"
	defaultKey     = "auth_token"
)

type KeyringConfig struct {
	Enabled bool
	Service string
	Key     string
	// FileDir is used by the encrypted file backend when no OS keychain is
	// available (headless Linux).
	FileDir string
}

// Keyring stores the credential in the OS keychain.
type Keyring struct {
	ring keyring.Keyring
	key  string
}

// OpenKeyring returns a configured keyring instance.
func OpenKeyring(cfg KeyringConfig) (*Keyring, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = defaultService
	}
	dir := strings.TrimSpace(cfg.FileDir)
	if dir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			dir = filepath.Join(base, service, "credentials")
		} else {
			dir = "~/.config/" + service + "/credentials"
		}
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyring(ring, cfg.Key), nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring, key string) *Keyring {
	if strings.TrimSpace(key) == "" {
		key = defaultKey
	}
	return &Keyring{ring: ring, key: key}
}

// Get returns ErrNoCredential when nothing is stored.
func (k *Keyring) Get() (string, error) {
	item, err := k.ring.Get(k.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", k.key, err)
	}
	return string(item.Data), nil
}

func (k *Keyring) Set(value string) error {
	err := k.ring.Set(keyring.Item{
		Key:         k.key,
		Data:        []byte(value),
		Label:       "mangabell notification token",
		Description: "credential for the manga notification socket",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", k.key, err)
	}
	return nil
}

func (k *Keyring) Delete() error {
	err := k.ring.Remove(k.key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", k.key, err)
	}
	return nil
}
