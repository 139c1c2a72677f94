package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "telegram-scraper"
	keyringKey     = "api_token"
)

// ErrTokenNotFound indicates no API token is stored anywhere
var ErrTokenNotFound = errors.New("API token not found")

// TokenStore is the interface for storing and retrieving the API token
type TokenStore interface {
	Store(token string) error
	Retrieve() (string, error)
	Delete() error
}

// KeyringStore keeps the API token in the system keychain
type KeyringStore struct{}

// NewKeyringStore creates a keyring-backed token store
func NewKeyringStore() (*KeyringStore, error) {
	// Test if keyring is available
	testKey := "test_availability"
	err := keyring.Set(keyringService, testKey, "test")
	if err != nil {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, testKey)

	return &KeyringStore{}, nil
}

// Store saves the token to the system keychain
func (k *KeyringStore) Store(token string) error {
	if token == "" {
		return errors.New("token is empty")
	}
	if err := keyring.Set(keyringService, keyringKey, token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// Retrieve gets the token from the system keychain
func (k *KeyringStore) Retrieve() (string, error) {
	token, err := keyring.Get(keyringService, keyringKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("failed to retrieve token from keyring: %w", err)
	}
	return token, nil
}

// Delete removes the token from the system keychain
func (k *KeyringStore) Delete() error {
	if err := keyring.Delete(keyringService, keyringKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

// EnvironmentStore reads the token from the environment, primarily for
// headless deployments without a keychain
type EnvironmentStore struct{}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(token string) error {
	return errors.New("environment store is read-only")
}

// Retrieve gets the token from TGSCRAPER_TOKEN
func (e *EnvironmentStore) Retrieve() (string, error) {
	if token := os.Getenv("TGSCRAPER_TOKEN"); token != "" {
		return token, nil
	}
	return "", ErrTokenNotFound
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete() error {
	return errors.New("environment store is read-only")
}

// ResolveToken returns the API token from the first store that has one:
// environment first, then the system keychain.
func ResolveToken() (string, error) {
	stores := []TokenStore{&EnvironmentStore{}}
	if ks, err := NewKeyringStore(); err == nil {
		stores = append(stores, ks)
	}

	for _, s := range stores {
		token, err := s.Retrieve()
		if err == nil && token != "" {
			return token, nil
		}
	}
	return "", ErrTokenNotFound
}
