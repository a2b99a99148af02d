// Package keychain stores the identity passphrase in the OS keychain so the
// node can log in unattended.
package keychain

import (
	"errors"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keychain service identifier
	ServiceName = "ixnay"
	// AccountName is the keychain account identifier
	AccountName = "identity-passphrase"
)

// ErrNotFound is returned when no passphrase is stored in the keychain
var ErrNotFound = errors.New("passphrase not found in keychain")

// Store holds a single secret.
type Store interface {
	Set(secret string) error
	Get() (string, error)
	Delete() error
}

// System is the OS keychain: macOS Keychain, Secret Service on Linux,
// Credential Manager on Windows.
type System struct {
	Account string
}

// NewSystem returns a keychain entry for account, or AccountName when empty.
func NewSystem(account string) *System {
	if account == "" {
		account = AccountName
	}
	return &System{Account: account}
}

func (s *System) Set(secret string) error {
	return keyring.Set(ServiceName, s.Account, secret)
}

func (s *System) Get() (string, error) {
	pass, err := keyring.Get(ServiceName, s.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return pass, nil
}

// Delete removes the entry. A missing entry is not an error.
func (s *System) Delete() error {
	err := keyring.Delete(ServiceName, s.Account)
	if err != nil && errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// IsAvailable checks if the system keychain is available.
// This can fail on headless Linux systems without a secret service.
func IsAvailable() bool {
	_, err := keyring.Get(ServiceName, "test-availability")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// Memory is an in-process Store for tests and headless hosts.
type Memory struct {
	mu     sync.Mutex
	secret *string
}

func (m *Memory) Set(secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = &secret
	return nil
}

func (m *Memory) Get() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == nil {
		return "", ErrNotFound
	}
	return *m.secret, nil
}

func (m *Memory) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = nil
	return nil
}
