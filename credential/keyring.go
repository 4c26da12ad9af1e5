// Package credential keeps the mailbox password in the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const ServiceName = "dorset-mailbot"

// ErrNotFound is returned when no password is stored for the account.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes account passwords in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the platform keyring, falling back to an
// encrypted file under the user's config directory.
func Open() (*Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, ServiceName, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt(ServiceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Password returns the stored password for account.
func (s *Store) Password(account string) (string, error) {
	item, err := s.ring.Get(key(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("password for %q: %w", account, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting password for %q: %w", account, err)
	}
	return string(item.Data), nil
}

// SetPassword stores password for account, replacing any previous value.
func (s *Store) SetPassword(account, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:         key(account),
		Data:        []byte(password),
		Label:       "dorset-mailbot IMAP password",
		Description: account,
	})
	if err != nil {
		return fmt.Errorf("setting password for %q: %w", account, err)
	}
	return nil
}

// DeletePassword removes the stored password for account.
func (s *Store) DeletePassword(account string) error {
	err := s.ring.Remove(key(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("password for %q: %w", account, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting password for %q: %w", account, err)
	}
	return nil
}

func key(account string) string {
	return "imap:" + account
}
