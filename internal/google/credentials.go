package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

var (
	// ErrNoCredential is returned when no token is stored for a user.
	ErrNoCredential = errors.New("no stored credential")

	// ErrReauthRequired means the user must run the consent flow again.
	// It is never retried.
	ErrReauthRequired = errors.New("re-authentication required")
)

// CredentialStore yields the stored OAuth token of a user.
type CredentialStore interface {
	Get(ctx context.Context, user string) (*oauth2.Token, error)
}

// TokenWriter is implemented by stores that accept refreshed tokens.
type TokenWriter interface {
	Put(ctx context.Context, user string, tok *oauth2.Token) error
}

// KeyringConfig selects where tokens are kept.
type KeyringConfig struct {
	// ServiceName namespaces the keyring entries (default: handovermail).
	ServiceName string
	// FileDir is used by the encrypted file backend.
	FileDir string
	// FilePassword encrypts the file backend.
	FilePassword string
	// Backends restricts the allowed backends by name (keychain,
	// secret-service, wincred, pass, file). Empty allows all of them.
	Backends []string
}

// KeyringStore keeps one JSON encoded oauth2.Token per user in a keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the configured keyring backend.
func OpenKeyring(c KeyringConfig) (*KeyringStore, error) {
	service := c.ServiceName
	if service == "" {
		service = "handovermail"
	}

	var backends []keyring.BackendType
	for _, b := range c.Backends {
		backends = append(backends, keyring.BackendType(strings.TrimSpace(b)))
	}
	if len(backends) == 0 {
		backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  c.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(c.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an open keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Get returns the token stored for user, or ErrNoCredential.
func (s *KeyringStore) Get(_ context.Context, user string) (*oauth2.Token, error) {
	item, err := s.ring.Get(credentialKey(user))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w for %s", ErrNoCredential, user)
		}
		return nil, fmt.Errorf("failed to read credential for %s: %w", user, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode credential for %s: %w", user, err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoCredential, user)
	}
	return &tok, nil
}

// Put stores tok for user, replacing any previous token. A refreshed token
// without a refresh token keeps the previously stored one.
func (s *KeyringStore) Put(ctx context.Context, user string, tok *oauth2.Token) error {
	if tok == nil {
		return fmt.Errorf("token is required")
	}
	stored := *tok
	if stored.RefreshToken == "" {
		if prev, err := s.Get(ctx, user); err == nil {
			stored.RefreshToken = prev.RefreshToken
		}
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         credentialKey(user),
		Data:        data,
		Label:       "handovermail: " + user,
		Description: "Google OAuth token",
	})
	if err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", user, err)
	}
	return nil
}

// Delete removes the token of user.
func (s *KeyringStore) Delete(_ context.Context, user string) error {
	if err := s.ring.Remove(credentialKey(user)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete credential for %s: %w", user, err)
	}
	return nil
}

// Users lists the users with a stored credential.
func (s *KeyringStore) Users() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	var users []string
	for _, k := range keys {
		if u, ok := strings.CutPrefix(k, keyPrefix); ok {
			users = append(users, u)
		}
	}
	return users, nil
}

const keyPrefix = "google-token:"

func credentialKey(user string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(user))
}
