// Package secretstore persists sensitive values (app-registration client
// secrets, API-key seeds, provider credentials) in an encrypted on-disk
// envelope, $BODHI_HOME/secrets.yaml, rather than plaintext config.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"go.yaml.in/yaml/v3"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// appRegClientIDKey and appRegClientSecretKey are the well-known secret
// keys this gateway's own OAuth client credentials are stored under,
// written once by the setup flow and read on every token-exchange path.
const (
	appRegClientIDKey     = "app_reg_info.client_id"
	appRegClientSecretKey = "app_reg_info.client_secret"
)

// KeyringProvider resolves the master encryption key from an OS-level
// credential store. A production build backs this with the platform
// keyring; tests and the stdlib-only default use EnvKeyringProvider.
type KeyringProvider interface {
	MasterKey() ([]byte, error)
}

// EnvKeyringProvider derives the master key from the raw bytes of an
// environment variable (BODHI_ENCRYPTION_KEY), SHA-256 hashed to a fixed
// 32-byte AES-256 key. Used when no OS keyring is configured.
type EnvKeyringProvider struct {
	EnvVar string
}

// MasterKey returns the derived key, or an error if the env var is unset.
func (p EnvKeyringProvider) MasterKey() ([]byte, error) {
	raw := os.Getenv(p.EnvVar)
	if raw == "" {
		return nil, fmt.Errorf("secretstore: %s is not set", p.EnvVar)
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:], nil
}

// envelope is the on-disk YAML shape: each secret is stored as its
// nonce-prefixed AES-GCM ciphertext, base64 being handled by yaml's
// native []byte (binary) marshaling.
type envelope struct {
	Secrets map[string][]byte `yaml:"secrets"`
}

// Store is a file-backed, AES-256-GCM-encrypted secret store. Reads and
// writes are serialized by mu and every mutation rewrites the file in
// full, matching the settings store's write-whole-file convention since
// the secret set is expected to stay small.
type Store struct {
	path    string
	keyring KeyringProvider
	mu      sync.Mutex
}

// New opens (or prepares to create) a Store backed by path, using keyring
// to obtain the master key.
func New(path string, keyring KeyringProvider) *Store {
	return &Store{path: path, keyring: keyring}
}

func (s *Store) gcm() (cipher.AEAD, error) {
	key, err := s.keyring.MasterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) load() (envelope, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return envelope{Secrets: map[string][]byte{}}, nil
	}
	if err != nil {
		return envelope{}, fmt.Errorf("secretstore: read %s: %w", s.path, err)
	}
	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return envelope{}, bgerrors.SerializationError(err)
	}
	if env.Secrets == nil {
		env.Secrets = map[string][]byte{}
	}
	return env, nil
}

func (s *Store) save(env envelope) error {
	data, err := yaml.Marshal(env)
	if err != nil {
		return bgerrors.SerializationError(err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("secretstore: write %s: %w", s.path, err)
	}
	return nil
}

// Set encrypts value and persists it under key, overwriting any prior
// value.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := s.gcm()
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("secretstore: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(value), nil)

	env, err := s.load()
	if err != nil {
		return err
	}
	env.Secrets[key] = ciphertext
	return s.save(env)
}

// Get decrypts and returns the value stored under key.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.load()
	if err != nil {
		return "", err
	}
	ciphertext, ok := env.Secrets[key]
	if !ok {
		return "", bgerrors.EntityNotFound("secret", key)
	}

	aead, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("secretstore: ciphertext for %q too short", key)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secretstore: decrypt %q: %w", key, err)
	}
	return string(plaintext), nil
}

// Delete removes key from the store. It is not an error to delete a key
// that does not exist.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.load()
	if err != nil {
		return err
	}
	delete(env.Secrets, key)
	return s.save(env)
}

// Has reports whether key exists in the store without decrypting it.
func (s *Store) Has(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := env.Secrets[key]
	return ok, nil
}

// AppRegInfo returns this gateway's own OAuth client credentials. Its
// absence is a hard configuration error on any auth path that needs to
// talk to the IdP on the gateway's own behalf (token exchange, refresh,
// dynamic client registration).
func (s *Store) AppRegInfo() (*gateway.AppRegInfo, error) {
	clientID, err := s.Get(appRegClientIDKey)
	if err != nil {
		return nil, bgerrors.AppRegInfoMissing()
	}
	clientSecret, err := s.Get(appRegClientSecretKey)
	if err != nil {
		return nil, bgerrors.AppRegInfoMissing()
	}
	return &gateway.AppRegInfo{ClientID: clientID, ClientSecret: clientSecret}, nil
}

// SetAppRegInfo persists this gateway's OAuth client credentials.
func (s *Store) SetAppRegInfo(info *gateway.AppRegInfo) error {
	if err := s.Set(appRegClientIDKey, info.ClientID); err != nil {
		return err
	}
	return s.Set(appRegClientSecretKey, info.ClientSecret)
}
