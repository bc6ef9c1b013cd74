package google

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/99designs/keyring"

	"github.com/teemow/inboxflow/internal/model"
)

// ErrNoCredential is returned by a CredentialStore when nothing is stored
// for an account.
var ErrNoCredential = errors.New("no stored credential")

// CredentialStore persists one credential per account.
type CredentialStore interface {
	Load(account string) (model.Credential, error)
	Save(account string, cred model.Credential) error
	Delete(account string) error
}

var accountNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateAccountName rejects names that are unsafe as file or keyring keys.
func ValidateAccountName(account string) error {
	if account == "" {
		return fmt.Errorf("account name cannot be empty")
	}
	if !accountNamePattern.MatchString(account) {
		return fmt.Errorf("invalid account name %q: only letters, digits, '-' and '_' are allowed", account)
	}
	return nil
}

func storeKey(account string) string {
	return "google-" + account
}

// KeyringStore keeps credentials in the OS keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring, falling back to an encrypted file
// backend under fileDir.
func OpenKeyring(serviceName, fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// NewKeyringStore wraps an opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (s *KeyringStore) Load(account string) (model.Credential, error) {
	if err := ValidateAccountName(account); err != nil {
		return model.Credential{}, err
	}
	item, err := s.ring.Get(storeKey(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return model.Credential{}, ErrNoCredential
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("getting credential %q: %w", account, err)
	}

	var cred model.Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return model.Credential{}, fmt.Errorf("decoding credential %q: %w", account, err)
	}
	return cred, nil
}

func (s *KeyringStore) Save(account string, cred model.Credential) error {
	if err := ValidateAccountName(account); err != nil {
		return err
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", account, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         storeKey(account),
		Data:        data,
		Label:       "inboxflow Google credential (" + account + ")",
		Description: "OAuth tokens for Gmail",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}
	return nil
}

func (s *KeyringStore) Delete(account string) error {
	if err := ValidateAccountName(account); err != nil {
		return err
	}
	err := s.ring.Remove(storeKey(account))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !os.IsNotExist(err) {
		return fmt.Errorf("deleting credential %q: %w", account, err)
	}
	return nil
}

// FileStore keeps credentials as JSON files readable only by the owner,
// optionally sealed with AES-256-GCM.
type FileStore struct {
	dir    string
	sealer *Sealer
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithSealer encrypts files at rest.
func WithSealer(sealer *Sealer) FileStoreOption {
	return func(s *FileStore) { s.sealer = sealer }
}

// NewFileStore stores credentials under dir.
func NewFileStore(dir string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultFileStoreDir is the per-user cache directory for credentials.
func DefaultFileStoreDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating user cache dir: %w", err)
	}
	return filepath.Join(cache, "inboxflow"), nil
}

func (s *FileStore) path(account string) string {
	return filepath.Join(s.dir, storeKey(account)+".json")
}

func (s *FileStore) Load(account string) (model.Credential, error) {
	if err := ValidateAccountName(account); err != nil {
		return model.Credential{}, err
	}
	data, err := os.ReadFile(s.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return model.Credential{}, ErrNoCredential
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("reading credential file: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.Open(data); err != nil {
			return model.Credential{}, fmt.Errorf("opening credential file: %w", err)
		}
	}

	var cred model.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return model.Credential{}, fmt.Errorf("decoding credential file: %w", err)
	}
	return cred, nil
}

func (s *FileStore) Save(account string, cred model.Credential) error {
	if err := ValidateAccountName(account); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.Seal(data); err != nil {
			return fmt.Errorf("sealing credential: %w", err)
		}
	}

	tmp := s.path(account) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path(account)); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(account string) error {
	if err := ValidateAccountName(account); err != nil {
		return err
	}
	if err := os.Remove(s.path(account)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process CredentialStore.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]model.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]model.Credential)}
}

func (s *MemoryStore) Load(account string) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[account]
	if !ok {
		return model.Credential{}, ErrNoCredential
	}
	return cred, nil
}

func (s *MemoryStore) Save(account string, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[account] = cred
	return nil
}

func (s *MemoryStore) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, account)
	return nil
}
