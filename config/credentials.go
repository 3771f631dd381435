package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecurityMethod defines how the credential encryption key is obtained
type SecurityMethod = EncryptionMethod

const (
	SecuritySSHKey  = EncryptionSSHKey
	SecurityKeyfile = EncryptionKeyfile
)

const (
	CredentialsFile = "credentials.enc"
	KeyFile         = "credentials.key"
)

// CredentialAccessError reports that the encrypted store could not be read
// or written. Lookups treat it as an absent credential.
type CredentialAccessError struct {
	Op   string
	Path string
	Err  error
}

func (e *CredentialAccessError) Error() string {
	return fmt.Sprintf("credential store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CredentialAccessError) Unwrap() error {
	return e.Err
}

// Credential is the metadata of a stored secret. The secret itself is only
// returned by Get.
type Credential struct {
	KeyID     string
	Plugin    string
	UpdatedAt time.Time
}

type storedCredential struct {
	Secret    string    `json:"secret"`
	Plugin    string    `json:"plugin,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialStore keeps secrets AES-GCM encrypted in <dataDir>/credentials.enc.
type CredentialStore struct {
	mu          sync.Mutex
	dataDir     string
	encManager  *EncryptionManager
	credentials map[string]storedCredential
	loaded      bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewCredentialStore creates a credential store. keyPath is the SSH private
// key for SecuritySSHKey; for SecurityKeyfile an empty keyPath means
// <dataDir>/credentials.key.
func NewCredentialStore(dataDir string, method SecurityMethod, keyPath string, logger *slog.Logger) *CredentialStore {
	if method == "" {
		method = SecurityKeyfile
	}
	if method == SecurityKeyfile && keyPath == "" {
		keyPath = filepath.Join(dataDir, KeyFile)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CredentialStore{
		dataDir:    dataDir,
		encManager: NewEncryptionManager(method, keyPath),
		logger:     logger,
		now:        time.Now,
	}
}

// SetPassphrase sets the passphrase for decrypting the SSH key
func (c *CredentialStore) SetPassphrase(passphrase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encManager.SetPassphrase(passphrase)
	c.loaded = false
}

func (c *CredentialStore) GetMethod() SecurityMethod {
	return c.encManager.GetMethod()
}

// NeedsPassphrase reports whether the store is keyed by an encrypted SSH key
// and no passphrase has been set yet.
func (c *CredentialStore) NeedsPassphrase() (keyPath string, needed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encManager.GetMethod() != SecuritySSHKey || c.encManager.passphrase != "" {
		return "", false
	}
	keyPath = c.encManager.KeyPath()
	encrypted, err := IsSSHKeyEncrypted(keyPath)
	if err != nil || !encrypted {
		return "", false
	}
	return keyPath, true
}

func (c *CredentialStore) path() string {
	return filepath.Join(c.dataDir, CredentialsFile)
}

// Put stores a secret that is not tied to a plugin.
func (c *CredentialStore) Put(keyID, secret string) error {
	return c.PutForPlugin(keyID, secret, "")
}

// PutForPlugin stores a secret and records which plugin it belongs to.
func (c *CredentialStore) PutForPlugin(keyID, secret, plugin string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return errors.New("credential key id cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(); err != nil {
		return err
	}
	prev, had := c.credentials[keyID]
	c.credentials[keyID] = storedCredential{Secret: secret, Plugin: plugin, UpdatedAt: c.now().UTC()}
	if err := c.save(); err != nil {
		if had {
			c.credentials[keyID] = prev
		} else {
			delete(c.credentials, keyID)
		}
		return err
	}
	return nil
}

// Get returns the secret for keyID. A missing key and an unreadable store
// both report absent; the latter is logged.
func (c *CredentialStore) Get(keyID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(); err != nil {
		c.logger.Error("credential lookup failed", "key", keyID, "error", err)
		return "", false
	}
	cred, ok := c.credentials[keyID]
	return cred.Secret, ok
}

// Delete removes keyID and reports whether it existed.
func (c *CredentialStore) Delete(keyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(); err != nil {
		c.logger.Error("credential delete failed", "key", keyID, "error", err)
		return false
	}
	prev, ok := c.credentials[keyID]
	if !ok {
		return false
	}
	delete(c.credentials, keyID)
	if err := c.save(); err != nil {
		c.credentials[keyID] = prev
		c.logger.Error("credential delete failed", "key", keyID, "error", err)
		return false
	}
	return true
}

// List returns credential metadata sorted by key id. When PLUGENV_SERVICES
// holds a comma separated list of key ids only those are listed.
func (c *CredentialStore) List() []Credential {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(); err != nil {
		c.logger.Error("credential listing failed", "error", err)
		return nil
	}

	var filter map[string]bool
	if services := os.Getenv("PLUGENV_SERVICES"); strings.TrimSpace(services) != "" {
		filter = map[string]bool{}
		for _, s := range strings.Split(services, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter[s] = true
			}
		}
	}

	out := make([]Credential, 0, len(c.credentials))
	for id, cred := range c.credentials {
		if filter != nil && !filter[id] {
			continue
		}
		out = append(out, Credential{KeyID: id, Plugin: cred.Plugin, UpdatedAt: cred.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// load reads and decrypts the store once. Callers hold c.mu.
func (c *CredentialStore) load() error {
	if c.loaded {
		return nil
	}

	path := c.path()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.credentials = make(map[string]storedCredential)
		c.loaded = true
		return nil
	}
	if err != nil {
		return &CredentialAccessError{Op: "read", Path: path, Err: err}
	}

	if err := c.encManager.Initialize(); err != nil {
		return &CredentialAccessError{Op: "unlock", Path: path, Err: err}
	}
	plaintext, err := c.encManager.Decrypt(data)
	if err != nil {
		return &CredentialAccessError{Op: "decrypt", Path: path, Err: err}
	}

	creds := make(map[string]storedCredential)
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return &CredentialAccessError{Op: "parse", Path: path, Err: err}
	}
	c.credentials = creds
	c.loaded = true
	return nil
}

// save encrypts the store to a temp file and renames it into place.
func (c *CredentialStore) save() error {
	path := c.path()
	if err := c.encManager.Initialize(); err != nil {
		return &CredentialAccessError{Op: "unlock", Path: path, Err: err}
	}

	jsonData, err := json.Marshal(c.credentials)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	encrypted, err := c.encManager.Encrypt(jsonData)
	if err != nil {
		return &CredentialAccessError{Op: "encrypt", Path: path, Err: err}
	}

	if err := os.MkdirAll(c.dataDir, 0700); err != nil {
		return &CredentialAccessError{Op: "write", Path: path, Err: err}
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return &CredentialAccessError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &CredentialAccessError{Op: "write", Path: path, Err: err}
	}
	return nil
}
