package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// EncryptionMethod defines where the credential encryption key comes from
type EncryptionMethod string

const (
	EncryptionSSHKey  EncryptionMethod = "ssh_key"
	EncryptionKeyfile EncryptionMethod = "keyfile"
)

func (m EncryptionMethod) Valid() bool {
	return m == EncryptionSSHKey || m == EncryptionKeyfile
}

// EncryptionManager derives an AES-256 key and seals data with AES-GCM.
type EncryptionManager struct {
	method     EncryptionMethod
	keyPath    string // SSH private key or keyfile, depending on method
	passphrase string // Optional passphrase for encrypted SSH keys
	aesKey     []byte
}

// NewEncryptionManager creates a new encryption manager. keyPath is the SSH
// private key for EncryptionSSHKey and the key file for EncryptionKeyfile.
func NewEncryptionManager(method EncryptionMethod, keyPath string) *EncryptionManager {
	return &EncryptionManager{
		method:  method,
		keyPath: keyPath,
	}
}

// SetPassphrase sets the passphrase for decrypting the SSH key
func (e *EncryptionManager) SetPassphrase(passphrase string) {
	e.passphrase = passphrase
	e.aesKey = nil
}

// Initialize loads or creates the key material. It is cheap to call again
// once a key has been derived.
func (e *EncryptionManager) Initialize() error {
	if e.aesKey != nil {
		return nil
	}

	switch e.method {
	case EncryptionSSHKey:
		encrypted, err := IsSSHKeyEncrypted(e.keyPath)
		if err != nil {
			return fmt.Errorf("failed to check SSH key: %w", err)
		}
		if encrypted && e.passphrase == "" {
			return errors.New("SSH key is encrypted - passphrase required")
		}

		var signer ssh.Signer
		if encrypted {
			signer, err = LoadSSHPrivateKeyWithPassphrase(e.keyPath, e.passphrase)
		} else {
			signer, err = LoadSSHPrivateKey(e.keyPath)
		}
		if err != nil {
			return fmt.Errorf("failed to load SSH key: %w", err)
		}

		aesKey, err := DeriveAESKeyFromSSH(signer)
		if err != nil {
			return fmt.Errorf("failed to derive encryption key: %w", err)
		}
		e.aesKey = aesKey
		return nil

	case EncryptionKeyfile:
		key, err := loadOrCreateKeyfile(e.keyPath)
		if err != nil {
			return err
		}
		e.aesKey = key
		return nil

	default:
		return fmt.Errorf("unknown encryption method: %s", e.method)
	}
}

// Encrypt seals plaintext. Format: [nonce (12 bytes)][ciphertext + tag]
func (e *EncryptionManager) Encrypt(plaintext []byte) ([]byte, error) {
	if e.aesKey == nil {
		return nil, errors.New("encryption manager not initialized")
	}
	return encryptAESGCM(plaintext, e.aesKey)
}

func (e *EncryptionManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if e.aesKey == nil {
		return nil, errors.New("encryption manager not initialized")
	}
	return decryptAESGCM(ciphertext, e.aesKey)
}

func (e *EncryptionManager) KeyPath() string {
	return e.keyPath
}

func (e *EncryptionManager) GetMethod() EncryptionMethod {
	return e.method
}

// loadOrCreateKeyfile reads a hex encoded 32-byte key, creating a random one
// with 0600 permissions when the file does not exist.
func loadOrCreateKeyfile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("key file %s is not a 256-bit hex key", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race with another process; use its key.
			return loadOrCreateKeyfile(path)
		}
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

func encryptAESGCM(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptAESGCM(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// DeriveAESKeyFromSSH derives a 32-byte AES-256 key from an SSH key signature.
// The same Ed25519 or RSA key always yields the same AES key.
func DeriveAESKeyFromSSH(signer ssh.Signer) ([]byte, error) {
	message := []byte("plugenv-credential-key-derivation-v1")

	signature, err := signer.Sign(rand.Reader, message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	hash := sha256.Sum256(signature.Blob)
	return hash[:], nil
}
