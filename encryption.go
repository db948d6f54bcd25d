package tidestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM.
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation.
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size.
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
)

// EncryptionConfig configures at-rest payload encryption. When enabled,
// frame payloads are sealed with AES-GCM before they are written into a
// block; the key-derivation salt is persisted in the catalog so readers
// opening the store with the same passphrase can decrypt.
type EncryptionConfig struct {
	// Enabled turns on payload encryption.
	Enabled bool `yaml:"enabled"`

	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `yaml:"key"`

	// KeyPassword is used to derive the encryption key via PBKDF2.
	KeyPassword string `yaml:"key_password"`
}

// Encryptor seals and opens frame payloads.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// newEncryptor creates an encryptor from a key or password, using salt for
// derivation when non-nil and generating a fresh one otherwise.
func newEncryptor(cfg EncryptionConfig, salt []byte) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key []byte

	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		if salt == nil {
			salt = make([]byte, EncryptionSaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, err
			}
		} else if len(salt) != EncryptionSaltSize {
			return nil, errors.New("invalid salt size")
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the salt used for key derivation, nil for raw-key encryptors.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt seals a payload and returns ciphertext with prepended nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed payload (with prepended nonce).
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:EncryptionNonceSize]
	return e.gcm.Open(nil, nonce, ciphertext[EncryptionNonceSize:], nil)
}

// encryptionOverhead is the per-payload growth caused by sealing.
const encryptionOverhead = EncryptionNonceSize + 16
