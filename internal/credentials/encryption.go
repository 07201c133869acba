package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32 // AES-256
	nonceSize  = 12
	iterations = 100000

	// SecretEnvVar enables encryption at rest when set
	SecretEnvVar = "WHATSMGR_CREDENTIALS_SECRET"

	minSecretLength = 32
	keySalt         = "whatsmgr-credentials-v1"
)

// Encryptor seals credential blobs with AES-GCM. A nil gcm disables it.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptorFromEnv reads the secret from WHATSMGR_CREDENTIALS_SECRET
func NewEncryptorFromEnv() (*Encryptor, error) {
	return NewEncryptor(os.Getenv(SecretEnvVar))
}

// NewEncryptor derives a key from secret. An empty secret disables encryption.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return &Encryptor{}, nil
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("credentials secret must be at least %d characters long", minSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(keySalt), iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Enabled reports whether blobs are encrypted
func (e *Encryptor) Enabled() bool {
	return e.gcm != nil
}

// Seal returns nonce||ciphertext
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	if e.gcm == nil {
		return plaintext, nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return append(nonce, e.gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// Open reverses Seal
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	if e.gcm == nil {
		return nil, fmt.Errorf("credentials are encrypted but %s is not set", SecretEnvVar)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := e.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
