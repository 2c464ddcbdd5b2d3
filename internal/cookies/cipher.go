package cookies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
)

// Cipher implements the "OS-provided user-scoped symmetric encryption
// primitive" §4.B calls for. The original implementation this core is
// derived from uses Windows DPAPI, which has no cross-platform
// equivalent among the libraries available here (see SPEC_FULL.md,
// Open Question Decisions). This is a deliberate standard-library
// fallback: a 32-byte key generated once with crypto/rand and
// persisted with owner-only permissions (0600) in the data directory.
type Cipher struct {
	key []byte
}

const keySize = 32 // AES-256

// LoadOrCreateCipher reads the key at path, generating and persisting
// a new one if it does not yet exist.
func LoadOrCreateCipher(path string) (*Cipher, error) {
	key, err := os.ReadFile(path)
	if err == nil && len(key) == keySize {
		return &Cipher{key: key}, nil
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate cookie key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist cookie key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt returns nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
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

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
