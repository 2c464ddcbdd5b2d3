// Package cookies implements the session/cookie store (§4.B):
// encrypt-at-rest persistence keyed by platform, and on-demand
// materialization of short-lived Netscape cookie-jar files for the
// external downloader, with guaranteed cleanup.
package cookies

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"tachyon-core/internal/storage"
)

// Store wraps the persistence layer with the encryption primitive.
type Store struct {
	db     *storage.DB
	cipher *Cipher
	tmpDir string
}

// New constructs a Store, loading (or creating) the machine key file
// used for AES-256-GCM encryption under keyDir.
func New(db *storage.DB, keyDir, tmpDir string) (*Store, error) {
	cipher, err := LoadOrCreateCipher(filepath.Join(keyDir, "cookie.key"))
	if err != nil {
		return nil, fmt.Errorf("init cookie cipher: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp cookie dir: %w", err)
	}
	return &Store{db: db, cipher: cipher, tmpDir: tmpDir}, nil
}

// SetSession encrypts cookiesText and upserts the Session row with
// status=ACTIVE, per §4.B.
func (s *Store) SetSession(platformID, cookiesText, method string) error {
	encrypted, err := s.cipher.Encrypt([]byte(cookiesText))
	if err != nil {
		return fmt.Errorf("encrypt cookies: %w", err)
	}
	return s.db.UpsertSession(platformID, encrypted, method)
}

// GetSession loads and decrypts the plaintext cookies for platformID.
// Returns ("", false, nil) if no active session exists. A decryption
// failure is a hard error surfaced upward, per §4.B.
func (s *Store) GetSession(platformID string) (string, bool, error) {
	row, err := s.db.GetSession(platformID)
	if err != nil {
		if err == storage.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	if row.Status != storage.SessionActive || len(row.EncryptedCookies) == 0 {
		return "", false, nil
	}
	plain, err := s.cipher.Decrypt(row.EncryptedCookies)
	if err != nil {
		return "", false, fmt.Errorf("decrypt cookies for %s: %w", platformID, err)
	}
	return string(plain), true, nil
}

// DeleteSession resets the row to NONE, per §4.B.
func (s *Store) DeleteSession(platformID string) error {
	return s.db.DeleteSession(platformID)
}

// CreateTempCookieFile writes the decrypted cookies for platformID to
// a uniquely named temp file and returns its path, or ("", nil) if no
// active session exists.
func (s *Store) CreateTempCookieFile(platformID string) (string, error) {
	text, ok, err := s.GetSession(platformID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	name := fmt.Sprintf("%s-%s.txt", platformID, uuid.NewString())
	path := filepath.Join(s.tmpDir, name)
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return "", fmt.Errorf("write temp cookie file: %w", err)
	}
	return path, nil
}

// TempDir returns the directory CreateTempCookieFile writes into, for
// wiring an external sweep of orphaned files.
func (s *Store) TempDir() string {
	return s.tmpDir
}

// CleanupTempFile removes a temp cookie file. An empty path or an
// already-missing file is not an error; any other removal error is
// returned for the caller to log, and the worker does not fail on it.
func CleanupTempFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
