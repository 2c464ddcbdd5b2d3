// Package config exposes typed accessors over the settings table the
// core consumes: max_concurrent_downloads, download_path, and the
// control API's auth token and port.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"tachyon-core/internal/storage"
)

type Manager struct {
	db *storage.DB
}

func New(db *storage.DB) *Manager {
	return &Manager{db: db}
}

const (
	keyMaxConcurrent = "max_concurrent_downloads"
	keyDownloadPath  = "download_path"
	keyAPIEnabled    = "api_enabled"
	keyAPIPort       = "api_port"
	keyAPIToken      = "api_token"
	keyVerifyChecks  = "verify_checksums"
	keyMaxPerHost    = "max_per_host_downloads"
)

func (m *Manager) GetMaxConcurrentDownloads() int {
	v := m.db.GetSetting(keyMaxConcurrent, "3")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

func (m *Manager) SetMaxConcurrentDownloads(n int) error {
	return m.db.SetSetting(keyMaxConcurrent, strconv.Itoa(n))
}

func (m *Manager) GetDownloadPath(fallback string) string {
	return m.db.GetSetting(keyDownloadPath, fallback)
}

func (m *Manager) SetDownloadPath(path string) error {
	return m.db.SetSetting(keyDownloadPath, path)
}

func (m *Manager) GetAPIEnabled() bool {
	return m.db.GetSetting(keyAPIEnabled, "false") == "true"
}

func (m *Manager) GetAPIPort() int {
	v := m.db.GetSetting(keyAPIPort, "8743")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 8743
	}
	return n
}

// GetAPIToken returns the existing token, generating and persisting a
// new one with crypto/rand if none exists yet.
func (m *Manager) GetAPIToken() string {
	tok := m.db.GetSetting(keyAPIToken, "")
	if tok != "" {
		return tok
	}
	tok = generateSecureToken()
	_ = m.db.SetSetting(keyAPIToken, tok)
	return tok
}

func (m *Manager) GetVerifyChecksums() bool {
	return m.db.GetSetting(keyVerifyChecks, "false") == "true"
}

// GetMaxPerHostDownloads returns the optional secondary concurrency
// limit per download host; 0 means unlimited (disabled by default, per
// the supplemented host-concurrency-limiting feature).
func (m *Manager) GetMaxPerHostDownloads() int {
	v := m.db.GetSetting(keyMaxPerHost, "0")
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (m *Manager) SetMaxPerHostDownloads(n int) error {
	return m.db.SetSetting(keyMaxPerHost, strconv.Itoa(n))
}

func generateSecureToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
