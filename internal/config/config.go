// Package config loads host settings from a user-level settings.json plus
// environment variable overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the host daemon's runtime settings. File-based values are
// the defaults; LUCIDITY_* environment variables always win, matching the
// precedence documented for the host binary.
type Config struct {
	Listen             string `json:"listen,omitempty"`
	MaxClients         int    `json:"max_clients,omitempty"`
	DisableHost        bool   `json:"disable_host,omitempty"`
	PairingAutoApprove bool   `json:"pairing_auto_approve,omitempty"`
	RelayURL           string `json:"relay_url,omitempty"`
	RelaySecret        string `json:"relay_secret,omitempty"`
	LogLevel           string `json:"log_level,omitempty"`
}

// Manager loads a user-level settings.json and applies environment
// overrides on top of it.
type Manager struct {
	userConfig *Config
	merged     *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig: &Config{},
		merged:     &Config{},
	}
}

// Load reads settings.json out of userConfigDir (if present) and then
// applies LUCIDITY_* environment overrides.
func (m *Manager) Load(userConfigDir string) error {
	path := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadConfig(path, m.userConfig); err != nil {
		return err
	}

	merged := *m.userConfig
	applyEnvOverrides(&merged)
	m.merged = &merged
	return nil
}

func (m *Manager) loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, cfg)
}

// applyEnvOverrides mutates cfg in place, letting any set LUCIDITY_*
// variable override the file-based value.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LUCIDITY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LUCIDITY_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxClients = n
		}
	}
	if v := os.Getenv("LUCIDITY_DISABLE_HOST"); v != "" {
		cfg.DisableHost = isTruthy(v)
	}
	if v := os.Getenv("LUCIDITY_PAIRING_AUTO_APPROVE"); v != "" {
		cfg.PairingAutoApprove = isTruthy(v)
	}
	if v := os.Getenv("LUCIDITY_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("LUCIDITY_RELAY_SECRET"); v != "" {
		cfg.RelaySecret = v
	}
	if v := os.Getenv("LUCIDITY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func isTruthy(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true"
}

// Get returns the merged configuration. Load must be called first.
func (m *Manager) Get() *Config {
	return m.merged
}

// SaveUserConfig writes the in-memory user config back to settings.json in
// userConfigDir. No command of the host binary calls it.
func (m *Manager) SaveUserConfig(userConfigDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userConfigDir, "settings.json"), data, 0644)
}

// SetUserConfig replaces the in-memory user config ahead of a Save.
func (m *Manager) SetUserConfig(cfg *Config) {
	m.userConfig = cfg
}
