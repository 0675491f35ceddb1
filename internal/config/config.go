// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the process-wide TOML configuration (plus
// QGOV_-prefixed environment overrides), the way the teacher's own
// config package layers viper over a TOML file next to the database.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/s0up4200/qgov/internal/crypto"
)

// Config is the top-level process configuration.
type Config struct {
	v *viper.Viper

	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	DatabasePath  string `mapstructure:"databasePath"`
	GlobalProxy   string `mapstructure:"globalProxy"`
	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	AutoRemoveEnabled     bool `mapstructure:"autoRemoveEnabled"`
	AutoRemoveInterval    int  `mapstructure:"autoRemoveInterval"`
	AutoRemoveSleep       int  `mapstructure:"autoRemoveSleep"`
	AutoRemoveReannounce  bool `mapstructure:"autoRemoveReannounce"`
	AutoRemoveDeleteFiles bool `mapstructure:"autoRemoveDeleteFiles"`

	// NotifyURLs are shoutrrr service URLs for the best-effort notifier;
	// empty means notifications are a no-op.
	NotifyURLs []string `mapstructure:"notifyURLs"`

	MetricsEnabled        bool   `mapstructure:"metricsEnabled"`
	MetricsHost           string `mapstructure:"metricsHost"`
	MetricsPort           int    `mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `mapstructure:"metricsBasicAuthUsers"`

	// EncryptionKey is a hex-encoded 32-byte AES-256 key used to decrypt
	// qBittorrent instance passwords at rest (internal/crypto). Generated
	// once into the default config file on first run; rotating it orphans
	// every already-stored instance password.
	EncryptionKey string `mapstructure:"encryptionKey"`

	configDir string
}

const envPrefix = "QGOV"

// New loads configPath (creating a default file alongside it if absent)
// and layers QGOV_-prefixed environment overrides on top. Grounded on
// the teacher's config.New(path)/GetDatabasePath shape.
func New(configPath string) (*Config, error) {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory %s: %w", dir, err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		key, err := crypto.GenerateSecureToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
		if err := os.WriteFile(configPath, []byte(defaultTOML+"encryptionKey = \""+key+"\"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 7475)
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("autoRemoveEnabled", true)
	v.SetDefault("autoRemoveInterval", 60)
	v.SetDefault("autoRemoveSleep", 5)
	v.SetDefault("autoRemoveReannounce", true)
	v.SetDefault("autoRemoveDeleteFiles", true)
	v.SetDefault("metricsEnabled", true)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9090)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{v: v, configDir: dir}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	return cfg, nil
}

// GetDatabasePath returns the configured database path, defaulting to
// qgov.db next to the config file for backward-compatible configs that
// omit it.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.configDir, "qgov.db")
}

// GetEncryptor builds the AES-GCM encryptor for instance passwords from
// EncryptionKey. A config file that predates this field (no key set)
// yields a nil encryptor, and callers fall back to storing/reading
// instance passwords in plaintext.
func (c *Config) GetEncryptor() (*crypto.AESEncryptor, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryptionKey: %w", err)
	}
	return crypto.NewAESEncryptor(key)
}

const defaultTOML = `# qgov config.toml - auto-generated on first run

host = "0.0.0.0"
port = 7475

# Log level: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Auto-remove loop defaults (spec bounds: interval [30,3600]s, sleep [1,60]s)
autoRemoveEnabled = true
autoRemoveInterval = 60
autoRemoveSleep = 5
autoRemoveReannounce = true
autoRemoveDeleteFiles = true

# shoutrrr service URLs for best-effort notifications; leave empty to disable
notifyURLs = []

# Prometheus /metrics server
metricsEnabled = true
metricsHost = "127.0.0.1"
metricsPort = 9090
metricsBasicAuthUsers = ""
`
