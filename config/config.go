// Package config loads walletd configuration from YAML with environment overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all walletd configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Workers   WorkersConfig   `yaml:"workers"`
	Sites     SitesConfig     `yaml:"sites"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IdentityConfig is how the wallet host presents itself to pages and workers.
type IdentityConfig struct {
	Origin string `yaml:"origin"`
	URL    string `yaml:"url"`
}

// ServerConfig configures the HTTP endpoint pages connect to.
type ServerConfig struct {
	Listen           string         `yaml:"listen"`
	HandshakeTimeout string         `yaml:"handshake_timeout"`
	ShutdownTimeout  string         `yaml:"shutdown_timeout"`
	Manifest         ManifestConfig `yaml:"manifest"`
}

// ManifestConfig is the manifest served at /manifest.json.
type ManifestConfig struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Icons       map[string]string `yaml:"icons"`
}

// TransportConfig tunes every transport the host opens.
type TransportConfig struct {
	DefaultTimeout    string `yaml:"default_timeout"`
	StreamIdleTimeout string `yaml:"stream_idle_timeout"`
	MaxFrame          int    `yaml:"max_frame"`
	MaxChunk          int    `yaml:"max_chunk"`
	MaxReorderBuffer  int    `yaml:"max_reorder_buffer"`
}

// WorkersConfig selects where actions are proved.
type WorkersConfig struct {
	Mode   string `yaml:"mode"` // local, process
	Size   int    `yaml:"size"` // 0 = number of CPUs
	Binary string `yaml:"binary"`
	// ProofDelay slows the digest engine down to simulate proving cost.
	ProofDelay string `yaml:"proof_delay"`
}

// SitesConfig locates the connected-sites database.
type SitesConfig struct {
	Database string `yaml:"database"`
}

// WalletConfig holds the key material of a headless wallet.
type WalletConfig struct {
	SpendKey    string `yaml:"spend_key"` // hex; empty keeps the wallet locked
	AutoApprove bool   `yaml:"auto_approve"`
	Addresses   uint32 `yaml:"addresses"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			Origin: "walletd://host",
		},
		Server: ServerConfig{
			Listen:           "127.0.0.1:7420",
			HandshakeTimeout: "10s",
			ShutdownTimeout:  "5s",
			Manifest: ManifestConfig{
				Name:        "Shieldwire",
				Version:     "0.4.0",
				Description: "Shielded wallet host",
				Icons:       map[string]string{"128": "icons/128.png"},
			},
		},
		Transport: TransportConfig{
			DefaultTimeout:    "2m",
			StreamIdleTimeout: "20s",
			MaxFrame:          3_670_016,
			MaxChunk:          262_144,
			MaxReorderBuffer:  64,
		},
		Workers: WorkersConfig{
			Mode: "local",
			Size: 0,
		},
		Sites: SitesConfig{
			Database: "data/sites.db",
		},
		Wallet: WalletConfig{
			Addresses: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WALLETD_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("WALLETD_SITES_DB"); v != "" {
		c.Sites.Database = v
	}
	if v := os.Getenv("WALLETD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WALLETD_WORKER_BINARY"); v != "" {
		c.Workers.Binary = v
		c.Workers.Mode = "process"
	}
	if v := os.Getenv("WALLETD_SPEND_KEY"); v != "" {
		c.Wallet.SpendKey = v
	}
	if v := os.Getenv("WALLETD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Size = n
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetDefaultTimeout returns the default request timeout.
func (c *Config) GetDefaultTimeout() time.Duration {
	return parseDuration(c.Transport.DefaultTimeout, 2*time.Minute)
}

// GetStreamIdleTimeout returns how long a stream may go without a chunk.
func (c *Config) GetStreamIdleTimeout() time.Duration {
	return parseDuration(c.Transport.StreamIdleTimeout, 20*time.Second)
}

// GetHandshakeTimeout returns how long a new connection may take to be admitted.
func (c *Config) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.Server.HandshakeTimeout, 10*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown budget.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 5*time.Second)
}

// GetProofDelay returns the simulated proving cost.
func (c *Config) GetProofDelay() time.Duration {
	return parseDuration(c.Workers.ProofDelay, 0)
}

// GetSpendKey decodes the configured spend key.
func (c *Config) GetSpendKey() ([]byte, error) {
	if c.Wallet.SpendKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Wallet.SpendKey)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet.spend_key: %w", err)
	}
	return key, nil
}

// ValidWorkerModes lists the supported worker modes.
var ValidWorkerModes = []string{"local", "process"}

// ValidLogLevels lists the supported log levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Identity.Origin == "" {
		return fmt.Errorf("identity.origin must be set")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Server.Manifest.Name == "" || c.Server.Manifest.Version == "" {
		return fmt.Errorf("server.manifest needs a name and a version")
	}
	for name, d := range map[string]string{
		"transport.default_timeout":     c.Transport.DefaultTimeout,
		"transport.stream_idle_timeout": c.Transport.StreamIdleTimeout,
		"server.handshake_timeout":      c.Server.HandshakeTimeout,
		"server.shutdown_timeout":       c.Server.ShutdownTimeout,
		"workers.proof_delay":           c.Workers.ProofDelay,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Transport.MaxFrame < 0 || c.Transport.MaxChunk < 0 || c.Transport.MaxReorderBuffer < 0 {
		return fmt.Errorf("transport limits must not be negative")
	}
	if !contains(ValidWorkerModes, c.Workers.Mode) {
		return fmt.Errorf("invalid workers.mode: %s (valid: %v)", c.Workers.Mode, ValidWorkerModes)
	}
	if c.Workers.Size < 0 {
		return fmt.Errorf("workers.size must not be negative")
	}
	if _, err := c.GetSpendKey(); err != nil {
		return err
	}
	if !contains(ValidLogLevels, c.Logging.Level) {
		return fmt.Errorf("invalid logging.level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s (valid: json, console)", c.Logging.Format)
	}
	return nil
}
