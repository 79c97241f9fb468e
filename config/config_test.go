package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TEST160: A missing file yields valid defaults
func Test160_defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Workers.Mode)
	assert.Equal(t, 2*time.Minute, cfg.GetDefaultTimeout())
	assert.Equal(t, 20*time.Second, cfg.GetStreamIdleTimeout())
	assert.Equal(t, time.Duration(0), cfg.GetProofDelay())
}

// TEST161: Saved configuration loads back unchanged
func Test161_save_load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "walletd.yaml")
	cfg := DefaultConfig()
	cfg.Workers.Mode = "process"
	cfg.Workers.Binary = "/usr/local/bin/walletd"
	cfg.Transport.DefaultTimeout = "45s"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 45*time.Second, loaded.GetDefaultTimeout())
}

// TEST162: Partial files keep defaults for everything they leave out
func Test162_partial_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9000\"\nlogging:\n  level: debug\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "Shieldwire", cfg.Server.Manifest.Name)
	assert.Equal(t, "data/sites.db", cfg.Sites.Database)

	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

// TEST163: Environment variables override file values
func Test163_env_overrides(t *testing.T) {
	t.Setenv("WALLETD_LISTEN", "0.0.0.0:1234")
	t.Setenv("WALLETD_SITES_DB", "/tmp/sites.db")
	t.Setenv("WALLETD_LOG_LEVEL", "warn")
	t.Setenv("WALLETD_WORKER_BINARY", "/opt/walletd")
	t.Setenv("WALLETD_WORKERS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:1234", cfg.Server.Listen)
	assert.Equal(t, "/tmp/sites.db", cfg.Sites.Database)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "process", cfg.Workers.Mode)
	assert.Equal(t, "/opt/walletd", cfg.Workers.Binary)
	assert.Equal(t, 3, cfg.Workers.Size)
}

// TEST164: Validate rejects unknown modes, levels and bad durations
func Test164_validate(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":     func(c *Config) { c.Workers.Mode = "gpu" },
		"level":    func(c *Config) { c.Logging.Level = "loud" },
		"format":   func(c *Config) { c.Logging.Format = "xml" },
		"duration": func(c *Config) { c.Transport.DefaultTimeout = "soon" },
		"origin":   func(c *Config) { c.Identity.Origin = "" },
		"size":     func(c *Config) { c.Workers.Size = -1 },
		"manifest": func(c *Config) { c.Server.Manifest.Name = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TEST165: The spend key is hex and an empty key means a locked wallet
func Test165_spend_key(t *testing.T) {
	cfg := DefaultConfig()
	key, err := cfg.GetSpendKey()
	require.NoError(t, err)
	assert.Nil(t, key)
	assert.Equal(t, uint32(16), cfg.Wallet.Addresses)

	t.Setenv("WALLETD_SPEND_KEY", "00ff")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	key, err = cfg.GetSpendKey()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, key)

	cfg.Wallet.SpendKey = "zz"
	assert.Error(t, cfg.Validate())
}
