package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/config"
	"github.com/machinefabric/shieldwire-go/provider"
	"github.com/machinefabric/shieldwire-go/workers"
)

// writeConfig saves a quiet configuration with its database in a temp dir.
func writeConfig(t *testing.T, edit func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Sites.Database = filepath.Join(dir, "sites.db")
	cfg.Logging.Level = "error"
	if edit != nil {
		edit(cfg)
	}
	path := filepath.Join(dir, "walletd.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// TEST190: The root command carries every subcommand and the global flags
func Test190_command_tree(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "worker", "manifest", "sites"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "command %s should exist", name)
		assert.Equal(t, name, sub.Name())
	}
	for _, name := range []string{"approve", "deny", "revoke", "list"} {
		sub, _, err := cmd.Find([]string{"sites", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "walletd.yaml", flag.DefValue)
	flag = cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, flag)
	assert.Equal(t, "v", flag.Shorthand)
}

// TEST191: The manifest command prints a manifest that passes the schema
func Test191_manifest_command(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Server.Manifest.Name = "Test Wallet" })
	out, err := execute(t, "--config", path, "manifest")
	require.NoError(t, err)

	m, err := provider.ParseManifest([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, "Test Wallet", m.Name)
	assert.Equal(t, "0.4.0", m.Version)
}

// TEST192: Sites can be approved, listed and revoked from the command line
func Test192_sites_commands(t *testing.T) {
	path := writeConfig(t, nil)

	out, err := execute(t, "--config", path, "sites", "approve", "https://app.example")
	require.NoError(t, err)
	assert.Contains(t, out, "approved https://app.example")
	_, err = execute(t, "--config", path, "sites", "deny", "https://evil.example")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "sites", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ORIGIN")
	assert.Regexp(t, `https://app\.example\s+approved`, out)
	assert.Regexp(t, `https://evil\.example\s+denied`, out)

	_, err = execute(t, "--config", path, "sites", "revoke", "https://app.example")
	require.NoError(t, err)
	_, err = execute(t, "--config", path, "sites", "revoke", "https://app.example")
	assert.Error(t, err)

	out, err = execute(t, "--config", path, "sites", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "app.example")
}

// TEST193: An invalid configuration stops every command before it runs
func Test193_invalid_config(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Workers.Mode = "cluster" })
	_, err := execute(t, "--config", path, "manifest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers.mode")

	bad := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: ["), 0o644))
	_, err = execute(t, "--config", bad, "manifest")
	assert.Error(t, err)
}

// TEST194: serve comes up on an ephemeral port and shuts down when cancelled
func Test194_serve_shutdown(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Server.Listen = "127.0.0.1:0" })
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", path, "serve"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

// TEST195: The pool follows the configured worker mode
func Test195_pool_mode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers.Size = 3
	opts := &rootOptions{cfg: cfg, ConfigPath: "walletd.yaml", logger: zap.NewNop()}

	pool, err := newPool(opts, nil)
	require.NoError(t, err)
	local, ok := pool.(*workers.LocalPool)
	require.True(t, ok)
	assert.Equal(t, 3, local.Size())
	require.NoError(t, pool.Close())

	cfg.Workers.Mode = "process"
	cfg.Workers.Binary = "/bin/false"
	pool, err = newPool(opts, nil)
	require.NoError(t, err)
	_, ok = pool.(*workers.ProcessPool)
	assert.True(t, ok)
	require.NoError(t, pool.Close())
}
