package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
  mode: debug
database:
  dsn: postgres://localhost/custodian
nonce:
  ledger: redis
ethereum:
  rpc: http://localhost:8545
  default_chain_id: 11155111
  chains:
    - chain_id: 137
      hardfork: london
  accounts:
    "0x00000000000000000000000000000000000000a1": 137
keystore:
  dir: /var/lib/custodian/keys
`

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleConfig), 0o600))
	chdir(t, dir)
	t.Setenv("REDIS_HOST", "redis.internal")

	cfg, err := ReadConfig("config")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.EqualValues(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "postgres", cfg.Storage.Driver, "default")
	assert.Equal(t, "redis", cfg.Nonce.Ledger)
	assert.Equal(t, "redis.internal", cfg.Redis.Host, "env overrides file")
	assert.Equal(t, "6379", cfg.Redis.Port)
	assert.EqualValues(t, 11155111, cfg.Ethereum.DefaultChainID)
	assert.Equal(t, 15*time.Second, cfg.Ethereum.RpcTimeout)
	require.Len(t, cfg.Ethereum.Chains, 1)
	assert.Equal(t, ChainConfig{ChainID: 137, Hardfork: "london"}, cfg.Ethereum.Chains[0])
	assert.EqualValues(t, 137, cfg.Ethereum.Accounts["0x00000000000000000000000000000000000000a1"])
	assert.Equal(t, 1024, cfg.Notifier.Buffer)
}

func TestReadConfigMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := ReadConfig("config")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.Storage.Driver = "postgres"
		c.Nonce.Ledger = "postgres"
		c.Database.DSN = "postgres://localhost/custodian"
		c.Ethereum.Rpc = "http://localhost:8545"
		c.Keystore.Dir = "/keys"
		return c
	}
	testCases := []struct {
		name        string
		mutate      func(c *Config)
		shouldError bool
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "Memory everything", mutate: func(c *Config) { c.Storage.Driver, c.Nonce.Ledger, c.Database.DSN = "memory", "memory", "" }},
		{name: "Redis ledger with memory store", mutate: func(c *Config) { c.Storage.Driver, c.Nonce.Ledger = "memory", "redis" }},
		{name: "Unknown driver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, shouldError: true},
		{name: "Unknown ledger", mutate: func(c *Config) { c.Nonce.Ledger = "etcd" }, shouldError: true},
		{name: "Memory ledger with postgres", mutate: func(c *Config) { c.Nonce.Ledger = "memory" }, shouldError: true},
		{name: "Postgres ledger with memory store", mutate: func(c *Config) { c.Storage.Driver = "memory" }, shouldError: true},
		{name: "Missing dsn", mutate: func(c *Config) { c.Database.DSN = "" }, shouldError: true},
		{name: "Missing rpc", mutate: func(c *Config) { c.Ethereum.Rpc = "" }, shouldError: true},
		{name: "Missing keystore", mutate: func(c *Config) { c.Keystore.Dir = "" }, shouldError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
