package hub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hubTestConfig() Config {
	cfg := DefaultConfig()
	cfg.ChainRPCURL = "http://127.0.0.1:8545"
	return cfg
}

func TestHubConfigValidate(t *testing.T) {
	cfg := hubTestConfig()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(*Config){
		"bad port":         func(c *Config) { c.Port = -1 },
		"no data dir":      func(c *Config) { c.DataDir = "" },
		"no chain url":     func(c *Config) { c.ChainRPCURL = "" },
		"bad entry point":  func(c *Config) { c.EntryPoint = "not-an-address" },
		"bad paymaster":    func(c *Config) { c.Paymaster = "0x123" },
		"bad port range":   func(c *Config) { c.Spawn.PortRangeEnd = c.Spawn.PortRangeStart - 1 },
		"zero tick":        func(c *Config) { c.Indexer.TickMs = 0 },
		"zero block range": func(c *Config) { c.Indexer.MaxBlockRange = 0 },
		"zero ring":        func(c *Config) { c.Logs.RingSize = 0 },
		"zero limit cap":   func(c *Config) { c.Logs.LimitCap = 0 },
		"zero window":      func(c *Config) { c.Telemetry.ActiveWindowSec = 0 },
		"zero analytics":   func(c *Config) { c.Analytics.MaxEntries = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := hubTestConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestHubConfigAddressAccessors(t *testing.T) {
	cfg := hubTestConfig()
	cfg.EntryPoint = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
	cfg.Paymaster = "0x3333333333333333333333333333333333333333"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"), cfg.EntryPointAddress())
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), cfg.PaymasterAddress())
}

func TestHubLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opshub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
adminToken: sekrit
dataDir: /tmp/opshub-test
chainRpcUrl: http://127.0.0.1:8545
entryPoint: "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
deployments:
  swapRouter: "0x4444444444444444444444444444444444444444"
indexer:
  tickMs: 1000
  watchAddresses:
    - "0x5555555555555555555555555555555555555555"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "sekrit", cfg.AdminToken)
	assert.Equal(t, "0x4444444444444444444444444444444444444444", cfg.Deployments["swapRouter"])
	// Unset fields keep their defaults, set ones override.
	assert.Equal(t, 1000, cfg.Indexer.TickMs)
	assert.Equal(t, 1000, cfg.Indexer.LookbackBlocks)
	assert.Equal(t, 5000, cfg.Logs.RingSize)
	require.Len(t, cfg.Indexer.WatchAddresses, 1)
}

func TestHubLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: -5\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
