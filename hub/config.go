// Package hub implements the operations hub: the bundler registry and
// supervisor, the chain indexer, the log hub, telemetry and analytics
// stores, and the HTTP API tying them together.
package hub

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	yaml "gopkg.in/yaml.v2"
)

// Config holds the full operations hub configuration, loaded from YAML.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`
	// AdminToken is the shared bearer token guarding admin endpoints.
	// Empty disables admin endpoints entirely.
	AdminToken string `yaml:"adminToken"`
	// DataDir roots all on-disk state: logs/, chain/, bundlers/.
	DataDir string `yaml:"dataDir"`
	// ChainRPCURL is the Ethereum JSON-RPC endpoint shared with spawned
	// bundlers.
	ChainRPCURL string `yaml:"chainRpcUrl"`

	// EntryPoint and Paymaster are hex contract addresses. Kept as strings
	// for YAML decoding; use the accessor methods.
	EntryPoint string `yaml:"entryPoint"`
	Paymaster  string `yaml:"paymaster"`

	// Deployments is the address book served on GET /deployments.
	Deployments map[string]string `yaml:"deployments"`

	Spawn     SpawnConfig     `yaml:"spawn"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Logs      LogStoreConfig  `yaml:"logs"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Analytics AnalyticsConfig `yaml:"analytics"`

	// HealthProbeMs is the registry health-probe period.
	HealthProbeMs int `yaml:"healthProbeMs"`
}

// SpawnConfig controls how the supervisor launches bundler children.
type SpawnConfig struct {
	// Binary is the bundler executable path.
	Binary string `yaml:"binary"`
	// BaseConfig is the bundler config template merged per spawn.
	BaseConfig string `yaml:"baseConfig"`
	// PortRangeStart and PortRangeEnd bound the free-port search.
	PortRangeStart int `yaml:"portRangeStart"`
	PortRangeEnd   int `yaml:"portRangeEnd"`
	// WalletKeyEnv names the env var passed through to children.
	WalletKeyEnv string `yaml:"walletKeyEnv"`
}

// IndexerConfig controls the chain scan.
type IndexerConfig struct {
	Enabled        bool `yaml:"enabled"`
	TickMs         int  `yaml:"tickMs"`
	LookbackBlocks int  `yaml:"lookbackBlocks"`
	MaxBlockRange  int  `yaml:"maxBlockRange"`
	// WalletAnalytics enables per-address balance/nonce tracking over the
	// addresses listed in WatchAddresses.
	WalletAnalytics bool     `yaml:"walletAnalytics"`
	WatchAddresses  []string `yaml:"watchAddresses"`
}

// LogStoreConfig controls the in-memory ring and query caps.
type LogStoreConfig struct {
	RingSize int `yaml:"ringSize"`
	LimitCap int `yaml:"limitCap"`
}

// TelemetryConfig controls session accounting.
type TelemetryConfig struct {
	ActiveWindowSec int `yaml:"activeWindowSec"`
}

// AnalyticsConfig controls the intent summary store.
type AnalyticsConfig struct {
	MaxEntries int `yaml:"maxEntries"`
}

// EntryPointAddress returns the parsed entry-point address.
func (c *Config) EntryPointAddress() common.Address {
	return common.HexToAddress(c.EntryPoint)
}

// PaymasterAddress returns the parsed paymaster address.
func (c *Config) PaymasterAddress() common.Address {
	return common.HexToAddress(c.Paymaster)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:    8080,
		DataDir: "data",
		Spawn: SpawnConfig{
			PortRangeStart: 4337,
			PortRangeEnd:   4437,
			WalletKeyEnv:   "BUNDLER_WALLET_KEY",
		},
		Indexer: IndexerConfig{
			Enabled:        true,
			TickMs:         5000,
			LookbackBlocks: 1000,
			MaxBlockRange:  2000,
		},
		Logs: LogStoreConfig{
			RingSize: 5000,
			LimitCap: 2000,
		},
		Telemetry: TelemetryConfig{
			ActiveWindowSec: 30,
		},
		Analytics: AnalyticsConfig{
			MaxEntries: 10000,
		},
		HealthProbeMs: 5000,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("config: dataDir must not be empty")
	}
	if c.ChainRPCURL == "" {
		return errors.New("config: chainRpcUrl must not be empty")
	}
	if c.EntryPoint != "" && !common.IsHexAddress(c.EntryPoint) {
		return fmt.Errorf("config: invalid entryPoint address: %s", c.EntryPoint)
	}
	if c.Paymaster != "" && !common.IsHexAddress(c.Paymaster) {
		return fmt.Errorf("config: invalid paymaster address: %s", c.Paymaster)
	}
	if c.Spawn.PortRangeStart <= 0 || c.Spawn.PortRangeEnd < c.Spawn.PortRangeStart {
		return fmt.Errorf("config: invalid spawn port range [%d, %d]",
			c.Spawn.PortRangeStart, c.Spawn.PortRangeEnd)
	}
	if c.Indexer.TickMs <= 0 {
		return fmt.Errorf("config: invalid indexer tick: %d", c.Indexer.TickMs)
	}
	if c.Indexer.MaxBlockRange <= 0 {
		return fmt.Errorf("config: invalid max block range: %d", c.Indexer.MaxBlockRange)
	}
	if c.Logs.RingSize <= 0 {
		return fmt.Errorf("config: invalid log ring size: %d", c.Logs.RingSize)
	}
	if c.Logs.LimitCap <= 0 {
		return fmt.Errorf("config: invalid log limit cap: %d", c.Logs.LimitCap)
	}
	if c.Telemetry.ActiveWindowSec <= 0 {
		return fmt.Errorf("config: invalid active window: %d", c.Telemetry.ActiveWindowSec)
	}
	if c.Analytics.MaxEntries <= 0 {
		return fmt.Errorf("config: invalid analytics cap: %d", c.Analytics.MaxEntries)
	}
	return nil
}

// LoadConfig reads a Config from a YAML file, layered over defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
