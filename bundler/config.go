// Package bundler implements the bundler engine: a JSON-RPC service that
// admits user intents, keeps them in a mempool, packs them into bundle
// transactions against the entry-point, and decodes the on-chain outcome
// for each intent.
package bundler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultClientVersion identifies the engine on web3_clientVersion.
const DefaultClientVersion = "gasless-bundler/v0.7.0"

// PolicyConfig holds the per-instance admission policy knobs. Fee floors
// are expressed in gwei in config and compared in wei at admission time.
type PolicyConfig struct {
	// Strict enables full simulateValidation before accepting an intent.
	Strict bool `json:"strict"`
	// MinPriorityFeeGwei rejects intents whose maxPriorityFeePerGas is
	// below this floor.
	MinPriorityFeeGwei float64 `json:"minPriorityFeeGwei"`
	// MinMaxFeeGwei rejects intents whose maxFeePerGas is below this floor.
	MinMaxFeeGwei float64 `json:"minMaxFeeGwei"`
	// MinValidUntilSeconds rejects intents whose validity window closes
	// sooner than now + this many seconds (strict mode only).
	MinValidUntilSeconds uint64 `json:"minValidUntilSeconds"`
	// DelayMs sleeps after acceptance, before a bundle attempt. Demo knob.
	DelayMs int `json:"delayMs"`
	// FailureRate injects random admission failures in [0,1]. Demo knob.
	FailureRate float64 `json:"failureRate"`
}

// Config holds the full configuration of one bundler instance. The
// operations hub writes this struct to bundlers/<id>/bundler.config.json
// when spawning; the binary reads it back.
type Config struct {
	// Service is the observability service identifier stamped on every
	// emitted log event. The hub sets it to the instance id.
	Service string `json:"service"`
	// Port is the JSON-RPC listen port.
	Port int `json:"port"`
	// ChainRPCURL is the Ethereum JSON-RPC endpoint.
	ChainRPCURL string `json:"chainRpcUrl"`
	// EntryPoint is the supported entry-point contract address.
	EntryPoint common.Address `json:"entryPoint"`
	// Beneficiary receives bundle gas refunds. The zero address means
	// "use the wallet's own address" (the contract requires non-zero).
	Beneficiary common.Address `json:"beneficiary"`
	// WalletKeyEnv names the environment variable holding the submission
	// wallet's hex private key. The key itself never appears in config.
	WalletKeyEnv string `json:"walletKeyEnv"`
	// BundleIntervalMs is the wall-clock bundling trigger.
	BundleIntervalMs int `json:"bundleIntervalMs"`
	// MempoolSizeTrigger fires a bundle attempt once this many intents
	// are pending. Also caps bundle size (max 25).
	MempoolSizeTrigger int `json:"mempoolSizeTrigger"`
	// MaxBundleGas is the gas limit of one bundle transaction.
	MaxBundleGas uint64 `json:"maxBundleGas"`
	// LogIngestURL, when set, mirrors structured events to the hub.
	LogIngestURL string `json:"logIngestUrl,omitempty"`
	// ClientVersion overrides the web3_clientVersion response.
	ClientVersion string `json:"clientVersion,omitempty"`

	Policy PolicyConfig `json:"policy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Service:            "bundler",
		Port:               4337,
		WalletKeyEnv:       "BUNDLER_WALLET_KEY",
		BundleIntervalMs:   3000,
		MempoolSizeTrigger: 10,
		MaxBundleGas:       10_000_000,
		Policy: PolicyConfig{
			Strict:               false,
			MinPriorityFeeGwei:   0,
			MinMaxFeeGwei:        0,
			MinValidUntilSeconds: 30,
		},
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Service == "" {
		return errors.New("config: service must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	if c.ChainRPCURL == "" {
		return errors.New("config: chainRpcUrl must not be empty")
	}
	if c.EntryPoint == (common.Address{}) {
		return errors.New("config: entryPoint must not be zero")
	}
	if c.BundleIntervalMs <= 0 {
		return fmt.Errorf("config: invalid bundle interval: %d", c.BundleIntervalMs)
	}
	if c.MempoolSizeTrigger <= 0 {
		return fmt.Errorf("config: invalid mempool size trigger: %d", c.MempoolSizeTrigger)
	}
	if c.MaxBundleGas == 0 {
		return errors.New("config: maxBundleGas must not be zero")
	}
	if c.Policy.FailureRate < 0 || c.Policy.FailureRate > 1 {
		return fmt.Errorf("config: failureRate out of range: %v", c.Policy.FailureRate)
	}
	if c.Policy.DelayMs < 0 {
		return fmt.Errorf("config: negative delayMs: %d", c.Policy.DelayMs)
	}
	return nil
}

// Version returns the configured client version or the default.
func (c *Config) Version() string {
	if c.ClientVersion != "" {
		return c.ClientVersion
	}
	return DefaultClientVersion
}

// LoadConfig reads a Config from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteConfig writes a Config as indented JSON, creating parent
// directories as needed. The hub uses this when materializing spawned
// instance configs.
func WriteConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
