// Package config loads and validates cnd's daemon configuration.
// Recognised keys and their effects are fixed by spec §6; any other
// top-level key is rejected at startup (spec §6, §7 Configuration error
// is fatal).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BitcoinNetwork is the Bitcoin network cnd connects to.
type BitcoinNetwork string

const (
	BitcoinMainnet BitcoinNetwork = "mainnet"
	BitcoinTestnet BitcoinNetwork = "testnet"
	BitcoinRegtest BitcoinNetwork = "regtest"
)

// Config is the root configuration document (spec §6).
type Config struct {
	HTTPAPI       HTTPAPIConfig       `yaml:"http_api"`
	Network       NetworkConfig       `yaml:"network"`
	Database      DatabaseConfig      `yaml:"database"`
	Bitcoin       BitcoinConfig       `yaml:"bitcoin"`
	Ethereum      EthereumConfig      `yaml:"ethereum"`
	Lightning     LightningConfig     `yaml:"lightning"`
	FinalityDepth FinalityDepthConfig `yaml:"finality_depth"`
	ExpiryPolicy  ExpiryPolicyConfig  `yaml:"expiry_policy"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPAPIConfig controls the control-surface bind address (spec §6: "http_api.socket.{address,port}").
type HTTPAPIConfig struct {
	Socket SocketConfig `yaml:"socket"`
}

// SocketConfig is a bind address/port pair.
type SocketConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// NetworkConfig controls the peer transport (spec §6: "network.listen[]").
type NetworkConfig struct {
	Listen         []string `yaml:"listen"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	EnableMDNS     bool     `yaml:"enable_mdns"`
	EnableDHT      bool     `yaml:"enable_dht"`
}

// DatabaseConfig controls event-log storage (spec §6: "database.sqlite").
type DatabaseConfig struct {
	SQLite string `yaml:"sqlite"`
}

// BitcoinConfig controls the Bitcoin ledger adapter.
type BitcoinConfig struct {
	NodeURL string         `yaml:"node_url"`
	Network BitcoinNetwork `yaml:"network"`
}

// EthereumConfig controls the Ethereum ledger adapter.
type EthereumConfig struct {
	NodeURL         string `yaml:"node_url"`
	HTLCContract    string `yaml:"htlc_contract"`
	ChainID         int64  `yaml:"chain_id"`
}

// LightningConfig controls the Lightning (lnd) ledger adapter.
type LightningConfig struct {
	Node     string `yaml:"node"`
	Macaroon string `yaml:"macaroon"`
	Cert     string `yaml:"cert"`
}

// FinalityDepthConfig is the per-ledger finality depth (spec §4.2).
type FinalityDepthConfig struct {
	Bitcoin  uint64 `yaml:"bitcoin"`
	Ethereum uint64 `yaml:"ethereum"`
}

// ExpiryPolicyConfig parameterises the policy function (ledger, role) ->
// expiry_delta used by the orderbook when proposing a swap (spec §4.4),
// and the safety margins enforced at negotiation (spec §3).
type ExpiryPolicyConfig struct {
	AlphaExpiryDelta  map[string]time.Duration `yaml:"alpha_expiry_delta"`
	BetaExpiryDelta   map[string]time.Duration `yaml:"beta_expiry_delta"`
	SafetyMargin      map[string]time.Duration `yaml:"safety_margin"`
}

// LoggingConfig controls the ambient logger (not in spec §6's list, but an
// ambient concern carried regardless of the HTTP/config Non-goal).
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config with conservative defaults (SPEC_FULL §9:
// safety margins chosen as Bitcoin finality + grace, Ethereum finality +
// grace).
func DefaultConfig() *Config {
	return &Config{
		HTTPAPI: HTTPAPIConfig{Socket: SocketConfig{Address: "127.0.0.1", Port: 8000}},
		Network: NetworkConfig{
			Listen:     []string{"/ip4/0.0.0.0/tcp/9939"},
			EnableMDNS: true,
			EnableDHT:  true,
		},
		Database: DatabaseConfig{SQLite: "~/.cnd/cnd.db"},
		Bitcoin:  BitcoinConfig{Network: BitcoinMainnet},
		FinalityDepth: FinalityDepthConfig{
			Bitcoin:  6,
			Ethereum: 20,
		},
		ExpiryPolicy: ExpiryPolicyConfig{
			AlphaExpiryDelta: map[string]time.Duration{"bitcoin": 144 * time.Hour / 24, "ethereum": 48 * time.Hour},
			BetaExpiryDelta:  map[string]time.Duration{"bitcoin": 72 * time.Hour / 24, "ethereum": 24 * time.Hour},
			SafetyMargin: map[string]time.Duration{
				"bitcoin":   7 * time.Hour,  // 6 blocks * 10min (1h) + 6h grace
				"ethereum":  14 * time.Minute, // 20 blocks (~4min) + 10min grace
				"lightning": 0,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// recognisedTopLevelKeys are the only keys spec §6 allows at the document root.
var recognisedTopLevelKeys = map[string]bool{
	"http_api": true, "network": true, "database": true, "bitcoin": true,
	"ethereum": true, "lightning": true, "finality_depth": true,
	"expiry_policy": true, "logging": true,
}

// Load reads and validates the YAML config at path. If the file does not
// exist, a default config is written there and returned (matching the
// teacher's create-on-first-run behaviour).
func Load(path string) (*Config, error) {
	expanded := expandPath(path)

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(expanded); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateKeys(data); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// validateKeys rejects any top-level key not in recognisedTopLevelKeys
// (spec §6: "Unknown keys are rejected at startup").
func validateKeys(data []byte) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	for key := range raw {
		if !recognisedTopLevelKeys[key] {
			return fmt.Errorf("unrecognised config key: %q", key)
		}
	}
	return nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# cnd daemon configuration\n# generated automatically on first run\n\n")
	return os.WriteFile(path, append(header, data...), 0600)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
