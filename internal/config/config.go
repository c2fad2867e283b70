// Package config holds the node configuration.
//
// All swap parameters (limits, fees, timeouts, safety factors) are defined
// here and loaded from <data-dir>/config.yaml. Nothing else in the codebase
// should hardcode them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the LP node.
type Config struct {
	// Network is the bitcoin network: mainnet, testnet or regtest.
	Network NetworkType `yaml:"network"`

	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Bitcoind BitcoindConfig `yaml:"bitcoind"`
	LND      LNDConfig      `yaml:"lnd"`
	Chain    ChainConfig    `yaml:"chain"`
	Pricing  PricingConfig  `yaml:"pricing"`
	REST     RESTConfig     `yaml:"rest"`
	Swaps    SwapsConfig    `yaml:"swaps"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`

	// Backend selects the key-value store: "sqlite" or "bolt".
	Backend string `yaml:"backend"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// BitcoindConfig holds the bitcoind JSON-RPC connection.
type BitcoindConfig struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LNDConfig holds the LND gRPC connection.
type LNDConfig struct {
	Host         string        `yaml:"host"`
	TLSCertPath  string        `yaml:"tls_cert_path"`
	MacaroonPath string        `yaml:"macaroon_path"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ChainConfig holds the smart-contract chain (EVM) connection.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	ChainID uint64 `yaml:"chain_id"`

	// SwapContract is the escrow contract address.
	SwapContract string `yaml:"swap_contract"`
	// RelayContract is the bitcoin header relay contract address.
	RelayContract string `yaml:"relay_contract"`

	// MnemonicFile holds the bip39 mnemonic the signing key is derived from.
	MnemonicFile string `yaml:"mnemonic_file"`
	AccountIndex uint32 `yaml:"account_index"`

	// GasTipGwei is the priority tip offered on every transaction. Zero lets
	// the node suggest one.
	GasTipGwei uint64 `yaml:"gas_tip_gwei"`

	PollInterval time.Duration `yaml:"poll_interval"`
	// LogPageSize bounds the block range of a single eth_getLogs query.
	LogPageSize uint64 `yaml:"log_page_size"`
	// StartBlock is where event polling starts when no cursor is stored.
	StartBlock uint64 `yaml:"start_block"`
	// Confirmations is how many blocks behind the tip events are processed.
	Confirmations uint64        `yaml:"confirmations"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PricingConfig holds the fixed-rate price table.
type PricingConfig struct {
	Tokens map[string]TokenConfig `yaml:"tokens"`
}

// TokenConfig describes a token the node trades against BTC.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
	// PricePerBTC is how many whole tokens one BTC is worth, as a decimal
	// string.
	PricePerBTC string `yaml:"price_per_btc"`
}

// RESTConfig holds the HTTP surface settings.
type RESTConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.klingon-lp",
			Backend: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Bitcoind: BitcoindConfig{
			URL:     "http://127.0.0.1:8332",
			Timeout: 30 * time.Second,
		},
		LND: LNDConfig{
			Host:         "127.0.0.1:10009",
			TLSCertPath:  "~/.lnd/tls.cert",
			MacaroonPath: "~/.lnd/data/chain/bitcoin/mainnet/admin.macaroon",
			Timeout:      30 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:        "http://127.0.0.1:8545",
			ChainID:       1,
			MnemonicFile:  "mnemonic.txt",
			PollInterval:  5 * time.Second,
			LogPageSize:   2000,
			Confirmations: 1,
			Timeout:       30 * time.Second,
		},
		Pricing: PricingConfig{
			Tokens: map[string]TokenConfig{},
		},
		REST: RESTConfig{
			Listen: "127.0.0.1:24000",
		},
		Swaps: DefaultSwapsConfig(),
	}
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a handler.
func (c *Config) Validate() error {
	if _, err := c.Network.Params(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return c.Swaps.Validate()
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon LP Node Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ResolvePath expands ~ and makes relative paths relative to dataDir.
func ResolvePath(dataDir, path string) string {
	path = ExpandPath(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ExpandPath(dataDir), path)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
