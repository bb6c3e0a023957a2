package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// DefaultMinimumDeposit is 0.02 of a 1e18 base unit.
	DefaultMinimumDeposit    = "20000000000000000"
	DefaultSettlementTimeout = "10s"
	DefaultEnvironment       = "development"
)

// Config is the ledger node configuration.
type Config struct {
	Environment       string         `toml:"Environment"`
	MinimumDeposit    string         `toml:"MinimumDeposit"`
	Arbitrator        string         `toml:"Arbitrator"`
	ArbitratorKeyFile string         `toml:"ArbitratorKeyFile,omitempty"`
	DatabaseURL       string         `toml:"DatabaseURL"`
	SettlementTimeout string         `toml:"SettlementTimeout"`
	LogFile           string         `toml:"LogFile,omitempty"`
	Faucet            []FaucetCredit `toml:"Faucet,omitempty"`
}

// Load loads the configuration from the given path. A missing file is replaced
// by a default one with a freshly generated arbitrator key.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
	}

	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = DefaultEnvironment
	}
	if strings.TrimSpace(cfg.MinimumDeposit) == "" {
		cfg.MinimumDeposit = DefaultMinimumDeposit
	}
	if strings.TrimSpace(cfg.SettlementTimeout) == "" {
		cfg.SettlementTimeout = DefaultSettlementTimeout
	}
	if strings.TrimSpace(cfg.Arbitrator) == "" && cfg.ArbitratorKeyFile != "" {
		if err := arbitratorFromKey(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// arbitratorFromKey derives the arbitrator identity from the configured key
// file.
func arbitratorFromKey(cfg *Config) error {
	key, err := ethcrypto.LoadECDSA(cfg.ArbitratorKeyFile)
	if err != nil {
		return fmt.Errorf("load arbitrator key: %w", err)
	}
	cfg.Arbitrator = ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	keyPath := defaultKeyPath(path)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, err
	}
	if err := ethcrypto.SaveECDSA(keyPath, key); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:       DefaultEnvironment,
		MinimumDeposit:    DefaultMinimumDeposit,
		Arbitrator:        ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		ArbitratorKeyFile: keyPath,
		DatabaseURL:       "",
		SettlementTimeout: DefaultSettlementTimeout,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeyPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "arbitrator.key")
}
