package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	MetricsAddress  string `toml:"MetricsAddress"`
	DataDir         string `toml:"DataDir"`
	NetworkName     string `toml:"NetworkName"`
	KeystorePath    string `toml:"KeystorePath"`
	OriginationBps  uint64 `toml:"OriginationFeeBps"`
	LateFeeBps      uint64 `toml:"LateFeeBps"`
	MaxInstallments uint64 `toml:"MaxInstallments"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DataDir is required")
	}
	if c.OriginationBps > 10_000 {
		return fmt.Errorf("OriginationFeeBps out of range: %d", c.OriginationBps)
	}
	if c.LateFeeBps > 10_000 {
		return fmt.Errorf("LateFeeBps out of range: %d", c.LateFeeBps)
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   "127.0.0.1:8679",
		MetricsAddress:  "127.0.0.1:9679",
		DataDir:         "./loanchain-data",
		NetworkName:     "loanchain-local",
		KeystorePath:    "./loanchain-data/fee_collector.keystore",
		OriginationBps:  0,
		LateFeeBps:      50,
		MaxInstallments: 1_000_000,
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
