package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress string      `toml:"ListenAddress"`
	DataDir       string      `toml:"DataDir"`
	Env           string      `toml:"Env"`
	RateLimit     RateLimit   `toml:"RateLimit"`
	Assets        []AssetSpec `toml:"Assets"`
}

// RateLimit bounds gateway request rates per client.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// AssetSpec declares a vesting policy registered at boot. Durations are in
// seconds; AggregateCap is a decimal 1e18-scaled integer, empty for no cap.
type AssetSpec struct {
	Symbol       string `toml:"Symbol"`
	MinDuration  int64  `toml:"MinDuration"`
	MaxDuration  int64  `toml:"MaxDuration"`
	AggregateCap string `toml:"AggregateCap"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		ListenAddress: ":8545",
		DataDir:       "./dlp-data",
		Env:           "dev",
		RateLimit: RateLimit{
			RequestsPerMinute: 600,
			Burst:             30,
		},
	}
}

// Load reads the configuration at path, falling back to defaults for unset
// fields. An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("config: RateLimit.RequestsPerMinute must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: RateLimit.Burst must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return fmt.Errorf("config: Assets[%d].Symbol required", i)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("config: duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
		if asset.MinDuration <= 0 {
			return fmt.Errorf("config: asset %s MinDuration must be positive", symbol)
		}
		if asset.MaxDuration < asset.MinDuration {
			return fmt.Errorf("config: asset %s MaxDuration below MinDuration", symbol)
		}
		if _, err := asset.Cap(); err != nil {
			return err
		}
	}
	return nil
}

// Cap parses the aggregate cap; nil means no cap.
func (a AssetSpec) Cap() (*big.Int, error) {
	trimmed := strings.TrimSpace(a.AggregateCap)
	if trimmed == "" {
		return nil, nil
	}
	cap, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || cap.Sign() < 0 {
		return nil, fmt.Errorf("config: asset %s has invalid AggregateCap %q", a.Symbol, a.AggregateCap)
	}
	return cap, nil
}
