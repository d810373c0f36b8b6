package disperserd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"disperse/chain"
	"disperse/contracts"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for disperserd.
type Config struct {
	ListenAddress     string          `yaml:"listen" toml:"listen"`
	Env               string          `yaml:"env" toml:"env"`
	Chains            []ChainConfig   `yaml:"chains" toml:"chains"`
	DefaultChain      uint64          `yaml:"default_chain" toml:"default_chain"`
	SupportedChains   []uint64        `yaml:"supported_chains" toml:"supported_chains"`
	Keystore          KeystoreConfig  `yaml:"keystore" toml:"keystore"`
	AllowanceInterval Duration        `yaml:"allowance_interval" toml:"allowance_interval"`
	ReceiptInterval   Duration        `yaml:"receipt_interval" toml:"receipt_interval"`
	RPCRateLimit      RateLimitConfig `yaml:"rpc_rate_limit" toml:"rpc_rate_limit"`
	Contracts         ContractsConfig `yaml:"contracts" toml:"contracts"`
	History           int             `yaml:"history" toml:"history"`
	AllowedOrigins    []string        `yaml:"allowed_origins" toml:"allowed_origins"`
	Auth              AuthConfig      `yaml:"auth" toml:"auth"`
	Log               LogConfig       `yaml:"log" toml:"log"`
}

// ChainConfig describes one EVM network.
type ChainConfig struct {
	ID             uint64 `yaml:"id" toml:"id"`
	Name           string `yaml:"name" toml:"name"`
	RPC            string `yaml:"rpc" toml:"rpc"`
	CustomContract string `yaml:"custom_contract" toml:"custom_contract"`
}

// KeystoreConfig locates the sender key.
type KeystoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
	AutoConnect   bool   `yaml:"auto_connect" toml:"auto_connect"`
}

// RateLimitConfig bounds upstream JSON-RPC traffic.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" toml:"per_second"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// ContractsConfig overrides the built-in deployments and reference bytecode.
type ContractsConfig struct {
	Reference    string   `yaml:"reference_bytecode" toml:"reference_bytecode"`
	Legacy       string   `yaml:"legacy" toml:"legacy"`
	CreateX      string   `yaml:"createx" toml:"createx"`
	CacheEntries int      `yaml:"cache_entries" toml:"cache_entries"`
	AnchorChains []uint64 `yaml:"anchor_chains" toml:"anchor_chains"`
}

// AuthConfig names the environment variables holding the API credentials and
// the claims required of JWTs.
type AuthConfig struct {
	TokenEnv     string   `yaml:"token_env" toml:"token_env"`
	JWTSecretEnv string   `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer       string   `yaml:"issuer" toml:"issuer"`
	Audience     string   `yaml:"audience" toml:"audience"`
	ClockSkew    Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// Credentials resolves the configured credentials from the environment.
func (a AuthConfig) Credentials() Credentials {
	return Credentials{
		Token:     strings.TrimSpace(os.Getenv(a.TokenEnv)),
		JWTSecret: strings.TrimSpace(os.Getenv(a.JWTSecretEnv)),
		Issuer:    a.Issuer,
		Audience:  a.Audience,
		ClockSkew: a.ClockSkew.Duration,
	}
}

// LogConfig controls log verbosity and file output.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:7090"
	}
	for i := range cfg.Chains {
		cfg.Chains[i].Name = strings.TrimSpace(cfg.Chains[i].Name)
		cfg.Chains[i].RPC = strings.TrimSpace(cfg.Chains[i].RPC)
		cfg.Chains[i].CustomContract = strings.TrimSpace(cfg.Chains[i].CustomContract)
		if cfg.Chains[i].Name == "" {
			cfg.Chains[i].Name = fmt.Sprintf("chain-%d", cfg.Chains[i].ID)
		}
	}
	if cfg.DefaultChain == 0 && len(cfg.Chains) > 0 {
		cfg.DefaultChain = cfg.Chains[0].ID
	}
	if len(cfg.SupportedChains) == 0 {
		for _, c := range cfg.Chains {
			cfg.SupportedChains = append(cfg.SupportedChains, c.ID)
		}
	}
	if cfg.AllowanceInterval.Duration == 0 {
		cfg.AllowanceInterval.Duration = 5 * time.Second
	}
	if cfg.ReceiptInterval.Duration == 0 {
		cfg.ReceiptInterval.Duration = 2 * time.Second
	}
	if cfg.RPCRateLimit.PerSecond == 0 {
		cfg.RPCRateLimit.PerSecond = 20
	}
	if cfg.RPCRateLimit.Burst == 0 {
		cfg.RPCRateLimit.Burst = 40
	}
	cfg.Contracts.Reference = strings.TrimSpace(cfg.Contracts.Reference)
	if cfg.Contracts.Reference == "" {
		cfg.Contracts.Reference = contracts.ReferenceBytecode
	}
	if len(cfg.Contracts.AnchorChains) == 0 && cfg.DefaultChain != 0 {
		cfg.Contracts.AnchorChains = []uint64{cfg.DefaultChain}
	}
	if strings.TrimSpace(cfg.Contracts.Legacy) == "" {
		cfg.Contracts.Legacy = contracts.LegacyAddress.Hex()
	}
	if strings.TrimSpace(cfg.Contracts.CreateX) == "" {
		cfg.Contracts.CreateX = contracts.CreateXAddress.Hex()
	}
	if cfg.History <= 0 {
		cfg.History = 32
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = "DISPERSE_KEYSTORE_PASSPHRASE"
	}
	if cfg.Auth.TokenEnv == "" {
		cfg.Auth.TokenEnv = "DISPERSE_API_TOKEN"
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = "DISPERSE_API_JWT_SECRET"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[uint64]struct{}, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if c.ID == 0 {
			return fmt.Errorf("chain %q: id must be configured", c.Name)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("chain %d configured twice", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.RPC == "" {
			return fmt.Errorf("chain %d: rpc endpoint must be configured", c.ID)
		}
		if c.CustomContract != "" && !common.IsHexAddress(c.CustomContract) {
			return fmt.Errorf("chain %d: invalid custom_contract %q", c.ID, c.CustomContract)
		}
	}
	if _, ok := seen[cfg.DefaultChain]; !ok {
		return fmt.Errorf("default_chain %d is not a configured chain", cfg.DefaultChain)
	}
	for _, id := range cfg.SupportedChains {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("supported chain %d is not a configured chain", id)
		}
	}
	for _, id := range cfg.Contracts.AnchorChains {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("contracts.anchor_chains: chain %d is not a configured chain", id)
		}
	}
	if !common.IsHexAddress(cfg.Contracts.Legacy) {
		return fmt.Errorf("invalid legacy contract address %q", cfg.Contracts.Legacy)
	}
	if !common.IsHexAddress(cfg.Contracts.CreateX) {
		return fmt.Errorf("invalid createx contract address %q", cfg.Contracts.CreateX)
	}
	if cfg.AllowanceInterval.Duration < 0 || cfg.ReceiptInterval.Duration < 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if cfg.RPCRateLimit.PerSecond < 0 {
		return fmt.Errorf("rpc_rate_limit.per_second must not be negative")
	}
	if cfg.Auth.ClockSkew.Duration < 0 {
		return fmt.Errorf("auth.clock_skew must not be negative")
	}
	if cfg.Keystore.AutoConnect && strings.TrimSpace(cfg.Keystore.Path) == "" {
		return fmt.Errorf("keystore.auto_connect requires keystore.path")
	}
	return nil
}

// Networks converts the chain list for the RPC provider.
func (c Config) Networks() []chain.Network {
	out := make([]chain.Network, 0, len(c.Chains))
	for _, ch := range c.Chains {
		out = append(out, chain.Network{ID: ch.ID, Name: ch.Name, RPC: ch.RPC})
	}
	return out
}

// CustomContracts returns the configured per-chain custom deployments.
func (c Config) CustomContracts() map[uint64]common.Address {
	out := make(map[uint64]common.Address)
	for _, ch := range c.Chains {
		if ch.CustomContract != "" {
			out[ch.ID] = common.HexToAddress(ch.CustomContract)
		}
	}
	return out
}
