package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the process configuration. Values come from an optional YAML
// file (CONFIG_FILE) with env vars layered on top; env always wins.
type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	RPCURLs        string `yaml:"rpc_urls"` // comma-separated
	ChainID        int64  `yaml:"chain_id"`
	APIPort        string `yaml:"api_port"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	ScannerBaseURL string `yaml:"scanner_base_url"`
	PriceOracleURL string `yaml:"price_oracle_url"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		APIPort:        "8080",
		PollIntervalMs: 15000,
		ChainID:        57073,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RPCURLs == "" {
		return nil, fmt.Errorf("RPC_URL or RPC_URLS is required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RPC_URLS"); v != "" {
		cfg.RPCURLs = v
	} else if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURLs = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = n
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.APIPort = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollIntervalMs = n
		}
	}
	if v := os.Getenv("SCANNER_BASE_URL"); v != "" {
		cfg.ScannerBaseURL = v
	}
	if v := os.Getenv("PRICE_ORACLE_URL"); v != "" {
		cfg.PriceOracleURL = v
	}
}

// RPCEndpoints splits the configured RPC URL list.
func (c *Config) RPCEndpoints() []string {
	parts := strings.Split(c.RPCURLs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnvInt reads an integer env var with a default. Shared by main and the
// status endpoint so both report the same effective values.
func GetEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}

func GetEnvInt64(key string, defaultVal int64) int64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseInt(valStr, 10, 64); err == nil {
			return val
		}
	}
	return defaultVal
}
