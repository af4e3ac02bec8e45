// Copyright 2025 Certen Protocol
//
// Package config centralizes the sequencer's environment- and
// YAML-file-sourced configuration, following the validator's own
// getEnv* helper idiom for environment parsing and adding an optional
// YAML overlay via gopkg.in/yaml.v3 for operators who prefer a config
// file over a long list of environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the sequencer binary needs at startup.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Tree
	TreeDepth int `yaml:"tree_depth"`

	// Batch former
	BatchSizes       []int         `yaml:"batch_sizes"`
	BatchMaxWait     time.Duration `yaml:"batch_max_wait"`
	BatchPollInterval time.Duration `yaml:"batch_poll_interval"`

	// Prover
	ProverURLs   []string      `yaml:"prover_urls"`
	ProverTimeout time.Duration `yaml:"prover_timeout"`

	// Chain
	ChainRPCURL         string `yaml:"chain_rpc_url"`
	IdentityManagerAddr string `yaml:"identity_manager_address"`
	OffChainMode        bool   `yaml:"off_chain_mode"`

	// Relayer
	RelayerKind      string `yaml:"relayer_kind"` // "defender" or "tx-sitter"
	RelayerURL       string `yaml:"relayer_url"`
	RelayerAPIKey    string `yaml:"relayer_api_key"`
	RelayerAPISecret string `yaml:"relayer_api_secret"`

	// Cache / recovery
	CacheFilePath string `yaml:"cache_file_path"`

	// HTTP API
	MaxRootAgeSeconds int64 `yaml:"max_root_age_seconds"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns safe, development-friendly defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        "0.0.0.0:8080",
		TreeDepth:         20,
		BatchSizes:        []int{1, 10, 100},
		BatchMaxWait:      5 * time.Second,
		BatchPollInterval: 250 * time.Millisecond,
		ProverTimeout:     30 * time.Second,
		RelayerKind:       "tx-sitter",
		CacheFilePath:     "./sequencer-cache.json",
		MaxRootAgeSeconds: 3600,
		LogLevel:          "info",
	}
}

// Load builds a Config from environment variables, optionally
// overlaying a YAML file named by the CONFIG_FILE environment
// variable (or the configPath argument, which takes priority).
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path := configPath
	if path == "" {
		path = getEnv("CONFIG_FILE", "")
	}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.TreeDepth = getEnvInt("TREE_DEPTH", cfg.TreeDepth)
	cfg.BatchSizes = parseIntList(getEnv("BATCH_SIZES", ""), cfg.BatchSizes)
	cfg.BatchMaxWait = getEnvDuration("BATCH_MAX_WAIT", cfg.BatchMaxWait)
	cfg.BatchPollInterval = getEnvDuration("BATCH_POLL_INTERVAL", cfg.BatchPollInterval)
	cfg.ProverURLs = parseStringList(getEnv("PROVER_URLS", ""), cfg.ProverURLs)
	cfg.ProverTimeout = getEnvDuration("PROVER_TIMEOUT", cfg.ProverTimeout)
	cfg.ChainRPCURL = getEnv("CHAIN_RPC_URL", cfg.ChainRPCURL)
	cfg.IdentityManagerAddr = getEnv("IDENTITY_MANAGER_ADDRESS", cfg.IdentityManagerAddr)
	cfg.OffChainMode = getEnvBool("OFF_CHAIN_MODE", cfg.OffChainMode)
	cfg.RelayerKind = getEnv("RELAYER_KIND", cfg.RelayerKind)
	cfg.RelayerURL = getEnv("RELAYER_URL", cfg.RelayerURL)
	cfg.RelayerAPIKey = getEnv("RELAYER_API_KEY", cfg.RelayerAPIKey)
	cfg.RelayerAPISecret = getEnv("RELAYER_API_SECRET", cfg.RelayerAPISecret)
	cfg.CacheFilePath = getEnv("CACHE_FILE_PATH", cfg.CacheFilePath)
	cfg.MaxRootAgeSeconds = int64(getEnvInt("MAX_ROOT_AGE_SECONDS", int(cfg.MaxRootAgeSeconds)))
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate enforces the invariants required to run against a real
// chain and database; off-chain/dev configurations should call
// ValidateForDevelopment instead.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.TreeDepth < 1 || c.TreeDepth > 32 {
		return fmt.Errorf("config: TREE_DEPTH must be between 1 and 32")
	}
	if len(c.BatchSizes) == 0 {
		return fmt.Errorf("config: BATCH_SIZES must list at least one size")
	}
	if !c.OffChainMode {
		if c.ChainRPCURL == "" {
			return fmt.Errorf("config: CHAIN_RPC_URL is required unless OFF_CHAIN_MODE is set")
		}
		if c.IdentityManagerAddr == "" {
			return fmt.Errorf("config: IDENTITY_MANAGER_ADDRESS is required unless OFF_CHAIN_MODE is set")
		}
		if len(c.ProverURLs) == 0 {
			return fmt.Errorf("config: PROVER_URLS is required unless OFF_CHAIN_MODE is set")
		}
		if c.RelayerURL == "" {
			return fmt.Errorf("config: RELAYER_URL is required unless OFF_CHAIN_MODE is set")
		}
		if c.RelayerKind != "defender" && c.RelayerKind != "tx-sitter" {
			return fmt.Errorf("config: RELAYER_KIND must be \"defender\" or \"tx-sitter\"")
		}
	}
	return nil
}

// ValidateForDevelopment applies a relaxed check suitable for local
// off-chain development, only requiring a database.
func (c *Config) ValidateForDevelopment() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required even in development")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseStringList(value string, fallback []string) []string {
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntList(value string, fallback []int) []int {
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
