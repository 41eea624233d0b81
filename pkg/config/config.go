// Package config provides the engine-wide JSON-loadable configuration
// surface: durability level, flush/compaction thresholds, cache sync
// mode, GPU hash strategy, VRAM budget, encryption parameters, and
// feature flags (SPEC_FULL.md §1 Configuration). Structurally grounded on
// pkg/config/config.go's Config/DefaultConfig/LoadConfig/
// LoadConfigOrDefault/validateConfig shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the engine's top-level configuration.
type Config struct {
	DataDir     string            `json:"data_dir"`
	Durability  string            `json:"durability"` // "full", "lazy", "off"
	Log         LogConfig         `json:"log"`
	Delta       DeltaConfig       `json:"delta"`
	Compaction  CompactionConfig  `json:"compaction"`
	Cache       CacheConfig       `json:"cache"`
	Txn         TxnConfig         `json:"txn"`
	GPU         GPUConfig         `json:"gpu"`
	Encryption  EncryptionConfig  `json:"encryption"`
	FeatureFlags map[string]bool  `json:"feature_flags"`
}

// LogConfig configures diagnostic logging.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"
}

// DeltaConfig tunes the Delta→WOS flush trigger (spec.md §4.3).
type DeltaConfig struct {
	FlushMaxEntries int64         `json:"flush_max_entries"`
	FlushMaxBytes   int64         `json:"flush_max_bytes"`
	FlushInterval   time.Duration `json:"flush_interval"`
}

// CompactionConfig tunes leveled compaction (spec.md §4.5).
type CompactionConfig struct {
	MaxSegmentsPerLevel int           `json:"max_segments_per_level"`
	Interval            time.Duration `json:"interval"`
}

// CacheConfig tunes the Columnar Cache's sync behavior (spec.md §9 Open
// Question: "immediate / batched-async / threshold").
type CacheConfig struct {
	SyncMode      string        `json:"sync_mode"` // "immediate", "batched_async", "threshold"
	SyncThreshold int           `json:"sync_threshold"`
	SyncInterval  time.Duration `json:"sync_interval"`
}

// TxnConfig tunes the Transaction Manager, mirroring the teacher's
// MVCCConfig shape (GC interval/age threshold, active-transaction cap).
type TxnConfig struct {
	GCInterval     time.Duration `json:"gc_interval"`
	GCAgeThreshold time.Duration `json:"gc_age_threshold"`
	MaxActiveTxns  int           `json:"max_active_txns"`
}

// GPUConfig selects the GPU Executor's group-by hash strategy and shard
// count (spec.md §4.10). VRAMBudget is carried in the configuration only:
// no component reads it, and operation sizes are not bounded by it.
type GPUConfig struct {
	Enabled      bool   `json:"enabled"`
	HashStrategy string `json:"hash_strategy"` // "linear_probe", "cuckoo_hybrid", "robin_hood_derived"
	ShardCount   int    `json:"shard_count"`
	VRAMBudget   int64  `json:"vram_budget_bytes"`
}

// EncryptionConfig configures at-rest encryption (spec.md §6
// open_encrypted).
type EncryptionConfig struct {
	Enabled    bool   `json:"enabled"`
	Cipher     string `json:"cipher"` // "aes-256-gcm" or "chacha20-poly1305"
	KDFIterations int `json:"kdf_iterations"`
}

// DefaultConfig returns the engine's default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:    "./data",
		Durability: "full",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Delta: DeltaConfig{
			FlushMaxEntries: 100_000,
			FlushMaxBytes:   64 << 20,
			FlushInterval:   5 * time.Second,
		},
		Compaction: CompactionConfig{
			MaxSegmentsPerLevel: 4,
			Interval:            30 * time.Second,
		},
		Cache: CacheConfig{
			SyncMode:      "threshold",
			SyncThreshold: 1000,
			SyncInterval:  2 * time.Second,
		},
		Txn: TxnConfig{
			GCInterval:     10 * time.Second,
			GCAgeThreshold: 1 * time.Hour,
			MaxActiveTxns:  10000,
		},
		GPU: GPUConfig{
			Enabled:      true,
			HashStrategy: "linear_probe",
			ShardCount:   1,
			VRAMBudget:   1 << 30,
		},
		Encryption: EncryptionConfig{
			Enabled:       false,
			Cipher:        "aes-256-gcm",
			KDFIterations: 600_000,
		},
		FeatureFlags: map[string]bool{
			"schema-versioning":    true,
			"index-versioning":    true,
			"binary-serialisation": true,
		},
	}
}

// LoadConfig loads configuration from configPath, falling back to
// DefaultConfig's values for any field the file omits.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config: file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOrDefault tries HTAPDB_CONFIG, then a handful of common
// locations, falling back to DefaultConfig.
func LoadConfigOrDefault() *Config {
	if envPath := os.Getenv("HTAPDB_CONFIG"); envPath != "" {
		if cfg, err := LoadConfig(envPath); err == nil {
			return cfg
		}
	}

	for _, path := range []string{"config.json", "./config/config.json", "/etc/htapdb/config.json"} {
		if absPath, err := filepath.Abs(path); err == nil {
			if cfg, err := LoadConfig(absPath); err == nil {
				return cfg
			}
		}
	}

	return DefaultConfig()
}

func validateConfig(cfg *Config) error {
	switch cfg.Durability {
	case "full", "lazy", "off":
	default:
		return fmt.Errorf("config: invalid durability level: %q", cfg.Durability)
	}

	if cfg.Delta.FlushMaxEntries < 1 {
		return fmt.Errorf("config: delta.flush_max_entries must be > 0")
	}
	if cfg.Delta.FlushMaxBytes < 1 {
		return fmt.Errorf("config: delta.flush_max_bytes must be > 0")
	}
	if cfg.Compaction.MaxSegmentsPerLevel < 2 {
		return fmt.Errorf("config: compaction.max_segments_per_level must be >= 2")
	}

	switch cfg.Cache.SyncMode {
	case "immediate", "batched_async", "threshold":
	default:
		return fmt.Errorf("config: invalid cache.sync_mode: %q", cfg.Cache.SyncMode)
	}
	if cfg.Cache.SyncThreshold < 1 {
		return fmt.Errorf("config: cache.sync_threshold must be > 0")
	}

	if cfg.Txn.MaxActiveTxns < 1 {
		return fmt.Errorf("config: txn.max_active_txns must be > 0")
	}

	switch cfg.GPU.HashStrategy {
	case "linear_probe", "cuckoo_hybrid", "robin_hood_derived":
	default:
		return fmt.Errorf("config: invalid gpu.hash_strategy: %q", cfg.GPU.HashStrategy)
	}
	if cfg.GPU.ShardCount < 1 {
		return fmt.Errorf("config: gpu.shard_count must be > 0")
	}

	if cfg.Encryption.Enabled {
		switch cfg.Encryption.Cipher {
		case "aes-256-gcm", "chacha20-poly1305":
		default:
			return fmt.Errorf("config: invalid encryption.cipher: %q", cfg.Encryption.Cipher)
		}
		if cfg.Encryption.KDFIterations < 1 {
			return fmt.Errorf("config: encryption.kdf_iterations must be > 0")
		}
	}

	return nil
}
