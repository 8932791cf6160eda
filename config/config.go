// Package config loads the engine's immutable startup configuration from
// a HuJSON file (JSON plus comments and trailing commas), grounded on the
// teacher's conf.Cfg (defaulted, validated struct loaded once at startup)
// generalized from its ini/MySQL-session shape to the options table spec
// §5 names, with per-field validation errors per spec §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/txdb-project/txdb/txerr"
)

// Isolation mirrors txn.Isolation without importing the engine package,
// since Config must not depend on engine internals.
type Isolation string

const (
	IsolationReadUncommitted Isolation = "read-uncommitted"
	IsolationReadCommitted   Isolation = "read-committed"
	IsolationRepeatableRead  Isolation = "repeatable-read"
	IsolationSerializable    Isolation = "serializable"
)

// Config is the immutable, fully-validated startup configuration
// (spec §5's options table, plus the data directory every component
// needs to locate its files).
type Config struct {
	DataDir string `json:"data_dir"`

	BufferPoolSizePages   int     `json:"buffer_pool_size_pages"`
	BufferPoolYoungRatio  float64 `json:"buffer_pool_young_ratio"`
	OldBlockTimeMs        int     `json:"old_block_time_ms"`
	BufferPoolAutoTune    bool    `json:"buffer_pool_auto_tune"`
	BufferPoolShards      int     `json:"buffer_pool_shards"`

	LockWaitTimeoutMs int       `json:"lock_wait_timeout_ms"`
	DefaultIsolation  Isolation `json:"default_isolation"`

	CheckpointIntervalSeconds int   `json:"checkpoint_interval_seconds"`
	WalSegmentSize            int64 `json:"wal_segment_size"`

	RecursiveCTEMaxIterations int  `json:"recursive_cte_max_iterations"`
	EnableOnlineDDL           bool `json:"enable_online_ddl"`

	DoublewriteBufferPages int `json:"doublewrite_buffer_pages"`
	UndoCacheEntries       int `json:"undo_cache_entries"`

	LogLevel string `json:"log_level"`
}

// Default returns the configuration every field defaults to before a file
// is merged in, matching the teacher's NewBufferPoolManager-style
// "construct with defaults, then override" pattern.
func Default() Config {
	return Config{
		DataDir:                   "./data",
		BufferPoolSizePages:       1024,
		BufferPoolYoungRatio:      5.0 / 8.0,
		OldBlockTimeMs:            1000,
		BufferPoolAutoTune:        false,
		BufferPoolShards:          1,
		LockWaitTimeoutMs:         5000,
		DefaultIsolation:          IsolationRepeatableRead,
		CheckpointIntervalSeconds: 30,
		WalSegmentSize:            64 * 1024 * 1024,
		RecursiveCTEMaxIterations: 1000,
		EnableOnlineDDL:           false,
		DoublewriteBufferPages:    128,
		UndoCacheEntries:          4096,
		LogLevel:                  "info",
	}
}

// OldBlockTime returns OldBlockTimeMs as a time.Duration.
func (c Config) OldBlockTime() time.Duration {
	return time.Duration(c.OldBlockTimeMs) * time.Millisecond
}

// LockWaitTimeout returns LockWaitTimeoutMs as a time.Duration.
func (c Config) LockWaitTimeout() time.Duration {
	return time.Duration(c.LockWaitTimeoutMs) * time.Millisecond
}

// CheckpointInterval returns CheckpointIntervalSeconds as a time.Duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSeconds) * time.Second
}

// Load reads a HuJSON configuration file at path, merges it over Default,
// and validates the result. A missing file is not an error: Default() is
// returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, Validate(cfg)
		}
		return Config{}, txerr.Wrap(txerr.KindIoError, err, "config: read %s", path)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, txerr.Wrap(txerr.KindUsage, err, "config: %s is not valid HuJSON", path)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return Config{}, txerr.Wrap(txerr.KindUsage, err, "config: %s", path)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first field that fails its constraint, naming it
// by its JSON field name (spec §6: "validation errors are reported by
// field name").
func Validate(c Config) error {
	if c.BufferPoolSizePages <= 0 {
		return fieldErr("buffer_pool_size_pages", "must be positive")
	}
	if c.BufferPoolYoungRatio <= 0.1 || c.BufferPoolYoungRatio >= 0.9 {
		return fieldErr("buffer_pool_young_ratio", "must be in (0.1, 0.9)")
	}
	if c.OldBlockTimeMs < 0 {
		return fieldErr("old_block_time_ms", "must be non-negative")
	}
	if c.BufferPoolShards <= 0 {
		return fieldErr("buffer_pool_shards", "must be positive")
	}
	if c.LockWaitTimeoutMs < 0 {
		return fieldErr("lock_wait_timeout_ms", "must be non-negative")
	}
	switch c.DefaultIsolation {
	case IsolationReadUncommitted, IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable:
	default:
		return fieldErr("default_isolation", fmt.Sprintf("unknown isolation level %q", c.DefaultIsolation))
	}
	if c.CheckpointIntervalSeconds <= 0 {
		return fieldErr("checkpoint_interval_seconds", "must be positive")
	}
	if c.WalSegmentSize <= 0 {
		return fieldErr("wal_segment_size", "must be positive")
	}
	if c.RecursiveCTEMaxIterations <= 0 {
		return fieldErr("recursive_cte_max_iterations", "must be positive")
	}
	if c.DoublewriteBufferPages <= 0 {
		return fieldErr("doublewrite_buffer_pages", "must be positive")
	}
	if c.UndoCacheEntries <= 0 {
		return fieldErr("undo_cache_entries", "must be positive")
	}
	return nil
}

func fieldErr(field, reason string) error {
	return txerr.New(txerr.KindUsage, "field %q: %s", field, reason)
}
