// Package config handles configuration loading, validation, and
// hot-reload for cxdbd. Configuration comes from CXDB_*-prefixed
// environment overrides, a TOML/JSON/YAML file, and built-in defaults,
// in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete cxdbd configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Binary   BinaryConfig   `toml:"binary" json:"binary" yaml:"binary"`
	HTTP     HTTPConfig     `toml:"http" json:"http" yaml:"http"`
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig controls where and how CXDB's on-disk files live.
type StorageConfig struct {
	// DataDir is the base directory holding turns/, blobs/, heads/,
	// registry/, and fs/ subdirectories.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// MaxBlobSize caps the size of any single blob accepted by Put.
	MaxBlobSize int64 `toml:"max_blob_size" json:"max_blob_size" yaml:"max_blob_size"`

	// ZstdLevel is the zstd compression level used for blob and turn
	// payload encoding.
	ZstdLevel int `toml:"zstd_level" json:"zstd_level" yaml:"zstd_level"`
}

// BinaryConfig controls the TCP binary protocol server.
type BinaryConfig struct {
	BindAddr           string `toml:"bind_addr" json:"bind_addr" yaml:"bind_addr"`
	MaxConnections     int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	MaxInFlightPerConn int    `toml:"max_in_flight_per_conn" json:"max_in_flight_per_conn" yaml:"max_in_flight_per_conn"`
	Workers            int    `toml:"workers" json:"workers" yaml:"workers"`
	WorkerQueueDepth   int    `toml:"worker_queue_depth" json:"worker_queue_depth" yaml:"worker_queue_depth"`
}

// HTTPConfig controls the JSON HTTP read server.
type HTTPConfig struct {
	BindAddr string `toml:"bind_addr" json:"bind_addr" yaml:"bind_addr"`
}

// RegistryConfig controls the type descriptor registry.
type RegistryConfig struct {
	// MaxBundleSize caps the size of a single submitted bundle document.
	MaxBundleSize int64 `toml:"max_bundle_size" json:"max_bundle_size" yaml:"max_bundle_size"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig controls the metrics registry namespace.
type MetricsConfig struct {
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a configuration matching the deployed
// defaults.
func DefaultConfig() *Config {
	dir := DefaultDataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:     dir,
			MaxBlobSize: 10 << 20, // 10 MiB
			ZstdLevel:   3,
		},
		Binary: BinaryConfig{
			BindAddr:           "127.0.0.1:9009",
			MaxConnections:     256,
			MaxInFlightPerConn: 32,
			Workers:            8,
			WorkerQueueDepth:   256,
		},
		HTTP: HTTPConfig{
			BindAddr: "127.0.0.1:9010",
		},
		Registry: RegistryConfig{
			MaxBundleSize: 4 << 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "cxdbd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Namespace: "cxdb",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the storage subtree and the logging
// directory cxdbd needs before opening any files in them.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Join(c.Storage.DataDir, "turns"),
		filepath.Join(c.Storage.DataDir, "blobs"),
		filepath.Join(c.Storage.DataDir, "heads"),
		filepath.Join(c.Storage.DataDir, "registry"),
		filepath.Join(c.Storage.DataDir, "fs"),
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies CXDB_*-prefixed environment variable
// overrides to the configuration.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("CXDB_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("CXDB_BIND_BINARY"); v != "" {
		c.Binary.BindAddr = v
	}
	if v := os.Getenv("CXDB_BIND_HTTP"); v != "" {
		c.HTTP.BindAddr = v
	}
	if v := os.Getenv("CXDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CXDB_MAX_BLOB_SIZE"); v != "" {
		if n, err := parseInt64(v); err == nil {
			c.Storage.MaxBlobSize = n
		}
	}
	if v := os.Getenv("CXDB_ZSTD_LEVEL"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Storage.ZstdLevel = n
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:  c.Version,
		Storage:  c.Storage,
		Binary:   c.Binary,
		HTTP:     c.HTTP,
		Registry: c.Registry,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
