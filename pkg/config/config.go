// Package config loads engine configuration from YAML files and maps
// it onto lsm.Options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-kv/pkg/cache"
	"github.com/dd0wney/cluso-kv/pkg/compress"
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/lsm"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
)

var validate = validator.New()

// Config is the on-disk configuration for a database instance. Zero
// values fall through to the engine defaults.
type Config struct {
	// Path is the database directory.
	Path string `yaml:"path" validate:"required"`

	// CreateIfMissing creates the database when the directory holds
	// none.
	CreateIfMissing bool `yaml:"create_if_missing"`

	// ErrorIfExists refuses to open an existing database.
	ErrorIfExists bool `yaml:"error_if_exists"`

	// ParanoidChecks treats recovery corruption as fatal.
	ParanoidChecks bool `yaml:"paranoid_checks"`

	// WriteBufferSizeMiB is the memtable flush threshold.
	WriteBufferSizeMiB int `yaml:"write_buffer_size_mib" validate:"gte=0,lte=1024"`

	// MaxOpenFiles bounds the table cache.
	MaxOpenFiles int `yaml:"max_open_files" validate:"gte=0"`

	// BlockCacheMiB sizes the shared uncompressed block cache.
	BlockCacheMiB int `yaml:"block_cache_mib" validate:"gte=0,lte=16384"`

	// BlockSizeKiB is the table block threshold.
	BlockSizeKiB int `yaml:"block_size_kib" validate:"gte=0,lte=1024"`

	// BlockRestartInterval is the key count between block restarts.
	BlockRestartInterval int `yaml:"block_restart_interval" validate:"gte=0"`

	// MaxFileSizeMiB caps compaction output files.
	MaxFileSizeMiB int `yaml:"max_file_size_mib" validate:"gte=0,lte=1024"`

	// Compression selects the block codec: none, snappy, or zstd.
	Compression string `yaml:"compression" validate:"omitempty,oneof=none snappy zstd"`

	// BloomBitsPerKey enables per-table bloom filters when positive.
	BloomBitsPerKey int `yaml:"bloom_bits_per_key" validate:"gte=0,lte=64"`

	// ReuseLogs appends to the previous WAL and MANIFEST on open.
	ReuseLogs bool `yaml:"reuse_logs"`

	// LogLevel is the engine log verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Metrics enables the Prometheus registry.
	Metrics bool `yaml:"metrics"`

	// Backup configures optional S3 snapshots.
	Backup BackupConfig `yaml:"backup"`
}

// BackupConfig configures S3 backup uploads.
type BackupConfig struct {
	// Bucket is the destination S3 bucket. Empty disables backups.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// Region overrides the SDK default region.
	Region string `yaml:"region"`

	// Endpoint points the client at an S3-compatible service.
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration for path with CreateIfMissing
// enabled, snappy compression and info logging. A parsed file leaves
// CreateIfMissing off unless it sets the key.
func Default(path string) *Config {
	return &Config{
		Path:            path,
		CreateIfMissing: true,
		Compression:     "snappy",
		LogLevel:        "info",
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, formatValidationError(err)
	}
	return &cfg, nil
}

// Options converts the configuration into engine options.
func (c *Config) Options() *lsm.Options {
	opts := &lsm.Options{
		CreateIfMissing:      c.CreateIfMissing,
		ErrorIfExists:        c.ErrorIfExists,
		ParanoidChecks:       c.ParanoidChecks,
		WriteBufferSize:      c.WriteBufferSizeMiB << 20,
		MaxOpenFiles:         c.MaxOpenFiles,
		BlockSize:            c.BlockSizeKiB << 10,
		BlockRestartInterval: c.BlockRestartInterval,
		MaxFileSize:          c.MaxFileSizeMiB << 20,
		ReuseLogs:            c.ReuseLogs,
	}

	switch c.Compression {
	case "none":
		opts.Compression = compress.None
	case "zstd":
		opts.Compression = compress.Zstd
	default:
		opts.Compression = compress.Snappy
	}

	if c.BloomBitsPerKey > 0 {
		opts.FilterPolicy = filter.NewBloomPolicy(c.BloomBitsPerKey)
	}

	if c.BlockCacheMiB > 0 {
		opts.BlockCache = cache.New(c.BlockCacheMiB << 20)
	}

	level := logging.ParseLevel(c.LogLevel)
	opts.Logger = logging.NewJSONLogger(os.Stderr, level)

	if c.Metrics {
		opts.Metrics = metrics.DefaultRegistry()
	}
	return opts
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s constraint", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
