// Package config defines the options a core recognizes and how they
// are loaded and validated from YAML, with struct tags enforced by
// go-playground/validator.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config is the root configuration for one core.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"server" validate:"required"`
	Core   CoreConfig   `yaml:"core" validate:"required"`
}

// LoggerConfig selects the slog handler.
type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig covers the RPC listener that exposes the Replication
// Transport Adapter.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`
}

// CoreConfig groups every option the Storage Core reads on open.
type CoreConfig struct {
	// DBPath is the filesystem root under which every on-disk component
	// of this core creates its own subdirectory.
	DBPath string `yaml:"db_path" validate:"required"`

	// TTLSeconds enables TTL mode when > 0: values written to the data
	// namespace are suffixed with an expiry and hidden from reads once
	// it has elapsed.
	TTLSeconds int64 `yaml:"ttl_seconds" validate:"gte=0"`

	// SyncWrites forces an fsync on every durable batch instead of
	// relying on the OS page cache.
	SyncWrites bool `yaml:"sync_writes"`

	// FastSnapshot is loaded but not consulted when a checkpoint is
	// created: every checkpoint is a hard-link snapshot, and no full-copy
	// backup mode exists.
	FastSnapshot bool `yaml:"fast_snapshot"`

	// KeepCheckpoints is how many of the most recent checkpoints survive
	// pruning; pinned checkpoints are kept regardless.
	KeepCheckpoints int `yaml:"keep_checkpoints" validate:"gte=1"`

	// OpenStatisticsCollector and StatisticsCallbackIntervalSeconds
	// control the periodic metrics emitter.
	OpenStatisticsCollector           bool  `yaml:"open_statistics_collector"`
	StatisticsCallbackIntervalSeconds int64 `yaml:"statistics_callback_interval_seconds" validate:"gte=0"`

	// DBOptionsFile and LogOptionsFile are loaded but not used: no code
	// opens these files, and the Data Store and Instruction Log engines
	// are configured only from the fields of this struct.
	DBOptionsFile  string          `yaml:"db_options_file"`
	LogOptionsFile string          `yaml:"log_options_file"`
	Memtable       MemtableConfig  `yaml:"memtable" validate:"required"`
	SSTable        SSTableConfig   `yaml:"sstable" validate:"required"`
	BloomFilter    BloomFilterCfg  `yaml:"bloom_filter" validate:"required"`
}

// MemtableConfig sizes the Data Store's in-memory write buffer.
type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold" validate:"required,min=1"`
	FlushChanBuffSize   int `yaml:"flush_chan_buff_size" validate:"required,min=1"`
}

// SSTableConfig tunes on-disk segment sizing for the Data Store.
type SSTableConfig struct {
	CompactThreshold int `yaml:"compact_threshold" validate:"required,min=1"`
}

// BloomFilterCfg tunes the false-positive rate of per-segment filters.
type BloomFilterCfg struct {
	FPRate float64 `yaml:"fp_rate" validate:"required,gt=0,lt=1"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Server: ServerConfig{ListenAddress: "0.0.0.0:8080"},
		Core: CoreConfig{
			DBPath:                            "./data",
			TTLSeconds:                        0,
			SyncWrites:                        true,
			FastSnapshot:                      true,
			KeepCheckpoints:                   3,
			StatisticsCallbackIntervalSeconds: 60,
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				FlushChanBuffSize:   3,
			},
			SSTable:     SSTableConfig{CompactThreshold: 4},
			BloomFilter: BloomFilterCfg{FPRate: 0.01},
		},
	}
}

// Load reads and validates a YAML config file. A missing file is not an
// error: it yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// TTLEnabled reports whether the core should run in TTL mode.
func (c CoreConfig) TTLEnabled() bool {
	return c.TTLSeconds > 0
}
