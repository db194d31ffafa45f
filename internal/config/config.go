// Package config loads the engine configuration from a yaml file via viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/kurodb/kuro/pkg/logger"
	"github.com/kurodb/kuro/pkg/telemetry"
)

// PoolConfig sizes the buffer pool and its page table.
type PoolConfig struct {
	// Size is the number of frames in the pool.
	Size int `mapstructure:"size"`
	// BucketSize is the entry capacity of one page-table bucket.
	BucketSize int `mapstructure:"bucket_size"`
}

// StorageConfig locates the database file and the WAL.
type StorageConfig struct {
	DataFile       string `mapstructure:"data_file"`
	PageSize       int    `mapstructure:"page_size"`
	WALDir         string `mapstructure:"wal_dir"`
	WALBufferSize  int    `mapstructure:"wal_buffer_size"`
	WALSegmentSize int64  `mapstructure:"wal_segment_size"`
}

// Config is the root configuration of the engine.
type Config struct {
	Pool      PoolConfig       `mapstructure:"pool"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Logging   logger.Config    `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// Load reads the config file at path into a Config, applying defaults for
// anything the file leaves out.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults alone always unmarshal; an error here is a programming bug.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.size", 128)
	v.SetDefault("pool.bucket_size", 32)
	v.SetDefault("storage.data_file", "data/kuro.db")
	v.SetDefault("storage.page_size", 4096)
	v.SetDefault("storage.wal_dir", "data/wal")
	v.SetDefault("storage.wal_buffer_size", 1<<16)
	v.SetDefault("storage.wal_segment_size", 16<<20)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_file", "stdout")
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "kurodb")
	v.SetDefault("telemetry.prometheus_port", 9464)
}
