package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Debug                 bool   `mapstructure:"DEBUG"`
	AsyncProcessing       bool   `mapstructure:"ASYNC_PROCESSING"`
	ViewDefinitionsFolder string `mapstructure:"VIEW_DEFINITIONS_FOLDER"`
	NDJSONFilePath        string `mapstructure:"NDJSON_FILE_PATH"`
	BulkExportFolder      string `mapstructure:"BULK_EXPORT_FOLDER"`
	DuckDBFolder          string `mapstructure:"DUCKDB_FOLDER"`
	DuckDBFileName        string `mapstructure:"DUCKDB_FILE_NAME"`
	ConnectionPoolSize    int    `mapstructure:"CONNECTION_POOL_SIZE"`
	ConcurrencyLimit      int    `mapstructure:"CONCURRENCY_LIMIT"`
	BatchSize             int    `mapstructure:"BATCH_SIZE"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogsFolder            string `mapstructure:"LOGS_FOLDER"`
	StatusPort            int    `mapstructure:"STATUS_PORT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("DEBUG", false)
	v.SetDefault("ASYNC_PROCESSING", false)
	v.SetDefault("VIEW_DEFINITIONS_FOLDER", "./views")
	v.SetDefault("DUCKDB_FOLDER", "./data")
	v.SetDefault("DUCKDB_FILE_NAME", "fhir_views.db")
	v.SetDefault("CONNECTION_POOL_SIZE", 5)
	v.SetDefault("CONCURRENCY_LIMIT", 4)
	v.SetDefault("BATCH_SIZE", 500)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("DEBUG")
	v.BindEnv("ASYNC_PROCESSING")
	v.BindEnv("VIEW_DEFINITIONS_FOLDER")
	v.BindEnv("NDJSON_FILE_PATH")
	v.BindEnv("BULK_EXPORT_FOLDER")
	v.BindEnv("DUCKDB_FOLDER")
	v.BindEnv("DUCKDB_FILE_NAME")
	v.BindEnv("CONNECTION_POOL_SIZE")
	v.BindEnv("CONCURRENCY_LIMIT")
	v.BindEnv("BATCH_SIZE")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("LOGS_FOLDER")
	v.BindEnv("STATUS_PORT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// EffectiveConcurrency returns the materialization limiter capacity: 1 when
// async processing is disabled, otherwise the configured limit.
func (c *Config) EffectiveConcurrency() int {
	if !c.AsyncProcessing {
		return 1
	}
	if c.ConcurrencyLimit < 1 {
		return 1
	}
	return c.ConcurrencyLimit
}

// Validate checks that the configuration can run a pipeline. Exactly one
// input source must be set, and the concurrency limit must not exceed the
// pool size since connection acquisition never blocks.
func (c *Config) Validate() error {
	if c.NDJSONFilePath == "" && c.BulkExportFolder == "" {
		return fmt.Errorf("either NDJSON_FILE_PATH or BULK_EXPORT_FOLDER must be set")
	}
	if c.NDJSONFilePath != "" && c.BulkExportFolder != "" {
		return fmt.Errorf("NDJSON_FILE_PATH and BULK_EXPORT_FOLDER are mutually exclusive")
	}
	if c.ViewDefinitionsFolder == "" {
		return fmt.Errorf("VIEW_DEFINITIONS_FOLDER is required")
	}
	if c.ConnectionPoolSize < 1 {
		return fmt.Errorf("CONNECTION_POOL_SIZE must be at least 1, got %d", c.ConnectionPoolSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.EffectiveConcurrency() > c.ConnectionPoolSize {
		return fmt.Errorf(
			"CONCURRENCY_LIMIT (%d) must not exceed CONNECTION_POOL_SIZE (%d): connection acquisition never blocks",
			c.EffectiveConcurrency(), c.ConnectionPoolSize)
	}
	return nil
}
