// Package config loads cleaner configuration from defaults, file, and
// environment, in that order of increasing precedence, the same layering the
// teacher repo's own pkg/config uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dittodb/cleaner/internal/bytesize"
)

// Config is the cleaner's full configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (CLEANER_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// LogDir is the directory of numbered log files the cleaner operates
	// on.
	LogDir string `mapstructure:"log_dir" validate:"required" yaml:"log_dir"`

	// Cleaner controls the cleaning algorithm's thresholds and resource
	// budgets.
	Cleaner CleanerConfig `mapstructure:"cleaner" yaml:"cleaner"`

	// TTL controls expiration-driven cleaning.
	TTL TTLConfig `mapstructure:"ttl" yaml:"ttl"`

	// Metrics configures the Prometheus metrics HTTP server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// CleanerConfig controls the cleaning algorithm.
type CleanerConfig struct {
	// BytesInterval wakes the daemon once this much has been written to the
	// log since the last wake. Accepts human-readable sizes like "20Mi".
	BytesInterval bytesize.ByteSize `mapstructure:"bytes_interval" yaml:"bytes_interval"`

	// WakeupInterval is the daemon's timed wake; on a timed wake with no
	// intervening writes the checkpointer is also asked to flush.
	WakeupInterval time.Duration `mapstructure:"wakeup_interval" validate:"gt=0" yaml:"wakeup_interval"`

	// MinUtilization is the overall-log fraction below which cleaning runs;
	// MinFileUtilization condemns an individual file below it regardless of
	// the overall figure.
	MinUtilization     float64 `mapstructure:"min_utilization" validate:"gte=0,lte=1" yaml:"min_utilization"`
	MinFileUtilization float64 `mapstructure:"min_file_utilization" validate:"gte=0,lte=1" yaml:"min_file_utilization"`

	// MaxInFlight caps how many files one DoClean call selects at once.
	MaxInFlight int `mapstructure:"max_in_flight" validate:"gt=0" yaml:"max_in_flight"`

	// Concurrency bounds how many files clean concurrently.
	Concurrency int64 `mapstructure:"concurrency" validate:"gt=0" yaml:"concurrency"`

	// MaxFileSize bounds how large one log file may grow before the
	// FileManager rolls a new tail. Accepts human-readable sizes like
	// "64Mi".
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`

	// MaxDiskSize is the disk budget; zero disables gating.
	MaxDiskSize bytesize.ByteSize `mapstructure:"max_disk_size" yaml:"max_disk_size"`

	// LookAheadCacheSize bounds the LNMigrator's look-ahead cache.
	LookAheadCacheSize bytesize.ByteSize `mapstructure:"look_ahead_cache_size" yaml:"look_ahead_cache_size"`

	// DbCacheClearCount is how many entries a file pass processes before
	// releasing the DbCache.
	DbCacheClearCount int `mapstructure:"db_cache_clear_count" validate:"gt=0" yaml:"db_cache_clear_count"`

	// DbCacheTTL bounds how long DbCache holds a resolved DBInfo before
	// forcing a fresh lookup.
	DbCacheTTL time.Duration `mapstructure:"db_cache_ttl" validate:"gt=0" yaml:"db_cache_ttl"`

	// ReadBufferSize sizes the count-only pass's reusable read buffer.
	ReadBufferSize bytesize.ByteSize `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`

	// DeadlockRetries bounds how many sweeps a deferred LN survives before
	// it is dropped.
	DeadlockRetries int `mapstructure:"deadlock_retries" validate:"gte=0" yaml:"deadlock_retries"`

	// TwoPassGap is added to MinUtilization to form the revisal target of a
	// two-pass recount.
	TwoPassGap float64 `mapstructure:"two_pass_gap" validate:"gte=0,lte=1" yaml:"two_pass_gap"`
}

// TTLConfig controls expiration-driven cleaning.
type TTLConfig struct {
	// LnPurgeDelay is the window around an LN's expiration within which an
	// uncontended record already counts expired.
	LnPurgeDelay time.Duration `mapstructure:"ln_purge_delay" yaml:"ln_purge_delay"`

	// MaxTxnTime is the longest a transaction is assumed to stay open; a
	// record modified more recently defers its expiration decision.
	MaxTxnTime time.Duration `mapstructure:"max_txn_time" yaml:"max_txn_time"`

	// ClockTolerance shrinks the purge window to absorb clock skew.
	ClockTolerance time.Duration `mapstructure:"clock_tolerance" yaml:"clock_tolerance"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path in YAML format.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CLEANER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("cleaner")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(byteSizeDecodeHook(), durationDecodeHook())
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
