package config

import "time"

// DefaultConfig returns a Config populated with sane out-of-the-box values.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields with defaults, leaving anything a
// config file or environment variable already set untouched.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "./data/log"
	}
	if cfg.Cleaner.BytesInterval == 0 {
		cfg.Cleaner.BytesInterval = 20 << 20 // 20Mi
	}
	if cfg.Cleaner.WakeupInterval == 0 {
		cfg.Cleaner.WakeupInterval = 10 * time.Second
	}
	if cfg.Cleaner.MinUtilization == 0 {
		cfg.Cleaner.MinUtilization = 0.5
	}
	if cfg.Cleaner.MinFileUtilization == 0 {
		cfg.Cleaner.MinFileUtilization = 0.05
	}
	if cfg.Cleaner.MaxInFlight == 0 {
		cfg.Cleaner.MaxInFlight = 4
	}
	if cfg.Cleaner.Concurrency == 0 {
		cfg.Cleaner.Concurrency = 2
	}
	if cfg.Cleaner.MaxFileSize == 0 {
		cfg.Cleaner.MaxFileSize = 64 << 20 // 64Mi
	}
	if cfg.Cleaner.LookAheadCacheSize == 0 {
		cfg.Cleaner.LookAheadCacheSize = 4 << 20 // 4Mi
	}
	if cfg.Cleaner.DbCacheClearCount == 0 {
		cfg.Cleaner.DbCacheClearCount = 256
	}
	if cfg.Cleaner.DbCacheTTL == 0 {
		cfg.Cleaner.DbCacheTTL = 30 * time.Second
	}
	if cfg.Cleaner.ReadBufferSize == 0 {
		cfg.Cleaner.ReadBufferSize = 64 << 10 // 64Ki
	}
	if cfg.Cleaner.DeadlockRetries == 0 {
		cfg.Cleaner.DeadlockRetries = 5
	}
	if cfg.Cleaner.TwoPassGap == 0 {
		cfg.Cleaner.TwoPassGap = 0.1
	}
	if cfg.TTL.LnPurgeDelay == 0 {
		cfg.TTL.LnPurgeDelay = time.Hour
	}
	if cfg.TTL.MaxTxnTime == 0 {
		cfg.TTL.MaxTxnTime = 10 * time.Minute
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
}
