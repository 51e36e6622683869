package config

import "github.com/dittodb/cleaner/pkg/cleaner"

// Runtime translates the loaded configuration into the orchestrator's own
// Config, keeping pkg/cleaner free of any viper dependency.
func (cfg *Config) Runtime() cleaner.Config {
	return cleaner.Config{
		MinUtilization:       cfg.Cleaner.MinUtilization,
		MinFileUtilization:   cfg.Cleaner.MinFileUtilization,
		MaxInFlight:          cfg.Cleaner.MaxInFlight,
		Concurrency:          cfg.Cleaner.Concurrency,
		LookAheadCacheBudget: uint64(cfg.Cleaner.LookAheadCacheSize),
		DbCacheClearCount:    cfg.Cleaner.DbCacheClearCount,
		DbCacheTTL:           cfg.Cleaner.DbCacheTTL,
		TwoPassGap:           cfg.Cleaner.TwoPassGap,
		PurgeDelay:           cfg.TTL.LnPurgeDelay,
		ClockTolerance:       cfg.TTL.ClockTolerance,
		MaxTxnTime:           cfg.TTL.MaxTxnTime,
		MaxDiskBytes:         uint64(cfg.Cleaner.MaxDiskSize),
		BytesInterval:        uint64(cfg.Cleaner.BytesInterval),
		WakeupInterval:       cfg.Cleaner.WakeupInterval,
		ReadBufferSize:       int(cfg.Cleaner.ReadBufferSize),
		DeadlockRetries:      cfg.Cleaner.DeadlockRetries,
	}
}
