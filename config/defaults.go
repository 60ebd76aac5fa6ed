package config

import "github.com/spf13/viper"

// Default values for the worker fleet. Queue retry policy lives in the
// queue package; these only size the process.
const (
	DefaultPort            = 3900
	DefaultConcurrency     = 3
	DefaultLiveConcurrency = 5
	DefaultClaimIntervalMS = 250
	DefaultLockDurationS   = 60
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "skyfleet.db")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.admin_key", "")
	v.SetDefault("fleet.concurrency", DefaultConcurrency)
	v.SetDefault("fleet.live_concurrency", DefaultLiveConcurrency)
	v.SetDefault("fleet.claim_interval_ms", DefaultClaimIntervalMS)
	v.SetDefault("fleet.lock_duration_s", DefaultLockDurationS)
	v.SetDefault("fleet.upstream_rate_per_minute", 0)
	v.SetDefault("social.endpoint", "https://bsky.social")
	v.SetDefault("social.proxy", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("env", "development")
}
