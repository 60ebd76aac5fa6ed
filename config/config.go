// Package config loads the skyfleet configuration via Viper.
package config

// Config represents the core skyfleet configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Social   SocialConfig   `mapstructure:"social"`
	Log      LogConfig      `mapstructure:"log"`
	Env      string         `mapstructure:"env"` // "production" gates the admin surface
}

// DatabaseConfig configures the SQLite database backing the job queue
// and the account store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP/WebSocket edge.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	AdminKey string `mapstructure:"admin_key"` // required for queue admin in production
}

// FleetConfig configures the worker fleet.
type FleetConfig struct {
	// Concurrency is the worker count per (tenant, job-type) queue
	// when a queue is created lazily at enqueue time (default: 3).
	Concurrency int `mapstructure:"concurrency"`

	// LiveConcurrency is the worker count when a tenant bootstraps its
	// fleet over the live connection (default: 5).
	LiveConcurrency int `mapstructure:"live_concurrency"`

	// ClaimIntervalMS is how often idle workers poll for ready jobs.
	ClaimIntervalMS int `mapstructure:"claim_interval_ms"`

	// LockDurationS is the job lease duration in seconds; leases are
	// renewed at a third of this.
	LockDurationS int `mapstructure:"lock_duration_s"`

	// UpstreamRatePerMinute caps social-client mutations per queue.
	// 0 disables the gate.
	UpstreamRatePerMinute int `mapstructure:"upstream_rate_per_minute"`
}

// SocialConfig configures default social-network endpoints.
type SocialConfig struct {
	Endpoint string `mapstructure:"endpoint"` // default PDS host
	Proxy    string `mapstructure:"proxy"`    // outbound proxy URL, threaded into client construction
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"` // error|warn|info|debug
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AdminKeyRequired reports whether the queue-admin surface must be
// presented the configured admin key.
func (c *Config) AdminKeyRequired() bool {
	return c.IsProduction() && c.Server.AdminKey != ""
}
