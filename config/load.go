package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/skyfleet-io/skyfleet/errors"
)

// Load reads the skyfleet configuration using Viper.
// Precedence (lowest to highest): defaults < config file < env vars.
// Environment variables use the SKYFLEET_ prefix with underscores for
// dots (e.g. SKYFLEET_SERVER_ADMIN_KEY).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SKYFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	} else {
		v.SetConfigName("skyfleet")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.skyfleet")
		// Missing config file is fine - defaults plus env cover everything.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "failed to read config")
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadWithViper loads configuration from a prepared Viper instance.
// Useful for tests.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(c *Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("invalid server port: %d", c.Server.Port)
	}
	if c.Fleet.Concurrency <= 0 {
		return errors.Newf("fleet concurrency must be positive, got %d", c.Fleet.Concurrency)
	}
	switch strings.ToLower(c.Log.Level) {
	case "error", "warn", "info", "debug":
	default:
		return errors.Newf("invalid log level: %q", c.Log.Level)
	}
	return nil
}
