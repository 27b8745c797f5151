// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"

	"github.com/automa-saga/logx"
	"github.com/joomcode/errorx"
	"github.com/spf13/viper"
)

// Config holds the global configuration for the migration runner.
type Config struct {
	Log        logx.LoggingConfig `yaml:"log" json:"log"`
	Migrations MigrationsConfig   `yaml:"migrations" json:"migrations"`
	Metadata   MetadataConfig     `yaml:"metadata" json:"metadata"`
	Analytical AnalyticalConfig   `yaml:"analytical" json:"analytical"`
	SMTP       SMTPConfig         `yaml:"smtp" json:"smtp"`
}

// MigrationsConfig carries the instance-level switches that shape runner and
// dispatcher behaviour.
type MigrationsConfig struct {
	// MaxConcurrent bounds the number of simultaneously Running migrations.
	// The default of 1 serializes the whole system to bound datastore load.
	MaxConcurrent int `yaml:"maxConcurrent" json:"maxConcurrent"`
	// AutoStart triggers the furthest-back eligible migration at setup and
	// chains dependent migrations on completion.
	AutoStart bool `yaml:"autoStart" json:"autoStart"`
	// DisableAutoRollback leaves a failed migration Errored instead of
	// replaying compensating actions.
	DisableAutoRollback bool `yaml:"disableAutoRollback" json:"disableAutoRollback"`
	// AutoContinue resumes a migration from its persisted operation index when
	// the health sweep finds its worker gone.
	AutoContinue bool `yaml:"autoContinue" json:"autoContinue"`
	// BlockUpgrade makes the pre-upgrade check exit non-zero while blocking
	// migrations are outstanding.
	BlockUpgrade bool `yaml:"blockUpgrade" json:"blockUpgrade"`
	// IgnoreVersions skips the application version window checks on every run,
	// the instance-wide counterpart of the run command's --ignore-versions
	// flag.
	IgnoreVersions bool `yaml:"ignoreVersions" json:"ignoreVersions"`
}

// MetadataConfig points at the relational store holding migration records.
type MetadataConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// AnalyticalConfig points at the analytical column-store. ShardDSNs maps a
// stable shard ordinal to a connection string; the same ordinal always routes
// to the same physical shard.
type AnalyticalConfig struct {
	ClusterDSN string   `yaml:"clusterDsn" json:"clusterDsn"`
	Cluster    string   `yaml:"cluster" json:"cluster"`
	ShardDSNs  []string `yaml:"shardDsns" json:"shardDsns"`
	// MinServiceVersion is the lowest datastore server version the catalog's
	// migrations support.
	MinServiceVersion string `yaml:"minServiceVersion" json:"minServiceVersion"`
}

// SMTPConfig configures operator email notifications. An empty Host disables
// email delivery and notifications fall back to the log.
type SMTPConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	User     string   `yaml:"user" json:"user"`
	Password string   `yaml:"password" json:"password"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
}

// Validate validates configuration fields that would otherwise fail deep
// inside a running migration.
func (c Config) Validate() error {
	if c.Migrations.MaxConcurrent < 1 {
		return errorx.IllegalArgument.New("migrations.maxConcurrent must be at least 1, got %d", c.Migrations.MaxConcurrent)
	}
	switch c.Metadata.Driver {
	case "", "postgres", "sqlite":
	default:
		return errorx.IllegalArgument.New("unsupported metadata driver: %s", c.Metadata.Driver)
	}
	return nil
}

var globalConfig = Config{
	Log: logx.LoggingConfig{
		Level:          "info",
		ConsoleLogging: true,
		FileLogging:    false,
	},
	Migrations: MigrationsConfig{
		MaxConcurrent:       1,
		AutoStart:           true,
		DisableAutoRollback: false,
		AutoContinue:        true,
		BlockUpgrade:        true,
	},
	Metadata: MetadataConfig{
		Driver: "sqlite",
		DSN:    "file:async_migrations.db",
	},
}

var NotFoundError = errorx.IllegalState.NewSubtype("config_not_found", errorx.NotFound())

// Initialize loads the configuration from the specified file. An empty path
// keeps the built-in defaults, which remain overridable via the environment.
func Initialize(path string) error {
	viper.Reset()
	viper.SetEnvPrefix("POSTHOG")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		globalConfig = Config{}
		viper.SetConfigFile(path)

		err := viper.ReadInConfig()
		if err != nil {
			return NotFoundError.Wrap(err, "failed to read config file: %s", path).
				WithProperty(errorx.PropertyPayload(), path)
		}

		if err := viper.Unmarshal(&globalConfig); err != nil {
			return errorx.IllegalFormat.Wrap(err, "failed to parse configuration").
				WithProperty(errorx.PropertyPayload(), path)
		}
	}

	return globalConfig.Validate()
}

// Get returns the loaded configuration.
func Get() Config {
	return globalConfig
}

// Set replaces the global configuration. Intended for tests.
func Set(c *Config) {
	globalConfig = *c
}
