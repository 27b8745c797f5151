// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// defaults is captured before any test touches the global configuration.
var defaults = Get()

func restoreDefaults(t *testing.T) {
	t.Cleanup(func() {
		d := defaults
		Set(&d)
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitialize_DefaultsWithoutFile(t *testing.T) {
	restoreDefaults(t)
	require.NoError(t, Initialize(""))

	cfg := Get()
	assert.Equal(t, 1, cfg.Migrations.MaxConcurrent)
	assert.True(t, cfg.Migrations.AutoStart)
	assert.True(t, cfg.Migrations.AutoContinue)
	assert.Equal(t, "sqlite", cfg.Metadata.Driver)
}

func TestInitialize_LoadsFile(t *testing.T) {
	restoreDefaults(t)
	path := writeConfigFile(t, `
log:
  level: debug
  consoleLogging: true
migrations:
  maxConcurrent: 2
  autoStart: false
  disableAutoRollback: true
  ignoreVersions: true
metadata:
  driver: postgres
  dsn: postgres://localhost/posthog
analytical:
  clusterDsn: tcp://localhost:9000
  cluster: events
  shardDsns:
    - tcp://shard0:9000
    - tcp://shard1:9000
`)
	require.NoError(t, Initialize(path))

	cfg := Get()
	assert.Equal(t, 2, cfg.Migrations.MaxConcurrent)
	assert.False(t, cfg.Migrations.AutoStart)
	assert.True(t, cfg.Migrations.DisableAutoRollback)
	assert.True(t, cfg.Migrations.IgnoreVersions)
	assert.Equal(t, "postgres", cfg.Metadata.Driver)
	assert.Equal(t, "events", cfg.Analytical.Cluster)
	assert.Len(t, cfg.Analytical.ShardDSNs, 2)
}

func TestInitialize_MissingFile(t *testing.T) {
	restoreDefaults(t)
	err := Initialize(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, NotFoundError))
}

func TestInitialize_RejectsInvalidConfig(t *testing.T) {
	restoreDefaults(t)
	path := writeConfigFile(t, `
migrations:
  maxConcurrent: 0
`)
	err := Initialize(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxConcurrent must be at least 1")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "minimal config is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Migrations.MaxConcurrent = 0 },
			wantErr: "maxConcurrent",
		},
		{
			name:    "unknown metadata driver",
			mutate:  func(c *Config) { c.Metadata.Driver = "mysql" },
			wantErr: "unsupported metadata driver",
		},
		{
			name:   "empty driver falls back to the default at open time",
			mutate: func(c *Config) { c.Metadata.Driver = "" },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Migrations: MigrationsConfig{MaxConcurrent: 1}}
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
