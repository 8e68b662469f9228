package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, filepath.Join("node_modules", ".modserve"), cfg.CacheDir)
	assert.Equal(t, 100*time.Millisecond, cfg.Optimizer.Debounce)
	assert.True(t, cfg.Optimizer.HoldUntilCrawlEnd)
	assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
	assert.Contains(t, cfg.Watch.Ignore, "node_modules")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("server.port", 8080)
	viper.Set("root", "/srv/app")
	viper.Set("cache_dir", ".cache/custom")
	viper.Set("optimizer.hold_until_crawl_end", false)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/srv/app", cfg.Root)
	assert.Equal(t, ".cache/custom", cfg.CacheDir, "snake_case keys decode against the yaml tags")
	assert.False(t, cfg.Optimizer.HoldUntilCrawlEnd, "an explicit false is not overridden by the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: "invalid server port",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name: "include with disabled optimizer",
			mutate: func(c *Config) {
				c.Optimizer.Disabled = true
				c.Optimizer.Include = []string{"lodash"}
			},
			wantErr: "no effect",
		},
		{
			name:    "absolute entry",
			mutate:  func(c *Config) { c.Entries = []string{"/abs/main.js"} },
			wantErr: "relative to the project root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Server: ServerConfig{Port: 3000}}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAbsCacheDir(t *testing.T) {
	cfg := &Config{Root: "/srv/app", CacheDir: filepath.Join("node_modules", ".modserve")}
	dir, err := cfg.AbsCacheDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/app", "node_modules", ".modserve"), dir)

	cfg.CacheDir = "/var/cache/modserve"
	dir, err = cfg.AbsCacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/modserve", dir)
}
