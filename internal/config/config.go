// Package config provides configuration management for the module server
// using Viper for flexible loading from files, environment variables, and
// command-line flags.
//
// The configuration system supports YAML files and environment variable
// overrides with the MODSERVE_ prefix. It manages server settings, the
// project root and entry points, the dependency optimizer options, and the
// file watcher behavior.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Root      string          `yaml:"root"`
	Entries   []string        `yaml:"entries"`
	CacheDir  string          `yaml:"cache_dir"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Watch     WatchConfig     `yaml:"watch"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OptimizerConfig controls dependency pre-bundling.
type OptimizerConfig struct {
	// Disabled turns off pre-bundling entirely.
	Disabled bool `yaml:"disabled"`
	// NoDiscovery disables the initial background scan; dependencies are
	// then found only while serving real requests.
	NoDiscovery bool `yaml:"no_discovery"`
	// HoldUntilCrawlEnd keeps the scan-derived pre-bundle from the browser
	// until the first request crawl has drained, trading startup latency
	// against the risk of a second full reload.
	HoldUntilCrawlEnd bool `yaml:"hold_until_crawl_end"`
	// Entries overrides the computed scan entry points.
	Entries []string `yaml:"entries"`
	// Include forces dependencies into the pre-bundle even when the scan
	// does not find them.
	Include []string `yaml:"include"`
	// Exclude keeps dependencies out of the pre-bundle.
	Exclude []string `yaml:"exclude"`
	// Debounce is the delay batching near-simultaneous missing-import
	// discoveries into a single rerun.
	Debounce time.Duration `yaml:"debounce"`
}

type WatchConfig struct {
	Ignore   []string      `yaml:"ignore"`
	Debounce time.Duration `yaml:"debounce"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds a Config from viper state, applying defaults and validation.
func Load() (*Config, error) {
	var config Config
	// Keys in the file are snake_case; decode against the yaml tags so
	// multi-word fields like cache_dir map correctly.
	if err := viper.Unmarshal(&config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, err
	}

	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 3000
	}
	if config.Root == "" {
		config.Root = "."
	}
	if config.CacheDir == "" {
		config.CacheDir = filepath.Join("node_modules", ".modserve")
	}
	if config.Optimizer.Debounce == 0 {
		config.Optimizer.Debounce = 100 * time.Millisecond
	}
	if !viper.IsSet("optimizer.hold_until_crawl_end") {
		config.Optimizer.HoldUntilCrawlEnd = true
	}
	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = 100 * time.Millisecond
	}
	if len(config.Watch.Ignore) == 0 {
		config.Watch.Ignore = []string{"node_modules", ".git"}
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Optimizer.Disabled && len(c.Optimizer.Include) > 0 {
		return fmt.Errorf("optimizer.include has no effect when the optimizer is disabled")
	}
	for _, entry := range c.Entries {
		if filepath.IsAbs(entry) {
			return fmt.Errorf("entry %q must be relative to the project root", entry)
		}
	}
	return nil
}

// AbsRoot returns the absolute project root.
func (c *Config) AbsRoot() (string, error) {
	return filepath.Abs(c.Root)
}

// AbsCacheDir returns the absolute dependency cache directory, resolved
// against the project root when relative.
func (c *Config) AbsCacheDir() (string, error) {
	if filepath.IsAbs(c.CacheDir) {
		return c.CacheDir, nil
	}
	root, err := c.AbsRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, c.CacheDir), nil
}
