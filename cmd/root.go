// Package cmd provides the command-line interface for the module server
// with configuration management supporting multiple sources.
//
// Configuration precedence, highest first:
//  1. Command-line flags (--config, --port, ...)
//  2. MODSERVE_CONFIG_FILE environment variable
//  3. Individual environment variables (MODSERVE_SERVER_PORT, ...)
//  4. Configuration file (.modserve.yml)
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "modserve",
	Short: "A development-time module server for web front-end projects",
	Long: `Modserve compiles an on-disk source tree into on-demand, individually
cacheable modules and pre-bundles third-party dependencies for performance.

Key Features:
  • On-demand module compilation with etag caching
  • Dependency pre-bundling with mid-session discovery
  • File watching with soft and hard invalidation cascades
  • WebSocket-based hot updates and full-reload signaling

Quick Start:
  modserve serve                  Start the development server
  modserve version                Print version information`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .modserve.yml, can also use MODSERVE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().VarP(newEnumValue("info", "debug", "info", "warn", "error"),
		"log-level", "l", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig initializes the configuration system.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("MODSERVE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".modserve")
	}

	viper.SetEnvPrefix("MODSERVE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
