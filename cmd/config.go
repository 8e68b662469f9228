package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/modserve/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage modserve configuration",
	Long: `Inspect and bootstrap modserve configuration files.

Examples:
  modserve config show                 # Show the effective configuration
  modserve config show --format json   # Show it as JSON
  modserve config init                 # Write a default .modserve.yml`,
}

var configFormat string

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration the server would start with, after merging
defaults, the configuration file, environment variables, and flags.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .modserve.yml",
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd)
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch configFormat {
	case "yaml", "yml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	default:
		return fmt.Errorf("unsupported format %q (supported: yaml, json)", configFormat)
	}
}

const defaultConfigFile = ".modserve.yml"

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return fmt.Errorf("%s already exists", defaultConfigFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(defaultConfigFile, data, 0o644); err != nil {
		return err
	}
	fmt.Println("Wrote", defaultConfigFile)
	return nil
}
