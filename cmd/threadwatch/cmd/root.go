package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"threadwatch/internal/config"
	"threadwatch/internal/logger"
)

var version = "0.1.0"

var (
	configPath   string
	agentOptions string

	// appConfig is loaded by the root command before any subcommand runs.
	appConfig *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "threadwatch",
	Short: "Record thread lifecycle and state transitions of a managed runtime",
	Long: `threadwatch captures thread start, thread end and thread state changes
of the runtime it is attached to and writes them to a compact binary file
for offline analysis.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Agent.ParseAgentOptions(agentOptions); err != nil {
		return fmt.Errorf("invalid agent options: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.ConfigureLogging(cfg.Logging, cfg.Agent.Verbose); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	appConfig = cfg
	return nil
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a TOML configuration file (optional)")
	rootCmd.PersistentFlags().StringVarP(&agentOptions, "options", "o", "",
		"agent option string, e.g. file=/tmp/out,verbose=1,buffer=4096")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("threadwatch version %s\n", rootCmd.Version))
}
