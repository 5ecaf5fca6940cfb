package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"threadwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration helpers",
	// Generating a configuration must not depend on an existing one.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate <path>",
	Short: "write an example configuration with every default value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.GenerateExampleConfig(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGenerateCmd)
	rootCmd.AddCommand(configCmd)
}
