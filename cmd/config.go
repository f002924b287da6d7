package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"portico/internal/platform"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Generate or validate Portico configuration files.`,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file with example settings.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if err := platform.SaveConfig(platform.NewDefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", path)
		cmd.Println("Please edit the file with your applications' manifest URLs.")
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		config, err := platform.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", path)
		cmd.Printf("Client endpoint: %s%s\n", config.Server.Address, config.Server.Path)
		if config.Admin.Enabled {
			cmd.Printf("Admin API: %s (auth: %t)\n", config.Admin.Address, config.Admin.TokenSecret != "")
		}
		cmd.Printf("Host application: %s\n", config.Host.SymbolicName)
		cmd.Printf("Configured applications: %d\n", len(config.Applications))

		for _, app := range config.Applications {
			if app.Exclude {
				cmd.Printf("  - %s (excluded)\n", app.SymbolicName)
				continue
			}
			cmd.Printf("  - %s at %s\n", app.SymbolicName, app.ManifestURL)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)

	configGenerateCmd.Flags().StringVarP(&configPath, "config", "c", "portico.yml", "Path for generated configuration file")
	configValidateCmd.Flags().StringVarP(&configPath, "config", "c", "portico.yml", "Path to configuration file to validate")
}
