package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"portico/cmd/console"
	"portico/internal/platform"
)

var (
	apiAddr    string
	apiToken   string
	clientsApp string
	clientsRaw bool
	monitorInt time.Duration
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List the clients connected to a running broker",
	Long:  `List the clients connected to a running broker via its admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		clients, err := newAPIClient().Clients(ctx, clientsApp)
		if err != nil {
			return fmt.Errorf("failed to list clients: %w", err)
		}

		if clientsRaw {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(clients)
		}
		cmd.Print(console.RenderClients(clients, time.Now()))
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show live stats of a running broker",
	Long:  `Open a terminal view that polls the admin API of a running broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if monitorInt <= 0 {
			return fmt.Errorf("interval must be positive")
		}
		return console.StartMonitor(newAPIClient(), monitorInt)
	},
}

// newAPIClient resolves the admin API address from the flags or the config file
func newAPIClient() *console.APIClient {
	addr := apiAddr
	if addr == "" {
		addr = platform.NewDefaultConfig().Admin.Address
		if _, err := os.Stat(configPath); err == nil {
			if config, err := platform.LoadConfig(configPath); err == nil {
				addr = config.Admin.Address
			}
		}
	}
	return console.NewAPIClient(addr, apiToken)
}

func init() {
	for _, c := range []*cobra.Command{clientsCmd, monitorCmd} {
		c.Flags().StringVar(&apiAddr, "admin-addr", "", "Admin API address (defaults to the config file's)")
		c.Flags().StringVar(&apiToken, "token", os.Getenv("PORTICO_TOKEN"), "Admin API bearer token")
		c.Flags().StringVarP(&configPath, "config", "c", "portico.yml", "Path to configuration file")
	}
	clientsCmd.Flags().StringVar(&clientsApp, "app", "", "Only list clients of this application")
	clientsCmd.Flags().BoolVar(&clientsRaw, "json", false, "Print clients as JSON")
	monitorCmd.Flags().DurationVar(&monitorInt, "interval", 2*time.Second, "Polling interval")
}
