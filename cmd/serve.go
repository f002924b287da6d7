// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portico/internal/logger"
	"portico/internal/platform"
)

var (
	configPath string
	serveAddr  string
	adminAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Portico broker",
	Long: `Start the broker, fetch the manifests of the configured applications and
accept client connections on the websocket endpoint until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger.SetSilentMode(false)
		if verbose {
			config.Logging.Level = logger.LOG_DEBUG
		}
		logger.SetLevel(config.Logging.Level)

		log := logger.New()
		log.Info().
			Str("config_file", configPath).
			Str("address", config.Server.Address).
			Bool("admin", config.Admin.Enabled).
			Int("applications", len(config.Applications)).
			Msg("Starting Portico")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := platform.Start(ctx, config)
		if err != nil {
			log.Error().Err(err).Msg("Failed to start platform")
			return fmt.Errorf("failed to start platform: %w", err)
		}

		<-ctx.Done()
		log.Info().Msg("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.Stop(shutdownCtx)
	},
}

// loadConfiguration loads the config file, falling back to defaults when it
// does not exist, and applies CLI flag overrides
func loadConfiguration() (*platform.Config, error) {
	var config *platform.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := platform.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to check config file: %w", statErr)
	} else {
		config = platform.NewDefaultConfig()
		config.Applications = nil
	}

	if serveAddr != "" {
		config.Server.Address = serveAddr
	}
	if adminAddr != "" {
		config.Admin.Enabled = true
		config.Admin.Address = adminAddr
	}
	return config, nil
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "portico.yml", "Path to configuration file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Client endpoint address (overrides config)")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", "", "Enable the admin API on this address (overrides config)")
}
