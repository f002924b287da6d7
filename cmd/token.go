package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"portico/internal/admin"
	"portico/internal/platform"
)

var (
	tokenSecret  string
	tokenSubject string
	tokenExpiry  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long: `Issue a bearer token for the admin API. The token is signed with the
admin token secret of the configuration file unless --secret is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		issuer := platform.NewDefaultConfig().Admin.TokenIssuer
		if _, err := os.Stat(configPath); err == nil {
			config, err := platform.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			issuer = config.Admin.TokenIssuer
			if secret == "" {
				secret = config.Admin.TokenSecret
			}
		}
		if secret == "" {
			return fmt.Errorf("no token secret configured; set admin.token_secret or pass --secret")
		}

		token, err := admin.NewJWTService(secret, issuer, tokenExpiry).GenerateToken(tokenSubject)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		cmd.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Signing secret (overrides config)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVarP(&configPath, "config", "c", "portico.yml", "Path to configuration file")
}
