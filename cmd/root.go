package cmd

import (
	"github.com/spf13/cobra"

	"portico/internal/logger"
)

var (
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "portico",
	Short: "Portico - a message broker for microfrontend applications",
	Long: `Portico routes topic messages and intents between the micro applications
of a web platform. Applications connect over a websocket channel, are
identified by their manifest and may only reach capabilities they declared
an intention for.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(tokenCmd)
}
