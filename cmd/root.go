package cmd

import (
	"github.com/spf13/cobra"
	"vendlink/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "vendlink",
	Short: "Vendlink - vending machine device liaison",
	Long: `Vendlink bridges a vending machine backend and its devices over MQTT.
It answers on-demand health checks, tracks device locations and tells devices
when they have been restocked.`,
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

	// Add subcommands
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(deviceCmd)
}
