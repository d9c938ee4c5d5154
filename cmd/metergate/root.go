package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "metergate",
	Short: "Tiered rate limiting and usage metering for APIs",
	Long: `Metergate enforces per-tier rate limits at admission time and meters
what each request actually consumed, rolling raw usage records up into
the per-day aggregates billing reads.

Quick start:
  metergate serve     # Start the metering service

Management:
  metergate rollup    # Fold pending usage records into daily aggregates
  metergate usage     # Show an identity's usage summary
  metergate validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "metergate.yaml", "config file path")
}
