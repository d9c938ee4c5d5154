package main

import (
	"github.com/spf13/cobra"

	"github.com/artpar/metergate/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering service",
	Long: `Start the metergate service.

The server will:
  - Load configuration from metergate.yaml (or --config)
  - Connect to Redis (shared rate limit counters) and SQLite (usage records)
  - Serve the admission check, usage submission and billing endpoints
  - Roll usage records up into daily aggregates in the background

Environment variables (for Docker deployments):
  METERGATE_SERVER_PORT     - Server port (default: 8080)
  METERGATE_REDIS_ADDR      - Redis address (default: localhost:6379)
  METERGATE_DATABASE_DSN    - Database path (default: metergate.db)
  METERGATE_FAILURE_POLICY  - open or closed (default: open)
  METERGATE_LOG_LEVEL       - Log level: debug, info, warn, error

Examples:
  metergate serve
  metergate serve --config /etc/metergate/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cfgFile)
	if err != nil {
		return err
	}
	return app.Run()
}
