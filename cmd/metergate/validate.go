package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/metergate/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}

		fmt.Println("Configuration valid")
		fmt.Printf("  Server:         %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("  Redis:          %s\n", cfg.Redis.Addr)
		fmt.Printf("  Database:       %s\n", cfg.Database.DSN)
		fmt.Printf("  Failure policy: %s\n", cfg.RateLimit.FailurePolicy)
		fmt.Printf("  Tiers:          %d\n", len(cfg.Tiers))
		for _, t := range cfg.Tiers {
			day := fmt.Sprintf("%d", t.LimitPerDay)
			if t.LimitPerDay < 0 {
				day = "unlimited"
			}
			fmt.Printf("    %-12s %6d/min %8d/hour %10s/day\n",
				t.Name, t.LimitPerMinute, t.LimitPerHour, day)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
