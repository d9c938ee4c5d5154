package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/metergate/adapters/sqlite"
	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
)

var (
	usageDays int
	usageTier string
)

var usageCmd = &cobra.Command{
	Use:   "usage <identity>",
	Short: "Show an identity's daily usage aggregates",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().IntVar(&usageDays, "days", 30, "how many days back to include")
	usageCmd.Flags().StringVar(&usageTier, "tier", "", "price the usage at this tier's rates")
}

func runUsage(cmd *cobra.Command, args []string) error {
	identity := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := sqlite.NewAggregateStore(db)
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -usageDays)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	aggs, err := store.Range(ctx, identity, from, to)
	if err != nil {
		return err
	}
	if len(aggs) == 0 {
		fmt.Printf("no usage for %s in the last %d days\n", identity, usageDays)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tCATEGORY\tREQUESTS\tERRORS\tTOKENS\tCOMPUTE\tSTORAGE\tRECONCILED")
	for _, a := range aggs {
		reconciled := ""
		if a.Reconciled {
			reconciled = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.2f\t%d\t%s\n",
			a.Day.Format("2006-01-02"), a.Category, a.RequestCount, a.ErrorCount,
			a.Tokens, a.ComputeUnits, a.StorageBytes, reconciled)
	}
	w.Flush()

	if usageTier != "" {
		set, err := cfg.PolicySet()
		if err != nil {
			return err
		}
		bill := usage.BillingAmount(identity, aggs, set.Resolve(tier.Tier(usageTier)))
		fmt.Printf("\nbilled at %s rates:\n", bill.Tier)
		for _, item := range bill.Items {
			fmt.Printf("  %-14s %12.2f x %-12g = $%d.%02d\n",
				item.Description, item.Quantity, item.Rate,
				item.AmountCents/100, item.AmountCents%100)
		}
		fmt.Printf("  base fee %41s $%d.%02d\n", "=", bill.BaseCents/100, bill.BaseCents%100)
		fmt.Printf("  total %44s $%d.%02d\n", "=", bill.TotalCents/100, bill.TotalCents%100)
	}
	return nil
}
