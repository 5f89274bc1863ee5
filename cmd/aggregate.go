package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute aggregated prices",
	Long:  "Runs the aggregation engine for one coin key (--key) or for every stale key (--sweep).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, _ := cmd.Flags().GetString("key")
		sweep, _ := cmd.Flags().GetBool("sweep")
		if (key == "") == !sweep {
			return eris.New("aggregate: exactly one of --key or --sweep is required")
		}

		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if sweep {
			res, err := env.Engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "keys=%d updated=%d skipped=%d failed=%d\n",
				res.Keys, res.Updated, res.Skipped, res.Failed)
			return nil
		}

		if _, err := model.ParseCoinKey(key); err != nil {
			return err
		}
		res, err := env.Engine.Run(cmd.Context(), model.CoinKey(key))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %s (survivors=%d outliers=%d)\n",
			key, res.Status, len(res.Survivors), len(res.Outliers))
		if res.Price != nil {
			fmt.Fprintf(os.Stdout, "avg=%s %s min=%s max=%s sources=%d confidence=%.2f trend=%s\n",
				res.Price.AvgPrice, res.Price.Currency, res.Price.MinPrice, res.Price.MaxPrice,
				res.Price.SourceCount, res.Price.ConfidenceLevel, res.Price.PriceTrend)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(os.Stdout, "%s store migrated\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	aggregateCmd.Flags().String("key", "", "coin key to aggregate")
	aggregateCmd.Flags().Bool("sweep", false, "aggregate every stale key")
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(migrateCmd)
}
