package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Query aggregated prices",
}

var pricesGetCmd = &cobra.Command{
	Use:   "get <coin-key>",
	Short: "Show the best known price for a coin key",
	Long:  "Prints the aggregated price with its staleness flag and age-adjusted confidence. Keys have the form country|denomination|year|mint_mark|variety|grade.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Query.GetAggregatedPrice(cmd.Context(), model.CoinKey(args[0]))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	pricesCmd.AddCommand(pricesGetCmd)
	rootCmd.AddCommand(pricesCmd)
}
