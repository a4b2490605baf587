package cli

import (
	"github.com/spf13/cobra"

	"deal-radar/internal/app"
)

var (
	predictHorizon int
)

var predictCmd = &cobra.Command{
	Use:   "predict <product-id>",
	Short: "Forecast a product's price from its stored history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PredictOptions{
			ProductID: args[0],
			Horizon:   predictHorizon,
		}

		return getApp().Predict(cmd.Context(), opts)
	},
}

func init() {
	predictCmd.Flags().IntVar(&predictHorizon, "horizon", 0, "Forecast horizon in days (defaults to all configured horizons)")
}
