package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"deal-radar/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show <product-id>",
	Short: "Display a product's recent samples and alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			ProductID: args[0],
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples and alerts to display")
}
