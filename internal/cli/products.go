package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"deal-radar/internal/app"
)

var (
	addName     string
	addQuery    string
	addTarget   float64
	addInterval time.Duration
	addPriority string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Track a new product",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addName == "" {
			return errors.New("--name must be provided")
		}
		if addTarget <= 0 {
			return errors.New("--target must be greater than 0")
		}

		product, err := getApp().AddProduct(cmd.Context(), app.AddProductOptions{
			Name:          addName,
			SearchQuery:   addQuery,
			TargetPrice:   decimal.NewFromFloat(addTarget),
			CheckInterval: addInterval,
			Priority:      addPriority,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", product.Name, product.ID)
		return nil
	},
}

var (
	updateName     string
	updateQuery    string
	updateTarget   float64
	updateInterval time.Duration
	updatePriority string
)

var updateCmd = &cobra.Command{
	Use:   "update <product-id>",
	Short: "Change a product's target price, cadence, or priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.UpdateProductOptions{
			ProductID:     args[0],
			Name:          updateName,
			SearchQuery:   updateQuery,
			CheckInterval: updateInterval,
			Priority:      updatePriority,
		}
		if updateTarget > 0 {
			opts.TargetPrice = decimal.NewFromFloat(updateTarget)
		}

		product, err := getApp().UpdateProduct(cmd.Context(), opts)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "updated %s: target %s, interval %s, priority %s\n",
			product.ID, product.TargetPrice.StringFixed(2), product.CheckInterval, product.Priority)
		return nil
	},
}

var alertsLimit int

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List recently emitted alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return errors.New("--limit must be greater than zero")
		}
		return getApp().ListAlerts(cmd.Context(), alertsLimit)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked products",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListProducts(cmd.Context())
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <product-id>",
	Short: "Pause checks for a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PauseProduct(cmd.Context(), args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <product-id>",
	Short: "Resume checks for a paused product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResumeProduct(cmd.Context(), args[0])
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <product-id>",
	Short: "Clear a product's degraded state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResetProduct(cmd.Context(), args[0])
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <product-id>",
	Short: "Stop tracking a product and delete its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveProduct(cmd.Context(), args[0])
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <product-id>",
	Short: "Run a single check cycle for a product now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CheckOnce(cmd.Context(), args[0])
	},
}

func init() {
	addCmd.Flags().StringVar(&addName, "name", "", "Product display name")
	addCmd.Flags().StringVar(&addQuery, "query", "", "Search query (defaults to the name)")
	addCmd.Flags().Float64Var(&addTarget, "target", 0, "Target price that triggers an alert")
	addCmd.Flags().DurationVar(&addInterval, "interval", 0, "Check interval (defaults to config)")
	addCmd.Flags().StringVar(&addPriority, "priority", "normal", "Scheduling priority: high, normal, or low")

	updateCmd.Flags().StringVar(&updateName, "name", "", "New display name")
	updateCmd.Flags().StringVar(&updateQuery, "query", "", "New search query")
	updateCmd.Flags().Float64Var(&updateTarget, "target", 0, "New target price")
	updateCmd.Flags().DurationVar(&updateInterval, "interval", 0, "New check interval")
	updateCmd.Flags().StringVar(&updatePriority, "priority", "", "New scheduling priority")

	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
}
