package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePrice float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert <product-id>",
	Short: "以指定价格模拟一次检查并触发告警",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), args[0], decimal.NewFromFloat(simulatePrice))
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟的当前价格")
}
