package app

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"deal-radar/internal/fetcher"
)

// SimulateAlert 以给定价格跑一遍完整检查流程, 用于验证告警通道配置。
// 样本会照常入库。
func (a *App) SimulateAlert(ctx context.Context, productID string, price decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, productID)
	if err != nil {
		return err
	}

	static := fetcher.NewStatic(map[string]decimal.Decimal{product.SearchQuery: price})
	runner, _ := a.newRunner(store, static, notifier)
	return runner.CheckProduct(ctx, product)
}
