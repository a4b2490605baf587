package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deal-radar/internal/storage"
)

// AddProductOptions collect the fields for a new tracked product.
type AddProductOptions struct {
	Name          string
	SearchQuery   string
	TargetPrice   decimal.Decimal
	CheckInterval time.Duration
	Priority      string
}

// AddProduct registers a new product and returns it with its generated ID.
func (a *App) AddProduct(ctx context.Context, opts AddProductOptions) (storage.Product, error) {
	if opts.Name == "" {
		return storage.Product{}, errors.New("product name is required")
	}
	if !opts.TargetPrice.IsPositive() {
		return storage.Product{}, errors.New("target price must be greater than zero")
	}

	priority, err := parsePriority(opts.Priority)
	if err != nil {
		return storage.Product{}, err
	}

	query := opts.SearchQuery
	if query == "" {
		query = opts.Name
	}

	interval := opts.CheckInterval
	if interval <= 0 {
		interval = a.Config.Monitor.DefaultInterval
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return storage.Product{}, err
	}
	defer closeStore()

	product := storage.Product{
		ID:            uuid.NewString(),
		Name:          opts.Name,
		SearchQuery:   query,
		TargetPrice:   opts.TargetPrice,
		CheckInterval: a.Config.ClampInterval(interval),
		Priority:      priority,
		Status:        storage.StatusActive,
	}
	if err := store.InsertProduct(ctx, product); err != nil {
		return storage.Product{}, err
	}

	a.Logger.Info().Str("product_id", product.ID).Str("name", product.Name).
		Str("target", product.TargetPrice.StringFixed(2)).Msg("product added")
	return product, nil
}

// ListProducts prints all tracked products.
func (a *App) ListProducts(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	products, err := store.ListProducts(ctx)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		fmt.Fprintln(os.Stdout, "no products tracked")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tTarget\tInterval\tPriority\tStatus\tLast Checked (UTC)")
	for _, p := range products {
		lastChecked := "never"
		if p.LastCheckedAt != nil {
			lastChecked = p.LastCheckedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			sanitizeInline(p.Name),
			formatDecimal(p.TargetPrice, 2),
			p.CheckInterval,
			p.Priority,
			p.Status,
			lastChecked,
		)
	}
	return writer.Flush()
}

// UpdateProductOptions carry the caller-owned fields to rewrite. Zero
// values leave the stored field unchanged.
type UpdateProductOptions struct {
	ProductID     string
	Name          string
	SearchQuery   string
	TargetPrice   decimal.Decimal
	CheckInterval time.Duration
	Priority      string
}

// UpdateProduct rewrites a product's tracked parameters. The target price
// and cadence only ever change through this path.
func (a *App) UpdateProduct(ctx context.Context, opts UpdateProductOptions) (storage.Product, error) {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return storage.Product{}, err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return storage.Product{}, err
	}

	if opts.Name != "" {
		product.Name = opts.Name
	}
	if opts.SearchQuery != "" {
		product.SearchQuery = opts.SearchQuery
	}
	if opts.TargetPrice.IsPositive() {
		product.TargetPrice = opts.TargetPrice
	}
	if opts.CheckInterval > 0 {
		product.CheckInterval = a.Config.ClampInterval(opts.CheckInterval)
	}
	if opts.Priority != "" {
		priority, parseErr := parsePriority(opts.Priority)
		if parseErr != nil {
			return storage.Product{}, parseErr
		}
		product.Priority = priority
	}

	if err := store.UpdateProduct(ctx, product); err != nil {
		return storage.Product{}, err
	}

	a.Logger.Info().Str("product_id", product.ID).
		Str("target", product.TargetPrice.StringFixed(2)).
		Dur("interval", product.CheckInterval).Msg("product updated")
	return product, nil
}

// ListAlerts prints the most recent alerts across all products.
func (a *App) ListAlerts(ctx context.Context, limit int) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Alert (UTC)\tProduct\tKind\tPrice\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.ProductID,
			alert.Kind,
			formatDecimal(alert.TriggerPrice, 2),
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

// PauseProduct removes a product from the scheduling rotation.
func (a *App) PauseProduct(ctx context.Context, id string) error {
	return a.transitionStatus(ctx, id, storage.StatusActive, storage.StatusPaused)
}

// ResumeProduct returns a paused product to the rotation.
func (a *App) ResumeProduct(ctx context.Context, id string) error {
	return a.transitionStatus(ctx, id, storage.StatusPaused, storage.StatusActive)
}

// ResetProduct clears the degraded flag so the monitor picks the product up
// again on its next listing.
func (a *App) ResetProduct(ctx context.Context, id string) error {
	return a.transitionStatus(ctx, id, storage.StatusDegraded, storage.StatusActive)
}

func (a *App) transitionStatus(ctx context.Context, id string, from, to storage.ProductStatus) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if product.Status != from {
		return fmt.Errorf("product %s is %s, expected %s", id, product.Status, from)
	}
	if err := store.UpdateProductStatus(ctx, id, to); err != nil {
		return err
	}

	a.Logger.Info().Str("product_id", id).
		Str("from", string(from)).Str("to", string(to)).Msg("product status changed")
	return nil
}

// RemoveProduct deletes a product and, via cascade, its samples.
func (a *App) RemoveProduct(ctx context.Context, id string) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	a.Logger.Info().Str("product_id", id).Msg("product removed")
	return nil
}

// CheckOnce runs a single check cycle for one product, outside the monitor.
func (a *App) CheckOnce(ctx context.Context, id string) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, id)
	if err != nil {
		return err
	}

	runner, _ := a.newRunner(store, a.newFetcher(), a.newNotifier())
	return runner.CheckProduct(ctx, product)
}

func parsePriority(v string) (storage.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(storage.PriorityNormal):
		return storage.PriorityNormal, nil
	case string(storage.PriorityHigh):
		return storage.PriorityHigh, nil
	case string(storage.PriorityLow):
		return storage.PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q (expected high, normal, or low)", v)
	}
}
