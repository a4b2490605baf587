package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"deal-radar/internal/analysis"
	"deal-radar/internal/prediction"
)

// Predict trains a model on the product's stored history and prints forecasts.
func (a *App) Predict(ctx context.Context, opts PredictOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return err
	}

	window, err := store.ReadWindow(ctx, product.ID, a.Config.Prediction.HistoryWindowMax)
	if err != nil {
		return err
	}
	history := analysis.FromSamples(window)

	now := time.Now().UTC()
	engine := prediction.NewEngine(a.Config.Prediction, a.Config.Analysis, a.Logger)
	if model := engine.Retrain(product.ID, history, now); model == nil {
		a.Logger.Info().Str("product_id", product.ID).Int("samples", len(history)).
			Msg("history below training minimum, falling back to naive forecast")
	}

	var predictions []prediction.Prediction
	if opts.Horizon > 0 {
		pred, predictErr := engine.Predict(product.ID, history, opts.Horizon, now)
		if predictErr != nil {
			return predictErr
		}
		predictions = []prediction.Prediction{pred}
	} else {
		predictions, err = engine.PredictAll(product.ID, history, now)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "%s (%s), %d samples\n\n", sanitizeInline(product.Name), product.ID, len(history))

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Horizon\tPredicted\tLow\tHigh\tConfidence\tModel")
	for _, pred := range predictions {
		fmt.Fprintf(
			writer,
			"%dd\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			pred.HorizonDays,
			pred.Price,
			pred.Lower,
			pred.Upper,
			pred.Confidence,
			pred.ModelID,
		)
	}
	return writer.Flush()
}
