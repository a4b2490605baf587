package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"deal-radar/internal/analysis"
	"deal-radar/internal/scoring"
)

// Show prints a product summary with its recent samples and alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	fmt.Fprintf(os.Stdout, "%s (%s)\n", sanitizeInline(product.Name), product.ID)
	fmt.Fprintf(os.Stdout, "  target: %s  interval: %s  priority: %s  status: %s\n",
		formatDecimal(product.TargetPrice, 2), product.CheckInterval, product.Priority, product.Status)

	total, err := store.CountSamples(ctx, product.ID)
	if err != nil {
		return err
	}

	window, err := store.ReadWindow(ctx, product.ID, a.Config.Prediction.HistoryWindowMax)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		fmt.Fprintln(os.Stdout, "  no samples recorded")
		return nil
	}
	fmt.Fprintf(os.Stdout, "  samples: %d total, %d in window\n", total, len(window))

	history := analysis.FromSamples(window)
	feats, analyzeErr := analysis.NewAnalyzer(a.Config.Analysis).Analyze(history)
	if analyzeErr == nil {
		current := window[len(window)-1].Price
		prices := make([]float64, len(history))
		for i, s := range history {
			prices[i] = s.Price
		}
		score := scoring.NewScorer(a.Config.Scoring).Score(
			product.ID, current, prices, feats, product.TargetPrice, time.Now().UTC())

		fmt.Fprintf(os.Stdout, "  trend: %s (slope %.4f/day, r2 %.3f)  support: %.2f  resistance: %.2f\n",
			feats.Direction, feats.Slope, feats.R2, feats.Support, feats.Resistance)
		fmt.Fprintf(os.Stdout, "  deal score: %.3f (percentile rank %.2f, savings %s, deal=%t)\n",
			score.Score, score.PercentileRank, formatDecimal(score.Savings, 2), score.IsDeal)
	} else if !errors.Is(analyzeErr, analysis.ErrInsufficientHistory) {
		return analyzeErr
	}

	if preds, predErr := store.ListPredictions(ctx, product.ID, 1); predErr == nil && len(preds) > 0 {
		p := preds[0]
		fmt.Fprintf(os.Stdout, "  forecast %dd: %s [%s, %s] confidence %.2f (%s, %s)\n",
			p.HorizonDays,
			formatDecimal(p.PredictedPrice, 2),
			formatDecimal(p.LowerBound, 2),
			formatDecimal(p.UpperBound, 2),
			p.Confidence,
			p.ModelID,
			p.GeneratedAt.UTC().Format(time.RFC3339))
	}

	samples := window
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checked (UTC)\tPrice\tSource")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\n",
			sample.CheckedAt.UTC().Format(time.RFC3339),
			formatDecimal(sample.Price, 2),
			sample.Source,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	alerts, err := store.ListProductAlerts(ctx, product.ID, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Alert (UTC)\tKind\tPrice\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Kind,
			formatDecimal(alert.TriggerPrice, 2),
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
