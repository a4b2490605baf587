package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-radar/internal/alerting"
	"deal-radar/internal/analysis"
	"deal-radar/internal/config"
	"deal-radar/internal/fetcher"
	"deal-radar/internal/metrics"
	"deal-radar/internal/prediction"
	"deal-radar/internal/scoring"
	"deal-radar/internal/storage"
)

// Stores groups the persistence interfaces the runner consumes.
type Stores struct {
	Products    storage.ProductStore
	Samples     storage.SampleStore
	Alerts      storage.AlertStore
	Predictions storage.PredictionStore
}

// Runner executes the per-product check pipeline: fetch, append, analyze,
// score, predict, evaluate alerts. One CheckProduct call is the atomic
// unit the scheduler dispatches.
type Runner struct {
	cfg      *config.Config
	fetcher  fetcher.PriceFetcher
	stores   Stores
	analyzer *analysis.Analyzer
	scorer   *scoring.Scorer
	engine   *prediction.Engine
	notifier alerting.Notifier
	gate     *alerting.Gate
	logger   zerolog.Logger
}

// NewRunner wires the check pipeline.
func NewRunner(cfg *config.Config, pf fetcher.PriceFetcher, stores Stores, analyzer *analysis.Analyzer, scorer *scoring.Scorer, engine *prediction.Engine, notifier alerting.Notifier, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		fetcher:  pf,
		stores:   stores,
		analyzer: analyzer,
		scorer:   scorer,
		engine:   engine,
		notifier: notifier,
		gate:     alerting.NewGate(cfg.Alerting.Cooldown),
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// ListActiveProducts adapts the product store for the monitor.
func (r *Runner) ListActiveProducts(ctx context.Context) ([]storage.Product, error) {
	return r.stores.Products.ListProductsByStatus(ctx, storage.StatusActive)
}

// CheckProduct runs one full check cycle. A returned error means the fetch
// (or persistence) did not complete and the scheduler may retry; anything
// after a stored sample degrades to logging instead of failing the cycle.
func (r *Runner) CheckProduct(ctx context.Context, product storage.Product) error {
	started := time.Now()
	defer func() {
		metrics.CheckDuration.Observe(time.Since(started).Seconds())
	}()

	quote, err := r.fetcher.FetchPrice(ctx, product.SearchQuery)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	previous, err := r.lastPrice(ctx, product.ID)
	if err != nil {
		return fmt.Errorf("read previous sample: %w", err)
	}

	sample := storage.PriceSample{
		ProductID: product.ID,
		Price:     quote.Price,
		Source:    quote.Source,
		Metadata:  quote.Metadata,
		CheckedAt: now,
	}
	if err := r.stores.Samples.AppendSample(ctx, sample); err != nil {
		if errors.Is(err, storage.ErrDuplicateTimestamp) {
			r.logger.Debug().Str("product_id", product.ID).Time("checked_at", now).
				Msg("duplicate sample timestamp, skipping append")
		} else {
			return fmt.Errorf("append sample: %w", err)
		}
	}

	if err := r.stores.Products.TouchLastChecked(ctx, product.ID, now); err != nil {
		r.logger.Error().Err(err).Str("product_id", product.ID).Msg("touch last checked failed")
	}

	window, err := r.stores.Samples.ReadWindow(ctx, product.ID, r.cfg.Prediction.HistoryWindowMax)
	if err != nil {
		r.logger.Error().Err(err).Str("product_id", product.ID).Msg("read history window failed")
		return nil
	}
	history := analysis.FromSamples(window)

	feats, err := r.analyzer.Analyze(history)
	if err != nil {
		if errors.Is(err, analysis.ErrInsufficientHistory) {
			r.logger.Debug().Str("product_id", product.ID).Int("samples", len(history)).
				Msg("history below analysis minimum")
			return nil
		}
		r.logger.Error().Err(err).Str("product_id", product.ID).Msg("trend analysis failed")
		return nil
	}

	prices := make([]float64, len(history))
	for i, s := range history {
		prices[i] = s.Price
	}
	score := r.scorer.Score(product.ID, quote.Price, prices, feats, product.TargetPrice, now)

	r.logger.Info().Str("product_id", product.ID).
		Str("price", quote.Price.StringFixed(2)).
		Float64("score", score.Score).
		Float64("percentile_rank", score.PercentileRank).
		Str("direction", string(feats.Direction)).
		Msg("check complete")

	pred := r.refreshPrediction(ctx, product, history, now)
	r.evaluateAlerts(ctx, product, quote.Price, previous, score, pred, now)
	return nil
}

func (r *Runner) lastPrice(ctx context.Context, productID string) (*decimal.Decimal, error) {
	recent, err := r.stores.Samples.ReadWindow(ctx, productID, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}
	price := recent[0].Price
	return &price, nil
}

// refreshPrediction triggers retraining per policy and evaluates the
// current model. Retraining never blocks the check cycle.
func (r *Runner) refreshPrediction(ctx context.Context, product storage.Product, history []analysis.Sample, now time.Time) *prediction.Prediction {
	if !r.cfg.Prediction.Enabled {
		return nil
	}

	r.engine.MaybeRetrain(product.ID, history, now)

	pred, err := r.engine.Predict(product.ID, history, r.cfg.Prediction.DefaultHorizon, now)
	if err != nil {
		r.logger.Debug().Err(err).Str("product_id", product.ID).Msg("prediction unavailable")
		return nil
	}

	if r.stores.Predictions != nil && pred.ModelID != prediction.NaiveModelID {
		rec := storage.PredictionRecord{
			ProductID:      product.ID,
			HorizonDays:    pred.HorizonDays,
			PredictedPrice: decimal.NewFromFloat(pred.Price),
			LowerBound:     decimal.NewFromFloat(pred.Lower),
			UpperBound:     decimal.NewFromFloat(pred.Upper),
			Confidence:     pred.Confidence,
			ModelID:        pred.ModelID,
			TrainSamples:   pred.TrainSamples,
			GeneratedAt:    pred.GeneratedAt,
		}
		if _, err := r.stores.Predictions.InsertPrediction(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("product_id", product.ID).Msg("persist prediction failed")
		}
	}
	return &pred
}

func (r *Runner) evaluateAlerts(ctx context.Context, product storage.Product, current decimal.Decimal, previous *decimal.Decimal, score scoring.DealScore, pred *prediction.Prediction, now time.Time) {
	if !r.cfg.Alerting.Enabled {
		return
	}

	if current.LessThanOrEqual(product.TargetPrice) {
		r.emit(ctx, alerting.AlertEvent{
			ProductID:    product.ID,
			ProductName:  product.Name,
			Kind:         alerting.KindTargetReached,
			CurrentPrice: current,
			TargetPrice:  product.TargetPrice,
			Savings:      score.Savings,
			EmittedAt:    now,
		})
	}

	if previous != nil && previous.IsPositive() {
		dropPct := previous.Sub(current).Div(*previous).Mul(decimal.NewFromInt(100))
		if dropPct.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.Alerting.PriceDropPct)) {
			r.emit(ctx, alerting.AlertEvent{
				ProductID:     product.ID,
				ProductName:   product.Name,
				Kind:          alerting.KindPriceDrop,
				CurrentPrice:  current,
				PreviousPrice: previous,
				TargetPrice:   product.TargetPrice,
				Savings:       score.Savings,
				Message:       fmt.Sprintf("Drop: %s%%", dropPct.StringFixed(1)),
				EmittedAt:     now,
			})
		}
	}

	if score.IsDeal {
		r.emit(ctx, alerting.AlertEvent{
			ProductID:    product.ID,
			ProductName:  product.Name,
			Kind:         alerting.KindDealDetected,
			CurrentPrice: current,
			TargetPrice:  product.TargetPrice,
			Savings:      score.Savings,
			Score:        score.Score,
			EmittedAt:    now,
		})
	}

	if pred != nil && r.cfg.Alerting.PredictionEnabled && pred.ModelID != prediction.NaiveModelID {
		currentF, _ := current.Float64()
		if pred.Price < currentF && pred.Confidence >= r.cfg.Prediction.AlertConfidence {
			r.emit(ctx, alerting.AlertEvent{
				ProductID:    product.ID,
				ProductName:  product.Name,
				Kind:         alerting.KindPredictionAlert,
				CurrentPrice: current,
				TargetPrice:  product.TargetPrice,
				Message: fmt.Sprintf("Forecast %dd: %.2f (confidence %.2f)",
					pred.HorizonDays, pred.Price, pred.Confidence),
				EmittedAt: now,
			})
		}
	}
}

// EmitDegraded publishes the one-shot alert for a product entering the
// degraded state. Wired as the monitor's OnDegraded callback.
func (r *Runner) EmitDegraded(ctx context.Context, product storage.Product, failures int) {
	r.emit(ctx, alerting.AlertEvent{
		ProductID:   product.ID,
		ProductName: product.Name,
		Kind:        alerting.KindDegraded,
		TargetPrice: product.TargetPrice,
		Message:     fmt.Sprintf("Disabled after %d consecutive failures. Reset to resume.", failures),
		EmittedAt:   time.Now().UTC(),
	})
}

// emit applies the cooldown gate, persists the alert, and dispatches it
// best effort.
func (r *Runner) emit(ctx context.Context, event alerting.AlertEvent) {
	event.DedupKey = alerting.NewDedupKey(event.ProductID, event.Kind)
	event.Channels = r.cfg.Alerting.Channels

	if !r.gate.Allow(event.DedupKey, event.EmittedAt) {
		r.logger.Debug().Str("dedup_key", event.DedupKey).Msg("alert suppressed by cooldown")
		return
	}

	metrics.AlertsTotal.WithLabelValues(string(event.Kind)).Inc()

	if r.stores.Alerts != nil {
		record := storage.AlertRecord{
			ProductID:     event.ProductID,
			Kind:          string(event.Kind),
			DedupKey:      event.DedupKey,
			TriggerPrice:  event.CurrentPrice,
			PreviousPrice: event.PreviousPrice,
			Savings:       event.Savings,
			Message:       event.Message,
			Channels:      event.Channels,
		}
		if _, err := r.stores.Alerts.InsertAlert(ctx, record); err != nil {
			r.logger.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("persist alert failed")
		}
	}

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, event); err != nil {
			r.logger.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("dispatch alert failed")
		}
	}
}
