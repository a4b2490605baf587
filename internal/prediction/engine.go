package prediction

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"deal-radar/internal/analysis"
	"deal-radar/internal/config"
	"deal-radar/internal/metrics"
)

// ErrNoHistory indicates a forecast was requested before any sample exists.
var ErrNoHistory = errors.New("prediction: no history")

// Prediction is one generated forecast.
type Prediction struct {
	ProductID    string
	HorizonDays  int
	Price        float64
	Lower        float64
	Upper        float64
	Confidence   float64
	ModelID      string
	TrainSamples int
	GeneratedAt  time.Time
}

// Engine maintains per-product model state. The check loop reads the
// current model through an atomic handle; retraining builds a replacement
// off to the side and swaps it in whole.
type Engine struct {
	cfg         config.PredictionConfig
	analysisCfg config.AnalysisConfig
	logger      zerolog.Logger

	mux        sync.Mutex
	models     map[string]*atomic.Pointer[Model]
	retraining map[string]struct{}
}

// NewEngine builds a prediction engine from runtime settings.
func NewEngine(cfg config.PredictionConfig, analysisCfg config.AnalysisConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		analysisCfg: analysisCfg,
		logger:      logger.With().Str("component", "prediction_engine").Logger(),
		models:      make(map[string]*atomic.Pointer[Model]),
		retraining:  make(map[string]struct{}),
	}
}

// Predict evaluates the current model at the requested horizon. With no
// trained model, or below the training minimum, it degrades to a naive
// persistence forecast instead of failing.
func (e *Engine) Predict(productID string, history []analysis.Sample, horizonDays int, now time.Time) (Prediction, error) {
	if len(history) == 0 {
		return Prediction{}, ErrNoHistory
	}
	if horizonDays <= 0 {
		horizonDays = e.cfg.DefaultHorizon
	}

	last := history[len(history)-1]

	model := e.currentModel(productID)
	if model == nil || len(history) < e.cfg.MinTrainSamples {
		fc := naiveForecast(last.Price)
		return e.toPrediction(productID, horizonDays, fc, len(history), now), nil
	}

	fc := model.Predict(last.At, horizonDays)
	return e.toPrediction(productID, horizonDays, fc, model.TrainSamples, now), nil
}

// PredictAll evaluates every configured horizon.
func (e *Engine) PredictAll(productID string, history []analysis.Sample, now time.Time) ([]Prediction, error) {
	horizons := e.cfg.Horizons
	if len(horizons) == 0 {
		horizons = []int{e.cfg.DefaultHorizon}
	}

	out := make([]Prediction, 0, len(horizons))
	for _, h := range horizons {
		p, err := e.Predict(productID, history, h, now)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// NeedsRetrain reports whether the product's model is missing, stale, or
// behind the history by the configured sample count.
func (e *Engine) NeedsRetrain(productID string, historyLen int, now time.Time) bool {
	if historyLen < e.cfg.MinTrainSamples {
		return false
	}
	model := e.currentModel(productID)
	if model == nil {
		return true
	}
	if historyLen-model.TrainSamples >= e.cfg.RetrainCount {
		return true
	}
	return now.Sub(model.TrainedAt) >= e.cfg.MaxModelAge
}

// MaybeRetrain kicks off an asynchronous retrain when the policy calls for
// one. At most one retrain per product runs at a time. Returns true when a
// retrain was started.
func (e *Engine) MaybeRetrain(productID string, history []analysis.Sample, now time.Time) bool {
	if !e.NeedsRetrain(productID, len(history), now) {
		return false
	}

	e.mux.Lock()
	if _, busy := e.retraining[productID]; busy {
		e.mux.Unlock()
		return false
	}
	e.retraining[productID] = struct{}{}
	e.mux.Unlock()

	snapshot := make([]analysis.Sample, len(history))
	copy(snapshot, history)

	go func() {
		defer func() {
			e.mux.Lock()
			delete(e.retraining, productID)
			e.mux.Unlock()
		}()
		e.train(productID, snapshot, now)
	}()
	return true
}

// Retrain fits a model synchronously. Used by the CLI predict path where
// waiting for a fresh model is the point.
func (e *Engine) Retrain(productID string, history []analysis.Sample, now time.Time) *Model {
	if len(history) < e.cfg.MinTrainSamples {
		return nil
	}
	return e.train(productID, history, now)
}

func (e *Engine) train(productID string, history []analysis.Sample, now time.Time) *Model {
	if limit := e.cfg.HistoryWindowMax; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	started := time.Now()
	model := trainModel(
		productID,
		history,
		e.analysisCfg.ShortWindow,
		e.analysisCfg.LongWindow,
		e.cfg.EnsembleTrees,
		now,
	)
	e.handle(productID).Store(model)
	metrics.RetrainsTotal.Inc()

	e.logger.Debug().
		Str("product_id", productID).
		Int("train_samples", model.TrainSamples).
		Dur("took", time.Since(started)).
		Msg("model retrained")
	return model
}

func (e *Engine) currentModel(productID string) *Model {
	return e.handle(productID).Load()
}

func (e *Engine) handle(productID string) *atomic.Pointer[Model] {
	e.mux.Lock()
	defer e.mux.Unlock()
	h, ok := e.models[productID]
	if !ok {
		h = &atomic.Pointer[Model]{}
		e.models[productID] = h
	}
	return h
}

// Forget drops the model state for a removed product.
func (e *Engine) Forget(productID string) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.models, productID)
}

func (e *Engine) toPrediction(productID string, horizonDays int, fc Forecast, trainSamples int, now time.Time) Prediction {
	return Prediction{
		ProductID:    productID,
		HorizonDays:  horizonDays,
		Price:        fc.Price,
		Lower:        fc.Lower,
		Upper:        fc.Upper,
		Confidence:   fc.Confidence,
		ModelID:      fc.ModelID,
		TrainSamples: trainSamples,
		GeneratedAt:  now,
	}
}
