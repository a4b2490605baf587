package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-radar/internal/alerting"
	"deal-radar/internal/analysis"
	"deal-radar/internal/config"
	"deal-radar/internal/fetcher"
	"deal-radar/internal/prediction"
	"deal-radar/internal/scoring"
	"deal-radar/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Analysis: config.AnalysisConfig{
			MinWindow:            2,
			ShortWindow:          7,
			LongWindow:           30,
			SupportPercentile:    10,
			ResistancePercentile: 90,
		},
		Scoring: config.ScoringConfig{
			PercentileWeight:     0.5,
			TrendWeight:          0.3,
			VolatilityWeight:     0.2,
			SlopeSaturation:      1.0,
			VolatilitySaturation: 0.5,
			DealThreshold:        0.7,
		},
		Prediction: config.PredictionConfig{
			Enabled:          false,
			MinTrainSamples:  10,
			RetrainCount:     12,
			MaxModelAge:      time.Hour,
			DefaultHorizon:   7,
			HistoryWindowMax: 500,
		},
		Alerting: config.AlertingConfig{
			Enabled:      true,
			PriceDropPct: 5.0,
			Cooldown:     30 * time.Minute,
			Channels:     []string{"telegram"},
		},
	}
}

type fakeProductStore struct {
	storage.ProductStore
	mu      sync.Mutex
	touched []string
}

func (f *fakeProductStore) TouchLastChecked(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

type fakeSampleStore struct {
	storage.SampleStore
	mu      sync.Mutex
	samples []storage.PriceSample
}

func (f *fakeSampleStore) AppendSample(_ context.Context, s storage.PriceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeSampleStore) ReadWindow(_ context.Context, productID string, count int) ([]storage.PriceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.PriceSample, 0, count)
	for _, s := range f.samples {
		if s.ProductID == productID {
			out = append(out, s)
		}
	}
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

type fakeAlertStore struct {
	storage.AlertStore
	mu       sync.Mutex
	inserted []storage.AlertRecord
}

func (f *fakeAlertStore) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	return rec, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []alerting.AlertEvent
}

func (f *fakeNotifier) Notify(_ context.Context, event alerting.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) kinds() []alerting.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]alerting.Kind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

func newTestRunner(cfg *config.Config, pf fetcher.PriceFetcher, samples *fakeSampleStore, alerts *fakeAlertStore, notifier alerting.Notifier) (*Runner, *fakeProductStore) {
	products := &fakeProductStore{}
	stores := Stores{
		Products: products,
		Samples:  samples,
		Alerts:   alerts,
	}
	r := NewRunner(
		cfg,
		pf,
		stores,
		analysis.NewAnalyzer(cfg.Analysis),
		scoring.NewScorer(cfg.Scoring),
		prediction.NewEngine(cfg.Prediction, cfg.Analysis, zerolog.New(io.Discard)),
		notifier,
		zerolog.New(io.Discard),
	)
	return r, products
}

func seedHistory(samples *fakeSampleStore, productID string, prices ...float64) {
	base := time.Now().UTC().Add(-time.Duration(len(prices)) * 24 * time.Hour)
	for i, p := range prices {
		samples.samples = append(samples.samples, storage.PriceSample{
			ProductID: productID,
			Price:     decimal.NewFromFloat(p),
			Source:    "static",
			CheckedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		})
	}
}

func testProduct() storage.Product {
	return storage.Product{
		ID:            "p1",
		Name:          "usb c hub",
		SearchQuery:   "usb c hub",
		TargetPrice:   decimal.NewFromInt(75),
		CheckInterval: time.Hour,
		Priority:      storage.PriorityNormal,
		Status:        storage.StatusActive,
	}
}

func TestCheckProductTargetReachedOncePerCooldown(t *testing.T) {
	cfg := testConfig()
	samples := &fakeSampleStore{}
	seedHistory(samples, "p1", 100, 90, 80)

	alerts := &fakeAlertStore{}
	notifier := &fakeNotifier{}
	pf := fetcher.NewStatic(map[string]decimal.Decimal{"usb c hub": decimal.NewFromInt(70)})
	r, products := newTestRunner(cfg, pf, samples, alerts, notifier)

	if err := r.CheckProduct(context.Background(), testProduct()); err != nil {
		t.Fatalf("检查失败: %v", err)
	}

	if len(samples.samples) != 4 {
		t.Fatalf("应追加一个新样本, 实际总数 %d", len(samples.samples))
	}
	if len(products.touched) != 1 {
		t.Fatalf("应更新最近检查时间, 实际 %d 次", len(products.touched))
	}

	foundTarget := false
	for _, k := range notifier.kinds() {
		if k == alerting.KindTargetReached {
			foundTarget = true
		}
	}
	if !foundTarget {
		t.Fatalf("现价 70 低于目标价 75, 应触发 target_reached: %v", notifier.kinds())
	}

	// 冷却期内重复检查不应再次触发同类告警。
	before := len(notifier.events)
	if err := r.CheckProduct(context.Background(), testProduct()); err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	for _, e := range notifier.events[before:] {
		if e.Kind == alerting.KindTargetReached {
			t.Fatal("冷却期内 target_reached 不应重复触发")
		}
	}
}

func TestCheckProductPriceDropAlert(t *testing.T) {
	cfg := testConfig()
	samples := &fakeSampleStore{}
	seedHistory(samples, "p1", 100, 100)

	alerts := &fakeAlertStore{}
	notifier := &fakeNotifier{}
	pf := fetcher.NewStatic(map[string]decimal.Decimal{"usb c hub": decimal.NewFromInt(90)})
	r, _ := newTestRunner(cfg, pf, samples, alerts, notifier)

	product := testProduct()
	product.TargetPrice = decimal.NewFromInt(50)

	if err := r.CheckProduct(context.Background(), product); err != nil {
		t.Fatalf("检查失败: %v", err)
	}

	foundDrop := false
	for _, k := range notifier.kinds() {
		if k == alerting.KindPriceDrop {
			foundDrop = true
		}
	}
	if !foundDrop {
		t.Fatalf("10%% 的降幅应触发 price_drop: %v", notifier.kinds())
	}
	if len(alerts.inserted) == 0 {
		t.Fatal("告警应持久化")
	}
}

func TestCheckProductInsufficientHistory(t *testing.T) {
	cfg := testConfig()
	samples := &fakeSampleStore{}
	alerts := &fakeAlertStore{}
	notifier := &fakeNotifier{}
	pf := fetcher.NewStatic(map[string]decimal.Decimal{"usb c hub": decimal.NewFromInt(200)})
	r, _ := newTestRunner(cfg, pf, samples, alerts, notifier)

	product := testProduct()
	product.TargetPrice = decimal.NewFromInt(10)

	if err := r.CheckProduct(context.Background(), product); err != nil {
		t.Fatalf("历史不足不应视为失败: %v", err)
	}
	if len(samples.samples) != 1 {
		t.Fatalf("样本仍应入库, 实际 %d", len(samples.samples))
	}
	if len(notifier.events) != 0 {
		t.Fatalf("历史不足时不应评估告警: %v", notifier.kinds())
	}
}

func TestCheckProductFetchErrorPropagates(t *testing.T) {
	cfg := testConfig()
	samples := &fakeSampleStore{}
	r, _ := newTestRunner(cfg, failingFetcher{}, samples, &fakeAlertStore{}, &fakeNotifier{})

	err := r.CheckProduct(context.Background(), testProduct())
	if err == nil {
		t.Fatal("抓取失败应向调度器传播")
	}
	var fe *fetcher.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("应保留 FetchError 类型: %v", err)
	}
	if len(samples.samples) != 0 {
		t.Fatal("抓取失败时不应写入样本")
	}
}

type failingFetcher struct{}

func (failingFetcher) FetchPrice(_ context.Context, _ string) (fetcher.Quote, error) {
	return fetcher.Quote{}, &fetcher.FetchError{Source: "test", Transient: true, Err: errors.New("unavailable")}
}

func TestEmitDegradedGated(t *testing.T) {
	cfg := testConfig()
	notifier := &fakeNotifier{}
	r, _ := newTestRunner(cfg, fetcher.NewStatic(nil), &fakeSampleStore{}, &fakeAlertStore{}, notifier)

	r.EmitDegraded(context.Background(), testProduct(), 5)
	r.EmitDegraded(context.Background(), testProduct(), 5)

	count := 0
	for _, k := range notifier.kinds() {
		if k == alerting.KindDegraded {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("degraded 告警应受冷却限制, 实际 %d 次", count)
	}
}
