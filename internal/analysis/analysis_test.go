package analysis

import (
	"errors"
	"math"
	"testing"
	"time"

	"deal-radar/internal/config"
)

func testConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		MinWindow:            2,
		ShortWindow:          3,
		LongWindow:           5,
		SupportPercentile:    10,
		ResistancePercentile: 90,
	}
}

func series(prices ...float64) []Sample {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Sample, len(prices))
	for i, p := range prices {
		out[i] = Sample{Price: p, At: base.Add(time.Duration(i) * 24 * time.Hour)}
	}
	return out
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	a := NewAnalyzer(testConfig())
	if _, err := a.Analyze(series(10)); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("样本不足应返回 ErrInsufficientHistory, 实际 %v", err)
	}
}

func TestAnalyzeConstantSeries(t *testing.T) {
	a := NewAnalyzer(testConfig())
	feats, err := a.Analyze(series(50, 50, 50, 50))
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	if feats.Slope != 0 {
		t.Fatalf("常数序列斜率应为 0, 实际 %g", feats.Slope)
	}
	if feats.R2 != 1 {
		t.Fatalf("常数序列 R2 应为 1, 实际 %g", feats.R2)
	}
	if feats.Direction != DirectionStable {
		t.Fatalf("常数序列方向应为 stable, 实际 %s", feats.Direction)
	}
	if feats.Volatility != 0 || !feats.VolatilityValid {
		t.Fatalf("常数序列波动率应为 0 且有效")
	}
	if feats.Support != 50 || feats.Resistance != 50 {
		t.Fatalf("支撑阻力应均为 50, 实际 %g/%g", feats.Support, feats.Resistance)
	}
}

func TestAnalyzeLinearDowntrend(t *testing.T) {
	a := NewAnalyzer(testConfig())
	feats, err := a.Analyze(series(100, 98, 96, 94, 92, 90))
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	if math.Abs(feats.Slope-(-2)) > 1e-9 {
		t.Fatalf("每日斜率应为 -2, 实际 %g", feats.Slope)
	}
	if math.Abs(feats.R2-1) > 1e-9 {
		t.Fatalf("完美线性拟合 R2 应为 1, 实际 %g", feats.R2)
	}
	if feats.Direction != DirectionDown {
		t.Fatalf("方向应为 down, 实际 %s", feats.Direction)
	}
	if math.Abs(feats.ShortMA-92) > 1e-9 {
		t.Fatalf("短期均线应为 (94+92+90)/3=92, 实际 %g", feats.ShortMA)
	}
	if math.Abs(feats.LongMA-94) > 1e-9 {
		t.Fatalf("长期均线应为最近 5 个样本均值 94, 实际 %g", feats.LongMA)
	}
	if feats.LongWindowPartial {
		t.Fatal("样本数满足长窗口时不应标记 partial")
	}
}

func TestAnalyzeLongWindowPartial(t *testing.T) {
	a := NewAnalyzer(testConfig())
	feats, err := a.Analyze(series(10, 11, 12))
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	if !feats.LongWindowPartial {
		t.Fatal("样本数少于长窗口时应标记 partial")
	}
	if feats.Direction != DirectionUp {
		t.Fatalf("方向应为 up, 实际 %s", feats.Direction)
	}
}

func TestAnalyzeZeroMeanVolatilityInvalid(t *testing.T) {
	a := NewAnalyzer(testConfig())
	feats, err := a.Analyze(series(-1, 1, -1, 1))
	if err != nil {
		t.Fatalf("分析失败: %v", err)
	}
	if feats.VolatilityValid {
		t.Fatal("均值为 0 时波动率应标记为无效")
	}
}

func TestPercentileInterpolation(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50}
	cases := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{50, 30},
		{90, 46},
		{100, 50},
	}
	for _, tc := range cases {
		if got := Percentile(values, tc.p); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("P%g 期望 %g, 实际 %g", tc.p, tc.want, got)
		}
	}
	if got := Percentile(nil, 50); got != 0 {
		t.Fatalf("空序列应返回 0, 实际 %g", got)
	}
}
