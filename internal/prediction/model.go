package prediction

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"deal-radar/internal/analysis"
)

const (
	// NaiveModelID marks the persistence fallback used below the
	// training minimum.
	NaiveModelID = "naive-persistence"
	// BlendModelID marks the trained linear + tree-ensemble blend.
	BlendModelID = "linear-forest-blend"

	naiveConfidence = 0.2

	maxTreeDepth = 3
	minLeafSize  = 3

	weightEpsilon = 1e-9
)

// featureVector indices.
const (
	featElapsedDays = iota
	featShortMA
	featLongMA
	featVolatility
	featDayOfWeek
	featureCount
)

// Model is an immutable trained snapshot for one product. Readers obtain
// it through an atomic handle; a retrain builds a fresh one and swaps it in.
type Model struct {
	ProductID    string
	TrainedAt    time.Time
	TrainSamples int

	origin    time.Time
	slope     float64
	intercept float64
	forest    []*treeNode

	weightLinear float64
	weightForest float64

	lastPrice    float64
	lastShortMA  float64
	lastLongMA   float64
	lastVol      float64
	residualP95  float64
	confidence   float64
}

// Forecast is one horizon evaluation of a model.
type Forecast struct {
	Price      float64
	Lower      float64
	Upper      float64
	Confidence float64
	ModelID    string
}

// trainModel fits both estimators on the full history, weighting them by
// inverse backtest error over a held-out recent slice.
func trainModel(productID string, samples []analysis.Sample, shortWindow, longWindow, trees int, now time.Time) *Model {
	origin := samples[0].At
	features, targets := buildFeatures(samples, shortWindow, longWindow, origin)

	slope, intercept := fitLinear(features, targets)
	forest := fitForest(features, targets, trees, hashSeed(productID))

	holdout := backtestSize(len(samples))
	maeLinear, maeForest, residuals := backtest(samples, shortWindow, longWindow, trees, holdout, hashSeed(productID))

	wLinear := 1 / (maeLinear + weightEpsilon)
	wForest := 1 / (maeForest + weightEpsilon)
	total := wLinear + wForest
	wLinear /= total
	wForest /= total

	blendedMAE := wLinear*maeLinear + wForest*maeForest
	meanPrice := meanTargets(targets)

	confidence := 0.0
	if meanPrice > 0 {
		confidence = clamp01(1 - blendedMAE/meanPrice)
	}

	last := len(samples) - 1
	return &Model{
		ProductID:    productID,
		TrainedAt:    now,
		TrainSamples: len(samples),
		origin:       origin,
		slope:        slope,
		intercept:    intercept,
		forest:       forest,
		weightLinear: wLinear,
		weightForest: wForest,
		lastPrice:    samples[last].Price,
		lastShortMA:  features[last][featShortMA],
		lastLongMA:   features[last][featLongMA],
		lastVol:      features[last][featVolatility],
		residualP95:  analysis.Percentile(residuals, 95),
		confidence:   confidence,
	}
}

// Predict evaluates the blended forecast at lastSample + horizon days.
// Future moving averages are unknowable, so the most recent ones persist
// into the feature vector.
func (m *Model) Predict(lastAt time.Time, horizonDays int) Forecast {
	targetAt := lastAt.Add(time.Duration(horizonDays) * 24 * time.Hour)
	elapsed := targetAt.Sub(m.origin).Hours() / 24

	linear := m.intercept + m.slope*elapsed

	vec := [featureCount]float64{
		featElapsedDays: elapsed,
		featShortMA:     m.lastShortMA,
		featLongMA:      m.lastLongMA,
		featVolatility:  m.lastVol,
		featDayOfWeek:   float64(targetAt.Weekday()) / 6,
	}
	tree := evalForest(m.forest, vec[:])

	price := m.weightLinear*linear + m.weightForest*tree
	if price < 0 {
		price = 0
	}

	spread := m.residualP95
	lower := price - spread
	if lower < 0 {
		lower = 0
	}

	return Forecast{
		Price:      price,
		Lower:      lower,
		Upper:      price + spread,
		Confidence: m.confidence,
		ModelID:    BlendModelID,
	}
}

// naiveForecast returns the persistence fallback for sparse histories.
func naiveForecast(lastPrice float64) Forecast {
	return Forecast{
		Price:      lastPrice,
		Lower:      lastPrice,
		Upper:      lastPrice,
		Confidence: naiveConfidence,
		ModelID:    NaiveModelID,
	}
}

func buildFeatures(samples []analysis.Sample, shortWindow, longWindow int, origin time.Time) ([][]float64, []float64) {
	features := make([][]float64, len(samples))
	targets := make([]float64, len(samples))

	for i, s := range samples {
		shortMA := windowMean(samples, i, shortWindow)
		longMA := windowMean(samples, i, longWindow)
		vol := windowCV(samples, i, longWindow)

		features[i] = []float64{
			featElapsedDays: s.At.Sub(origin).Hours() / 24,
			featShortMA:     shortMA,
			featLongMA:      longMA,
			featVolatility:  vol,
			featDayOfWeek:   float64(s.At.Weekday()) / 6,
		}
		targets[i] = s.Price
	}
	return features, targets
}

func windowMean(samples []analysis.Sample, upto, window int) float64 {
	start := upto - window + 1
	if start < 0 {
		start = 0
	}
	var sum float64
	for i := start; i <= upto; i++ {
		sum += samples[i].Price
	}
	return sum / float64(upto-start+1)
}

func windowCV(samples []analysis.Sample, upto, window int) float64 {
	start := upto - window + 1
	if start < 0 {
		start = 0
	}
	n := upto - start + 1
	if n < 2 {
		return 0
	}
	m := windowMean(samples, upto, window)
	if m == 0 {
		return 0
	}
	var sum float64
	for i := start; i <= upto; i++ {
		d := samples[i].Price - m
		sum += d * d
	}
	return math.Sqrt(sum/float64(n-1)) / m
}

// fitLinear regresses target against elapsed days only.
func fitLinear(features [][]float64, targets []float64) (slope, intercept float64) {
	n := float64(len(targets))
	var sumX, sumY, sumXY, sumXX float64
	for i, f := range features {
		x := f[featElapsedDays]
		sumX += x
		sumY += targets[i]
		sumXY += x * targets[i]
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// backtestSize holds out the most recent fifth of the history, between 1
// and 10 points.
func backtestSize(n int) int {
	k := n / 5
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	if k >= n-1 {
		k = 1
	}
	return k
}

// backtest refits both estimators on the history minus the holdout and
// measures their error on the held-out points.
func backtest(samples []analysis.Sample, shortWindow, longWindow, trees, holdout int, seed int64) (maeLinear, maeForest float64, residuals []float64) {
	split := len(samples) - holdout
	trainSamples := samples[:split]
	origin := trainSamples[0].At

	trainFeatures, trainTargets := buildFeatures(trainSamples, shortWindow, longWindow, origin)
	slope, intercept := fitLinear(trainFeatures, trainTargets)
	forest := fitForest(trainFeatures, trainTargets, trees, seed)

	lastShort := trainFeatures[len(trainFeatures)-1][featShortMA]
	lastLong := trainFeatures[len(trainFeatures)-1][featLongMA]
	lastVol := trainFeatures[len(trainFeatures)-1][featVolatility]

	var sumLin, sumFor float64
	residuals = make([]float64, 0, holdout)
	for _, s := range samples[split:] {
		elapsed := s.At.Sub(origin).Hours() / 24
		linear := intercept + slope*elapsed

		vec := [featureCount]float64{
			featElapsedDays: elapsed,
			featShortMA:     lastShort,
			featLongMA:      lastLong,
			featVolatility:  lastVol,
			featDayOfWeek:   float64(s.At.Weekday()) / 6,
		}
		tree := evalForest(forest, vec[:])

		errLin := math.Abs(linear - s.Price)
		errFor := math.Abs(tree - s.Price)
		sumLin += errLin
		sumFor += errFor

		wLin := 1 / (errLin + weightEpsilon)
		wFor := 1 / (errFor + weightEpsilon)
		blended := (wLin*linear + wFor*tree) / (wLin + wFor)
		residuals = append(residuals, math.Abs(blended-s.Price))
	}

	return sumLin / float64(holdout), sumFor / float64(holdout), residuals
}

// treeNode is one node of a depth-limited regression tree.
type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
}

// fitForest grows a bagged ensemble of shallow regression trees.
func fitForest(features [][]float64, targets []float64, trees int, seed int64) []*treeNode {
	if trees <= 0 {
		trees = 1
	}
	rng := rand.New(rand.NewSource(seed))

	forest := make([]*treeNode, trees)
	n := len(targets)
	for t := 0; t < trees; t++ {
		sampleFeatures := make([][]float64, n)
		sampleTargets := make([]float64, n)
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			sampleFeatures[i] = features[j]
			sampleTargets[i] = targets[j]
		}
		forest[t] = growTree(sampleFeatures, sampleTargets, 0)
	}
	return forest
}

func growTree(features [][]float64, targets []float64, depth int) *treeNode {
	if depth >= maxTreeDepth || len(targets) < 2*minLeafSize {
		return &treeNode{leaf: true, value: meanTargets(targets)}
	}

	feature, threshold, ok := bestSplit(features, targets)
	if !ok {
		return &treeNode{leaf: true, value: meanTargets(targets)}
	}

	var (
		leftF, rightF [][]float64
		leftT, rightT []float64
	)
	for i, f := range features {
		if f[feature] <= threshold {
			leftF = append(leftF, f)
			leftT = append(leftT, targets[i])
		} else {
			rightF = append(rightF, f)
			rightT = append(rightT, targets[i])
		}
	}
	if len(leftT) < minLeafSize || len(rightT) < minLeafSize {
		return &treeNode{leaf: true, value: meanTargets(targets)}
	}

	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      growTree(leftF, leftT, depth+1),
		right:     growTree(rightF, rightT, depth+1),
	}
}

// bestSplit scans every feature's midpoints for the split minimising the
// summed squared error of the two children.
func bestSplit(features [][]float64, targets []float64) (int, float64, bool) {
	bestSSE := math.Inf(1)
	bestFeature := -1
	bestThreshold := 0.0

	for f := 0; f < featureCount; f++ {
		values := make([]float64, len(features))
		for i, row := range features {
			values[i] = row[f]
		}
		candidates := splitCandidates(values)
		for _, threshold := range candidates {
			var leftT, rightT []float64
			for i, v := range values {
				if v <= threshold {
					leftT = append(leftT, targets[i])
				} else {
					rightT = append(rightT, targets[i])
				}
			}
			if len(leftT) < minLeafSize || len(rightT) < minLeafSize {
				continue
			}
			sse := sumSquaredError(leftT) + sumSquaredError(rightT)
			if sse < bestSSE {
				bestSSE = sse
				bestFeature = f
				bestThreshold = threshold
			}
		}
	}

	if bestFeature < 0 {
		return 0, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitCandidates(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	candidates := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			candidates = append(candidates, (sorted[i]+sorted[i-1])/2)
		}
	}
	return candidates
}

func evalForest(forest []*treeNode, vec []float64) float64 {
	if len(forest) == 0 {
		return 0
	}
	var sum float64
	for _, tree := range forest {
		sum += evalTree(tree, vec)
	}
	return sum / float64(len(forest))
}

func evalTree(node *treeNode, vec []float64) float64 {
	for !node.leaf {
		if vec[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.value
}

func meanTargets(targets []float64) float64 {
	if len(targets) == 0 {
		return 0
	}
	var sum float64
	for _, t := range targets {
		sum += t
	}
	return sum / float64(len(targets))
}

func sumSquaredError(targets []float64) float64 {
	m := meanTargets(targets)
	var sum float64
	for _, t := range targets {
		sum += (t - m) * (t - m)
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hashSeed(s string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range s {
		h ^= int64(c)
		h *= 1099511628211
	}
	return h
}
