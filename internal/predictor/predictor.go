// Package predictor implements an online linear predictor: a sliding window
// of observed DataPoints feeds a 5-feature linear model whose weights are
// nudged by a gradient-style update after every observation, and which
// periodically recommends a batch size with a confidence score. The
// online-update shape (accumulate a bounded window, adjust parameters
// against recent behavior on a ticker) is grounded on an adaptive batcher
// reference implementation, generalized here from ad hoc scalar math to a
// proper weight vector via gonum.
package predictor

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// FeatureCount is the number of input features the model tracks:
// messageRate, latency, errorRate, compressionRatio, resourceUsage.
const FeatureCount = 5

// DataPoint is a single observation fed to the predictor.
type DataPoint struct {
	Timestamp        time.Time
	MessageRate      float64
	Latency          float64
	ErrorRate        float64
	CompressionRatio float64
	ResourceUsage    float64
	// BatchSize is the batch size that was active when this point was
	// observed; it is the model's training target.
	BatchSize float64
}

func (d DataPoint) features() []float64 {
	return []float64{d.MessageRate, d.Latency, d.ErrorRate, d.CompressionRatio, d.ResourceUsage}
}

// Prediction is the periodic output of a Predictor.
type Prediction struct {
	RecommendedBatchSize int
	Confidence           float64
	Features             []float64
	GeneratedAt           time.Time
}

// Config mirrors the predictor.* options surfaced through engine
// configuration.
type Config struct {
	LearningRate       float64
	HistorySize        int
	FeatureWindow      int
	PredictionInterval time.Duration
	MinBatchSize       int
	MaxBatchSize       int
}

// DefaultConfig returns sane out-of-the-box defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate:       0.01,
		HistorySize:        200,
		FeatureWindow:      20,
		PredictionInterval: 5 * time.Second,
		MinBatchSize:       10,
		MaxBatchSize:       1000,
	}
}

// Predictor is the online linear model.
type Predictor struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	history       []DataPoint
	weights       *mat.VecDense
	bias          float64
	totalAbsError float64
	totalUpdates  int

	onPrediction []func(Prediction)
}

// New creates a Predictor with a seeded weight vector and a bias of 1.0.
func New(cfg Config, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Initial weights and bias encode a mild prior: more messages and
	// better compression justify bigger batches, while latency, errors
	// and resource pressure justify smaller ones.
	weights := mat.NewVecDense(FeatureCount, []float64{0.5, -0.3, -0.2, 0.4, -0.3})
	return &Predictor{
		cfg:     cfg,
		logger:  logger,
		history: make([]DataPoint, 0, cfg.HistorySize),
		weights: weights,
		bias:    1.0,
	}
}

// OnPrediction registers a callback invoked every time Run emits a
// Prediction, mirroring the Batcher's onBatch/onAnalytics subscription
// shape. It returns a cancellation function.
func (p *Predictor) OnPrediction(fn func(Prediction)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.onPrediction)
	p.onPrediction = append(p.onPrediction, fn)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.onPrediction) {
			p.onPrediction[idx] = nil
		}
	}
}

// Observe records a new DataPoint, evicting the oldest once HistorySize is
// exceeded, and performs one gradient-style weight update against it.
func (p *Predictor) Observe(d DataPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, d)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}

	p.update(d)
}

// update applies w_i += lr * error * f_i for every feature, where error is
// the residual between the model's current prediction and the observed
// batch size.
func (p *Predictor) update(d DataPoint) {
	features := d.features()
	predicted := p.predictRaw(features)
	err := d.BatchSize - predicted

	lr := p.cfg.LearningRate
	for i, f := range features {
		w := p.weights.AtVec(i)
		p.weights.SetVec(i, w+lr*err*f)
	}
	p.bias += lr * err

	p.totalAbsError += math.Abs(err)
	p.totalUpdates++
}

func (p *Predictor) predictRaw(features []float64) float64 {
	sum := p.bias
	for i, f := range features {
		sum += p.weights.AtVec(i) * f
	}
	return sum
}

// averagedFeatures computes the mean of each feature over the most recent
// FeatureWindow DataPoints.
func (p *Predictor) averagedFeatures() []float64 {
	window := p.cfg.FeatureWindow
	if window > len(p.history) {
		window = len(p.history)
	}
	if window == 0 {
		return make([]float64, FeatureCount)
	}
	start := len(p.history) - window
	sums := make([]float64, FeatureCount)
	for _, d := range p.history[start:] {
		for i, f := range d.features() {
			sums[i] += f
		}
	}
	for i := range sums {
		sums[i] /= float64(window)
	}
	return sums
}

// Predict computes the current recommended batch size and a confidence
// score, clamped to [MinBatchSize, MaxBatchSize].
func (p *Predictor) Predict() Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictLocked()
}

func (p *Predictor) predictLocked() Prediction {
	features := p.averagedFeatures()
	raw := p.predictRaw(features)

	size := int(math.Round(raw))
	if size < p.cfg.MinBatchSize {
		size = p.cfg.MinBatchSize
	}
	if size > p.cfg.MaxBatchSize {
		size = p.cfg.MaxBatchSize
	}

	return Prediction{
		RecommendedBatchSize: size,
		Confidence:           p.confidenceLocked(),
		Features:             features,
		GeneratedAt:          time.Now(),
	}
}

// confidenceLocked computes confidence = min(1, points/historySize) *
// max(0, accuracy), where accuracy = 1 - meanAbsoluteError over every
// update seen so far.
func (p *Predictor) confidenceLocked() float64 {
	if p.totalUpdates == 0 {
		return 0
	}

	coverage := float64(len(p.history)) / float64(p.cfg.HistorySize)
	if coverage > 1 {
		coverage = 1
	}

	meanAbsError := p.totalAbsError / float64(p.totalUpdates)
	accuracy := 1 - meanAbsError
	if accuracy < 0 {
		accuracy = 0
	}

	return coverage * accuracy
}

// Run starts the PredictionInterval ticker until stop fires, emitting a
// Prediction to every subscriber on each tick.
func (p *Predictor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.PredictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pred := p.Predict()
			p.mu.Lock()
			subs := make([]func(Prediction), len(p.onPrediction))
			copy(subs, p.onPrediction)
			p.mu.Unlock()
			for _, fn := range subs {
				if fn != nil {
					fn(pred)
				}
			}
		}
	}
}

// Weights returns a copy of the current weight vector, for diagnostics.
func (p *Predictor) Weights() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, FeatureCount)
	for i := range out {
		out[i] = p.weights.AtVec(i)
	}
	return out
}

// Bias returns the current model bias, for diagnostics.
func (p *Predictor) Bias() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bias
}
