// Package adaptive implements a batch-size controller: on a ticker, it
// reconciles the currently observed load against a performance threshold
// and nudges the active batch-size cap up or down, deferring to the
// predictor's recommendation whenever its confidence clears 0.7. Grounded
// on an adaptive batcher reference implementation (adaptParameters, bounded
// stats, interval ticker) for the reconcile-on-ticker shape.
package adaptive

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/predictor"
)

// maxHistory bounds the adjustment history.
const maxHistory = 10

// deadband is the minimum |load-threshold| gap below which no adjustment is
// made.
const deadband = 0.05

// maxAdjustmentFraction caps the per-tick adjustment at half of the current
// cap: the min(|loadDiff|, 0.5) term.
const maxAdjustmentFraction = 0.5

// confidenceOverride is the predictor-confidence floor above which its
// recommendation replaces the threshold-comparison adjustment.
const confidenceOverride = 0.7

// Config mirrors the adaptiveInterval/performanceThreshold options surfaced
// through engine configuration.
type Config struct {
	Interval             time.Duration
	PerformanceThreshold float64
	MinBatchSize         int
	MaxBatchSize         int
	InitialBatchSize     int
}

// Adjustment records one reconciliation decision.
type Adjustment struct {
	Timestamp   time.Time
	PreviousCap int
	NewCap      int
	Load        float64
	Reason      string
}

// LoadFunc reports the engine's current load (e.g. queue depth ratio or
// observed latency normalized to [0,1]) at reconciliation time.
type LoadFunc func() float64

// Controller is the adaptive batch-size controller.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	loadFn      LoadFunc
	pred        *predictor.Predictor

	mu      sync.Mutex
	cap     int
	history []Adjustment
}

// New creates a Controller. pred may be nil, in which case the controller
// never takes the predictor-override branch.
func New(cfg Config, loadFn LoadFunc, pred *predictor.Predictor, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cap := cfg.InitialBatchSize
	if cap < cfg.MinBatchSize {
		cap = cfg.MinBatchSize
	}
	if cap > cfg.MaxBatchSize {
		cap = cfg.MaxBatchSize
	}
	return &Controller{
		cfg:    cfg,
		logger: logger,
		loadFn: loadFn,
		pred:   pred,
		cap:    cap,
	}
}

// ActiveBatchSizeCap returns the currently active batch-size cap.
func (c *Controller) ActiveBatchSizeCap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// History returns a copy of the bounded adjustment history, most recent last.
func (c *Controller) History() []Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Adjustment, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Controller) clamp(v int) int {
	if v < c.cfg.MinBatchSize {
		return c.cfg.MinBatchSize
	}
	if v > c.cfg.MaxBatchSize {
		return c.cfg.MaxBatchSize
	}
	return v
}

// Reconcile performs one reconciliation pass and returns the resulting
// Adjustment. It is exported directly (in addition to Run's ticker loop) so
// tests can drive it deterministically.
func (c *Controller) Reconcile() Adjustment {
	load := c.loadFn()

	var predicted *predictor.Prediction
	if c.pred != nil {
		p := c.pred.Predict()
		predicted = &p
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.cap
	newCap := previous
	reason := "no adjustment"
	adjusted := false

	loadDiff := load - c.cfg.PerformanceThreshold
	if math.Abs(loadDiff) > deadband {
		fraction := math.Min(math.Abs(loadDiff), maxAdjustmentFraction)
		sign := 1.0
		if loadDiff > 0 {
			sign = -1.0
		}
		delta := int(math.Round(float64(previous) * fraction * sign))
		newCap = c.clamp(previous + delta)
		reason = "threshold reconciliation"
		adjusted = true
	}

	// The predictor override is independent of the threshold path and
	// takes effect whenever confidence clears the bar.
	if predicted != nil && predicted.Confidence > confidenceOverride {
		newCap = c.clamp(predicted.RecommendedBatchSize)
		reason = "predictor override"
		adjusted = true
	}

	c.cap = newCap

	adj := Adjustment{
		Timestamp:   time.Now(),
		PreviousCap: previous,
		NewCap:      newCap,
		Load:        load,
		Reason:      reason,
	}
	if adjusted {
		c.history = append(c.history, adj)
		if len(c.history) > maxHistory {
			c.history = c.history[len(c.history)-maxHistory:]
		}
	}

	if newCap != previous {
		c.logger.Debug("adaptive batch-size adjustment",
			zap.Int("previousCap", previous),
			zap.Int("newCap", newCap),
			zap.Float64("load", load),
			zap.String("reason", reason))
	}

	return adj
}

// Run ticks Reconcile on cfg.Interval until stop fires.
func (c *Controller) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Reconcile()
		}
	}
}

