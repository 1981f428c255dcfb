// Command batchengine wires configuration, logging, metrics, the Batcher
// core, the Predictor, the Adaptive controller, the downstream transport,
// the demo WebSocket acceptor and the admin HTTP API into a running
// process. Grounded on a composition root's flag-parsing / signal-handling
// / graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/acceptor"
	"github.com/batchfabric/batchengine/internal/adaptive"
	"github.com/batchfabric/batchengine/internal/admin"
	"github.com/batchfabric/batchengine/internal/batching"
	"github.com/batchfabric/batchengine/internal/compression"
	"github.com/batchfabric/batchengine/internal/config"
	"github.com/batchfabric/batchengine/internal/dispatch"
	"github.com/batchfabric/batchengine/internal/message"
	"github.com/batchfabric/batchengine/internal/metrics"
	"github.com/batchfabric/batchengine/internal/predictor"
	"github.com/batchfabric/batchengine/internal/transport"
)

const (
	appName    = "batchengine"
	appVersion = "v1.0.0"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration directory")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := config.InitLogger(cfg)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metricsCollector := metrics.New(registry, logger)

	compressor := compression.New(compression.Config{
		Enabled:   cfg.Compression.Enabled,
		Algorithm: compression.AlgorithmGzip,
		Level:     cfg.Compression.Level,
		MinSize:   cfg.Compression.MinSize,
		PriorityThresholds: map[message.Priority]int{
			message.PriorityHigh:   cfg.Compression.PriorityThresholds.High,
			message.PriorityMedium: cfg.Compression.PriorityThresholds.Medium,
			message.PriorityLow:    cfg.Compression.PriorityThresholds.Low,
		},
		EnablePool: true,
	}, logger)

	pool, err := dispatch.New(dispatch.Config{
		Size:           cfg.Dispatch.PoolSize,
		ExpiryDuration: 10 * time.Second,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create dispatch pool: %v", err)
	}
	defer pool.Release()

	batcher := batching.New(batching.Config{
		BatchSize:    cfg.Batching.BatchSize,
		MinBatchSize: cfg.Batching.MinBatchSize,
		MaxBatchSize: cfg.Batching.MaxBatchSize,
		Timeouts: map[message.Priority]time.Duration{
			message.PriorityHigh:   cfg.Batching.Timeouts.High,
			message.PriorityMedium: cfg.Batching.Timeouts.Medium,
			message.PriorityLow:    cfg.Batching.Timeouts.Low,
		},
		CompressionEnabled: cfg.Compression.Enabled,
		CompressionMinSize: cfg.Compression.MinSize,
		AnalyticsEnabled:   cfg.Batching.Analytics.Enabled,
		AnalyticsInterval:  cfg.Batching.Analytics.Interval,
	}, compressor, pool, logger)

	pred := predictor.New(predictor.Config{
		LearningRate:       cfg.Predictor.LearningRate,
		HistorySize:        cfg.Predictor.HistorySize,
		FeatureWindow:      cfg.Predictor.FeatureWindow,
		PredictionInterval: cfg.Predictor.PredictionInterval,
		MinBatchSize:       cfg.Batching.MinBatchSize,
		MaxBatchSize:       cfg.Batching.MaxBatchSize,
	}, logger)

	adaptiveController := adaptive.New(adaptive.Config{
		Interval:             cfg.Adaptive.Interval,
		PerformanceThreshold: cfg.Adaptive.PerformanceThreshold,
		MinBatchSize:         cfg.Batching.MinBatchSize,
		MaxBatchSize:         cfg.Batching.MaxBatchSize,
		InitialBatchSize:     cfg.Batching.BatchSize,
	}, func() float64 {
		m := batcher.GetMetrics()
		if cfg.Batching.MaxBatchSize == 0 {
			return 0
		}
		return float64(m.ActiveBatches) / float64(cfg.Batching.MaxBatchSize)
	}, pred, logger)

	publisher, err := transport.New(transport.Config{
		NatsURL:            cfg.Transport.NatsURL,
		Subject:            cfg.Transport.Subject,
		BreakerMaxRequests: 5,
		BreakerInterval:    30 * time.Second,
		BreakerTimeout:     60 * time.Second,
	}, logger)
	if err != nil {
		logger.Warn("downstream transport unavailable, batches will only be observed locally", zap.Error(err))
	}

	batcher.OnBatch(func(envelope batching.BatchEnvelope) {
		metricsCollector.RecordBatch(len(envelope.Messages), string(envelope.Reason), time.Since(envelope.FlushedAt))
		if envelope.Compressed {
			metricsCollector.RecordCompression(envelope.OriginalSize, envelope.CompressedSize, 0)
		}
		if publisher != nil {
			if err := publisher.Publish(envelope); err != nil {
				logger.Error("failed to publish batch", zap.Error(err))
			}
		}
	})

	stopPredictor := make(chan struct{})
	pred.OnPrediction(func(p predictor.Prediction) {
		metricsCollector.RecordPrediction(p.RecommendedBatchSize, p.Confidence)
	})
	go pred.Run(stopPredictor)

	stopAdaptive := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Adaptive.Interval)
		defer ticker.Stop()

		lastTick := time.Now()
		var lastMessagesDelivered, lastErrorTotal uint64

		for {
			select {
			case <-stopAdaptive:
				return
			case now := <-ticker.C:
				elapsed := now.Sub(lastTick).Seconds()
				if elapsed <= 0 {
					elapsed = cfg.Adaptive.Interval.Seconds()
				}

				m := batcher.GetMetrics()

				var errTotal uint64
				for _, n := range m.ErrorCounts {
					errTotal += n
				}

				messageRate := float64(m.TotalMessagesDelivered-lastMessagesDelivered) / elapsed
				errorRate := float64(errTotal-lastErrorTotal) / elapsed

				var latencySum time.Duration
				var latencyCount int64
				for _, stats := range m.PerPriorityLatency {
					latencySum += stats.Sum
					latencyCount += stats.Count
				}
				var avgLatencyMs float64
				if latencyCount > 0 {
					avgLatencyMs = float64(latencySum) / float64(latencyCount) / float64(time.Millisecond)
				}

				var resourceUsage float64
				if cfg.Dispatch.PoolSize > 0 {
					resourceUsage = float64(pool.Running()) / float64(cfg.Dispatch.PoolSize)
				}

				pred.Observe(predictor.DataPoint{
					Timestamp:        now,
					MessageRate:      messageRate,
					Latency:          avgLatencyMs,
					ErrorRate:        errorRate,
					CompressionRatio: compressor.Snapshot().CompressionRatio,
					ResourceUsage:    resourceUsage,
					BatchSize:        float64(batcher.ActiveBatchSizeCap()),
				})

				lastTick = now
				lastMessagesDelivered = m.TotalMessagesDelivered
				lastErrorTotal = errTotal

				adj := adaptiveController.Reconcile()
				batcher.SetActiveBatchSizeCap(adj.NewCap)
				metricsCollector.RecordAdaptiveAdjustment(adj.Load)
				metricsCollector.SetActiveBatchSizeCap(adj.NewCap)
			}
		}
	}()

	connAcceptor := acceptor.New(acceptor.DefaultConfig(), batcher, logger)
	acceptorMux := http.NewServeMux()
	acceptorMux.Handle(cfg.Acceptor.Path, connAcceptor)
	acceptorServer := &http.Server{Addr: cfg.Acceptor.ListenAddr, Handler: acceptorMux}

	adminServer := admin.New(admin.Config{
		ListenAddr: cfg.Admin.ListenAddr,
		JWTSecret:  cfg.Admin.JWTSecret,
	}, batcher, adaptiveController, logger)

	go func() {
		logger.Info("acceptor listening", zap.String("addr", cfg.Acceptor.ListenAddr))
		if err := acceptorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("acceptor server stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("admin API listening", zap.String("addr", cfg.Admin.ListenAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	close(stopPredictor)
	close(stopAdaptive)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := batcher.Stop(ctx); err != nil {
		logger.Error("batcher stop did not complete cleanly", zap.Error(err))
	}
	if err := acceptorServer.Shutdown(ctx); err != nil {
		logger.Error("acceptor shutdown error", zap.Error(err))
	}
	if err := adminServer.Shutdown(); err != nil {
		logger.Error("admin shutdown error", zap.Error(err))
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("transport close error", zap.Error(err))
		}
	}
}
