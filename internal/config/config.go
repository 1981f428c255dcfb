// Package config loads the engine's configuration via viper: a typed struct
// with mapstructure tags, built-in defaults overlaid by an optional YAML
// file, and a zap logger built from the resolved log level.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the engine's full configuration surface.
type Config struct {
	Batching struct {
		BatchSize    int `mapstructure:"batch_size"`
		MinBatchSize int `mapstructure:"min_batch_size"`
		MaxBatchSize int `mapstructure:"max_batch_size"`

		Timeouts struct {
			High   time.Duration `mapstructure:"high"`
			Medium time.Duration `mapstructure:"medium"`
			Low    time.Duration `mapstructure:"low"`
		} `mapstructure:"timeouts"`

		Analytics struct {
			Enabled  bool          `mapstructure:"enabled"`
			Interval time.Duration `mapstructure:"interval"`
		} `mapstructure:"analytics"`
	} `mapstructure:"batching"`

	Compression struct {
		Enabled bool `mapstructure:"enabled"`
		MinSize int  `mapstructure:"min_size"`
		Level   int  `mapstructure:"level"`

		PriorityThresholds struct {
			High   int `mapstructure:"high"`
			Medium int `mapstructure:"medium"`
			Low    int `mapstructure:"low"`
		} `mapstructure:"priority_thresholds"`
	} `mapstructure:"compression"`

	Adaptive struct {
		Interval             time.Duration `mapstructure:"interval"`
		PerformanceThreshold float64       `mapstructure:"performance_threshold"`
	} `mapstructure:"adaptive"`

	Predictor struct {
		LearningRate       float64       `mapstructure:"learning_rate"`
		HistorySize        int           `mapstructure:"history_size"`
		FeatureWindow      int           `mapstructure:"feature_window"`
		PredictionInterval time.Duration `mapstructure:"prediction_interval"`
	} `mapstructure:"predictor"`

	Dispatch struct {
		PoolSize int `mapstructure:"pool_size"`
	} `mapstructure:"dispatch"`

	Transport struct {
		NatsURL string `mapstructure:"nats_url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"transport"`

	Acceptor struct {
		ListenAddr string `mapstructure:"listen_addr"`
		Path       string `mapstructure:"path"`
	} `mapstructure:"acceptor"`

	Admin struct {
		ListenAddr string `mapstructure:"listen_addr"`
		JWTSecret  string `mapstructure:"jwt_secret"`
	} `mapstructure:"admin"`

	Monitoring struct {
		PrometheusAddr string `mapstructure:"prometheus_addr"`
		LogLevel       string `mapstructure:"log_level"`
	} `mapstructure:"monitoring"`
}

var (
	cfg  *Config
	once sync.Once
)

// LoadConfig loads the configuration from configPath (a directory), falling
// back to defaults when no file is present. BATCHENGINE_-prefixed
// environment variables are not applied to the returned Config: no key is
// registered or bound with viper before Unmarshal.
func LoadConfig(configPath string) (*Config, error) {
	var err error

	once.Do(func() {
		cfg = &Config{}
		setDefaults()

		v := viper.New()
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if configPath != "" {
			v.AddConfigPath(configPath)
		} else {
			v.AddConfigPath(".")
			v.AddConfigPath("./config")
			v.AddConfigPath("/etc/batchengine")
		}

		v.AutomaticEnv()
		v.SetEnvPrefix("BATCHENGINE")

		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config file: %w", err)
				return
			}
			err = nil
		}

		if err = v.Unmarshal(cfg); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
	})

	return cfg, err
}

// GetConfig returns the process-wide configuration, loading defaults if no
// LoadConfig call has happened yet.
func GetConfig() *Config {
	if cfg == nil {
		if _, err := LoadConfig(""); err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
	}
	return cfg
}

// setDefaults populates every default before the config file or
// environment is applied.
func setDefaults() {
	cfg.Batching.BatchSize = 10
	cfg.Batching.MinBatchSize = 1
	cfg.Batching.MaxBatchSize = 100
	cfg.Batching.Timeouts.High = 1000 * time.Millisecond
	cfg.Batching.Timeouts.Medium = 5000 * time.Millisecond
	cfg.Batching.Timeouts.Low = 10000 * time.Millisecond
	cfg.Batching.Analytics.Enabled = true
	cfg.Batching.Analytics.Interval = 60000 * time.Millisecond

	cfg.Compression.Enabled = true
	cfg.Compression.MinSize = 5
	cfg.Compression.Level = 9 // gzip.BestCompression
	cfg.Compression.PriorityThresholds.High = 500
	cfg.Compression.PriorityThresholds.Medium = 1000
	cfg.Compression.PriorityThresholds.Low = 2000

	cfg.Adaptive.Interval = 5000 * time.Millisecond
	cfg.Adaptive.PerformanceThreshold = 0.8

	cfg.Predictor.LearningRate = 0.01
	cfg.Predictor.HistorySize = 1000
	cfg.Predictor.FeatureWindow = 10
	cfg.Predictor.PredictionInterval = 60000 * time.Millisecond

	cfg.Dispatch.PoolSize = 256

	cfg.Transport.NatsURL = "nats://127.0.0.1:4222"
	cfg.Transport.Subject = "batchengine.batches"

	cfg.Acceptor.ListenAddr = "0.0.0.0:8081"
	cfg.Acceptor.Path = "/ws"

	cfg.Admin.ListenAddr = "0.0.0.0:8082"

	cfg.Monitoring.PrometheusAddr = "0.0.0.0:9090"
	cfg.Monitoring.LogLevel = "info"
}

// InitLogger builds a zap.Logger from the resolved log level.
func InitLogger(c *Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	switch c.Monitoring.LogLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	case "info", "warn", "error":
		logger, err = zap.NewProduction()
	default:
		logger, err = zap.NewProduction()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
