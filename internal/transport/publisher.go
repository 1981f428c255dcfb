// Package transport implements the downstream consumer collaborator:
// batches leaving the Batcher core are published as Watermill messages over
// a NATS subject, with the publish call wrapped in a circuit breaker so a
// flaky consumer trips the breaker instead of blocking every subsequent
// flush. Grounded on a CQRS event-bus Watermill adapter for the publisher
// shape and an fx-based resilience package's circuit-breaker
// DefaultSettings for the breaker configuration, with the fx container
// dropped since this module wires its dependencies directly.
package transport

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmessage "github.com/ThreeDotsLabs/watermill/message"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/batching"
	"github.com/batchfabric/batchengine/internal/message"
)

// Config mirrors the NATS/breaker knobs a deployment needs to override.
type Config struct {
	NatsURL string
	Subject string

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig points at a local NATS instance and a conservative breaker.
func DefaultConfig() Config {
	return Config{
		NatsURL:            nats.DefaultURL,
		Subject:            "batchengine.batches",
		BreakerMaxRequests: 5,
		BreakerInterval:    30 * time.Second,
		BreakerTimeout:     60 * time.Second,
	}
}

// wireEnvelope is the JSON wire shape published to NATS; it carries
// batching.BatchEnvelope's fields plus the clientId for routing.
type wireEnvelope struct {
	ID             string             `json:"id"`
	ClientId       string             `json:"clientId"`
	Messages       []*message.Message `json:"messages"`
	Compressed     bool               `json:"compressed"`
	Payload        []byte             `json:"payload,omitempty"`
	OriginalSize   int                `json:"originalSize"`
	CompressedSize int                `json:"compressedSize"`
	Algorithm      string             `json:"algorithm,omitempty"`
	Reason         string             `json:"reason"`
	FlushedAt      time.Time          `json:"flushedAt"`
	MessageCount   int                `json:"messageCount"`
}

// Publisher is the concrete §6 downstream consumer: it subscribes to the
// Batcher's batch events (via Batcher.OnBatch) and forwards each one to
// NATS, guarded by a circuit breaker.
type Publisher struct {
	cfg       Config
	publisher wmessage.Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// New connects to NATS and constructs the Publisher. Close must be called
// on shutdown to release the connection.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	wmLogger := watermill.NewStdLogger(false, false)
	pub, err := wmnats.NewPublisher(
		wmnats.PublisherConfig{
			URL:         cfg.NatsURL,
			Marshaler:   &wmnats.NATSMarshaler{},
			NatsOptions: []nats.Option{nats.Name("batchengine-publisher")},
		},
		wmLogger,
	)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "batchengine.transport.publish",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Publisher{cfg: cfg, publisher: pub, breaker: breaker, logger: logger}, nil
}

// Publish forwards one batch envelope downstream. The core awaits the
// subscriber's completion before considering the flush "done"; Publish is
// therefore synchronous from the caller's perspective.
func (p *Publisher) Publish(envelope batching.BatchEnvelope) error {
	payload, err := json.Marshal(wireEnvelope{
		ID:             envelope.ID,
		ClientId:       string(envelope.ClientId),
		Messages:       envelope.Messages,
		Compressed:     envelope.Compressed,
		Payload:        envelope.Payload,
		OriginalSize:   envelope.OriginalSize,
		CompressedSize: envelope.CompressedSize,
		Algorithm:      envelope.Algorithm,
		Reason:         string(envelope.Reason),
		FlushedAt:      envelope.FlushedAt,
		MessageCount:   len(envelope.Messages),
	})
	if err != nil {
		return err
	}

	msg := wmessage.NewMessage(uuid.New().String(), payload)

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.cfg.Subject, msg)
	})
	if err != nil {
		p.logger.Error("failed to publish batch downstream",
			zap.Error(err), zap.String("clientId", string(envelope.ClientId)), zap.String("batchId", envelope.ID))
		return err
	}
	return nil
}

// Close releases the underlying NATS connection.
func (p *Publisher) Close() error {
	return p.publisher.Close()
}
