package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/batchfabric/batchengine/internal/message"
)

func TestRecordBatchAndActiveClients(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry, zaptest.NewLogger(t))

	m.RecordClientConnected()
	m.RecordClientConnected()
	assert.Equal(t, 2.0, m.GetActiveClients())

	m.RecordClientRemoved()
	assert.Equal(t, 1.0, m.GetActiveClients())

	m.RecordBatch(10, "size", 5*time.Millisecond)
	m.RecordCompression(1000, 400, time.Millisecond)
	m.RecordPrediction(42, 0.8)
	m.RecordAdaptiveAdjustment(0.75)
}

func TestPriorityLabel(t *testing.T) {
	assert.Equal(t, "high", PriorityLabel(message.PriorityHigh))
	assert.Equal(t, "medium", PriorityLabel(message.PriorityMedium))
	assert.Equal(t, "low", PriorityLabel(message.PriorityLow))
}
