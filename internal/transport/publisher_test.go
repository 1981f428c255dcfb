package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// New dials NATS synchronously, so exercising Publisher end-to-end belongs to
// an integration suite with a broker available. This covers the configuration
// surface that doesn't require a live connection.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "batchengine.batches", cfg.Subject)
	assert.Equal(t, uint32(5), cfg.BreakerMaxRequests)
	assert.NotZero(t, cfg.BreakerInterval)
	assert.NotZero(t, cfg.BreakerTimeout)
}
