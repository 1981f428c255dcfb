package compression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/batchfabric/batchengine/internal/message"
	berrors "github.com/batchfabric/batchengine/pkg/errors"
)

func bigBatch(n int) []*message.Message {
	batch := make([]*message.Message, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, &message.Message{
			Type:     "order",
			Priority: message.PriorityLow,
			Payload:  []byte(`{"symbol":"AAPL","side":"buy","qty":100,"price":123.45}`),
		})
	}
	return batch
}

func TestSerializedSizeMatchesCompressOriginalSize(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	c := New(cfg, logger)

	batch := bigBatch(50)
	result, err := c.Compress(batch, message.PriorityLow)
	require.NoError(t, err)

	size, err := SerializedSize(batch)
	require.NoError(t, err)
	assert.Equal(t, result.OriginalSize, size)
}

func TestCompressRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	c := New(cfg, logger)

	batch := bigBatch(50)
	result, err := c.Compress(batch, message.PriorityLow)
	require.NoError(t, err)
	require.True(t, result.Compressed)

	out, err := c.Decompress(result)
	require.NoError(t, err)
	assert.Len(t, out, len(batch))
	assert.Equal(t, batch[0].Type, out[0].Type)
}

func TestCompressSkipsBelowPriorityThreshold(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := New(DefaultConfig(), logger)

	batch := []*message.Message{{Type: "ping", Priority: message.PriorityHigh, Payload: []byte("x")}}
	result, err := c.Compress(batch, message.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, result.Compressed)
	assert.Equal(t, result.OriginalSize, result.CompressedSize)
}

func TestCompressSkipsBelowMinSize(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.PriorityThresholds[message.PriorityLow] = 0
	cfg.MinSize = 10
	c := New(cfg, logger)

	batch := bigBatch(2)
	result, err := c.Compress(batch, message.PriorityLow)
	require.NoError(t, err)
	assert.False(t, result.Compressed)
}

func TestCompressDisabled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := New(cfg, logger)

	batch := bigBatch(50)
	result, err := c.Compress(batch, message.PriorityLow)
	require.NoError(t, err)
	assert.False(t, result.Compressed)
}

func TestDecompressCorruptedPayloadIsFatal(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := New(DefaultConfig(), logger)

	bad := &Result{Compressed: true, Algorithm: AlgorithmGzip, Data: []byte("not gzip data")}
	_, err := c.Decompress(bad)
	require.Error(t, err)
	assert.Equal(t, berrors.ErrDecompression, berrors.Code(err))
}

func TestCompressionRatioTracksAcrossCalls(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := New(DefaultConfig(), logger)

	for i := 0; i < 5; i++ {
		_, err := c.Compress(bigBatch(50), message.PriorityLow)
		require.NoError(t, err)
	}

	stats := c.Snapshot()
	assert.Equal(t, uint64(5), stats.TotalCompressed)
	assert.Greater(t, stats.CompressionRatio, 0.0)

	c.Reset()
	stats = c.Snapshot()
	assert.Equal(t, uint64(0), stats.TotalCompressed)
	assert.Equal(t, 0.0, stats.CompressionRatio)
}
