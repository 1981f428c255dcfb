// Package compression implements a Compressor: it serializes a sorted batch
// of messages, optionally compresses the result, and tracks rolling
// compression metrics. It is adapted from a message-level compressor,
// generalized from a per-message compressor to a per-batch one and narrowed
// to the algorithm set the engine actually needs.
package compression

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	berrors "github.com/batchfabric/batchengine/pkg/errors"
	"github.com/batchfabric/batchengine/internal/message"
)

// Algorithm identifies a byte-stream compressor.
type Algorithm string

const (
	AlgorithmNone    Algorithm = "none"
	AlgorithmGzip    Algorithm = "gzip"
	AlgorithmZlib    Algorithm = "zlib"
	AlgorithmDeflate Algorithm = "deflate"
	AlgorithmZstd    Algorithm = "zstd"
)

// Config mirrors the compression.* options surfaced through engine
// configuration, plus the algorithm choice.
type Config struct {
	// Enabled is the compressor's own static configuration switch. The
	// Batcher additionally carries an independent runtime toggle
	// (EnableCompression/DisableCompression) that never mutates this.
	Enabled bool
	// Algorithm selects the byte-stream compressor; the default is gzip.
	Algorithm Algorithm
	// Level is the compression level; for gzip/zlib/flate this is 0-9
	// (gzip.BestCompression==9 is the default). zstd does not use it and
	// always encodes at its default level.
	Level int
	// MinSize is the minimum message count before compression is even
	// attempted.
	MinSize int
	// PriorityThresholds is the minimum *byte* size per priority class
	// below which compression is skipped.
	PriorityThresholds map[message.Priority]int
	// EnablePool reuses writers via sync.Pool instead of allocating one
	// per batch.
	EnablePool bool
}

// DefaultConfig returns sane out-of-the-box defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Algorithm: AlgorithmGzip,
		Level:     gzip.BestCompression,
		MinSize:   5,
		PriorityThresholds: map[message.Priority]int{
			message.PriorityHigh:   500,
			message.PriorityMedium: 1000,
			message.PriorityLow:    2000,
		},
		EnablePool: true,
	}
}

// Result is the outcome of one Compress call.
type Result struct {
	Compressed       bool
	Algorithm        Algorithm
	Data             []byte
	OriginalSize     int
	CompressedSize   int
	CompressionRatio float64
	CompressionTime  time.Duration
}

type priorityTiming struct {
	sumNanos int64
	count    int64
}

// Compressor serializes and optionally compresses batches.
type Compressor struct {
	cfg Config

	gzipPool    sync.Pool
	zlibPool    sync.Pool
	deflatePool sync.Pool
	zstdPool    sync.Pool

	logger *zap.Logger

	totalCompressed   uint64
	totalUncompressed uint64
	totalBytesSaved   uint64
	errorCount        uint64

	ratioMu          sync.Mutex
	compressionRatio float64

	timingMu sync.Mutex
	timings  map[message.Priority]*priorityTiming
}

// New creates a Compressor. logger may be nil, in which case a no-op logger
// is used.
func New(cfg Config, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PriorityThresholds == nil {
		cfg.PriorityThresholds = DefaultConfig().PriorityThresholds
	}
	c := &Compressor{
		cfg:     cfg,
		logger:  logger,
		timings: make(map[message.Priority]*priorityTiming),
	}
	for _, p := range []message.Priority{message.PriorityHigh, message.PriorityMedium, message.PriorityLow} {
		c.timings[p] = &priorityTiming{}
	}
	if cfg.EnablePool {
		c.initPools()
	}
	return c
}

func (c *Compressor) initPools() {
	level := c.cfg.Level
	c.gzipPool = sync.Pool{New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, level)
		return w
	}}
	c.zlibPool = sync.Pool{New: func() interface{} {
		w, _ := zlib.NewWriterLevel(io.Discard, level)
		return w
	}}
	c.deflatePool = sync.Pool{New: func() interface{} {
		w, _ := flate.NewWriter(io.Discard, level)
		return w
	}}
	c.zstdPool = sync.Pool{New: func() interface{} {
		w, _ := zstd.NewWriter(io.Discard, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return w
	}}
}

// serialize is the wire format: JSON-encoded list of messages. It must
// round-trip through Compress/Decompress.
func serialize(batch []*message.Message) ([]byte, error) {
	return json.Marshal(batch)
}

func deserialize(data []byte) ([]*message.Message, error) {
	var batch []*message.Message
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// SerializedSize returns the batch's real wire footprint (the same
// JSON-encoded form Compress operates on), without attempting compression.
// Callers that skip Compress entirely (compression disabled, batch below
// threshold) use this so their size accounting stays on the same scale as
// Compress's OriginalSize/CompressedSize.
func SerializedSize(batch []*message.Message) (int, error) {
	raw, err := serialize(batch)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// Compress serializes and optionally compresses batch, gated by size and
// priority thresholds. batch is assumed already priority-sorted by the
// caller (the Batcher).
func (c *Compressor) Compress(batch []*message.Message, priority message.Priority) (*Result, error) {
	raw, err := serialize(batch)
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		return nil, berrors.Wrap(err, berrors.ErrCompression, "failed to serialize batch")
	}
	originalSize := len(raw)

	if !c.cfg.Enabled {
		atomic.AddUint64(&c.totalUncompressed, 1)
		return &Result{Compressed: false, Data: raw, OriginalSize: originalSize, CompressedSize: originalSize}, nil
	}

	threshold := c.cfg.PriorityThresholds[priority]
	if originalSize < threshold || len(batch) < c.cfg.MinSize {
		atomic.AddUint64(&c.totalUncompressed, 1)
		return &Result{Compressed: false, Data: raw, OriginalSize: originalSize, CompressedSize: originalSize}, nil
	}

	start := time.Now()
	compressed, err := c.compressBytes(raw)
	elapsed := time.Since(start)
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		c.logger.Warn("compression failed, falling back to uncompressed",
			zap.Error(err), zap.String("algorithm", string(c.cfg.Algorithm)))
		atomic.AddUint64(&c.totalUncompressed, 1)
		return &Result{Compressed: false, Data: raw, OriginalSize: originalSize, CompressedSize: originalSize}, nil
	}

	c.recordTiming(priority, elapsed)

	if len(compressed) >= originalSize {
		atomic.AddUint64(&c.totalUncompressed, 1)
		return &Result{Compressed: false, Data: raw, OriginalSize: originalSize, CompressedSize: originalSize}, nil
	}

	atomic.AddUint64(&c.totalCompressed, 1)
	saved := uint64(originalSize - len(compressed))
	atomic.AddUint64(&c.totalBytesSaved, saved)
	c.updateRatio()

	ratio := float64(len(compressed)) / float64(originalSize)
	return &Result{
		Compressed:       true,
		Algorithm:        c.cfg.Algorithm,
		Data:             compressed,
		OriginalSize:     originalSize,
		CompressedSize:   len(compressed),
		CompressionRatio: ratio,
		CompressionTime:  elapsed,
	}, nil
}

func (c *Compressor) compressBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c.cfg.Algorithm {
	case AlgorithmNone:
		return raw, nil
	case AlgorithmGzip:
		var w *gzip.Writer
		if c.cfg.EnablePool {
			w = c.gzipPool.Get().(*gzip.Writer)
			defer c.gzipPool.Put(w)
			w.Reset(&buf)
		} else {
			var err error
			w, err = gzip.NewWriterLevel(&buf, c.cfg.Level)
			if err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmZlib:
		var w *zlib.Writer
		if c.cfg.EnablePool {
			w = c.zlibPool.Get().(*zlib.Writer)
			defer c.zlibPool.Put(w)
			w.Reset(&buf)
		} else {
			var err error
			w, err = zlib.NewWriterLevel(&buf, c.cfg.Level)
			if err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmDeflate:
		var w *flate.Writer
		if c.cfg.EnablePool {
			w = c.deflatePool.Get().(*flate.Writer)
			defer c.deflatePool.Put(w)
			w.Reset(&buf)
		} else {
			var err error
			w, err = flate.NewWriter(&buf, c.cfg.Level)
			if err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmZstd:
		var w *zstd.Encoder
		if c.cfg.EnablePool {
			w = c.zstdPool.Get().(*zstd.Encoder)
			defer c.zstdPool.Put(w)
			w.Reset(&buf)
		} else {
			var err error
			w, err = zstd.NewWriter(&buf)
			if err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", c.cfg.Algorithm)
	}
	return buf.Bytes(), nil
}

// Decompress inverts Compress. A corrupted payload surfaces a
// DecompressionError, which is fatal to the caller.
func (c *Compressor) Decompress(result *Result) ([]*message.Message, error) {
	if result == nil {
		return nil, berrors.New(berrors.ErrDecompression, "nil compress result")
	}
	if !result.Compressed {
		batch, err := deserialize(result.Data)
		if err != nil {
			atomic.AddUint64(&c.errorCount, 1)
			return nil, berrors.Wrap(err, berrors.ErrDecompression, "failed to deserialize uncompressed batch")
		}
		return batch, nil
	}

	raw, err := c.decompressBytes(result.Data, result.Algorithm)
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		return nil, berrors.Wrap(err, berrors.ErrDecompression, "failed to decompress batch")
	}
	batch, err := deserialize(raw)
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		return nil, berrors.Wrap(err, berrors.ErrDecompression, "failed to deserialize decompressed batch")
	}
	return batch, nil
}

func (c *Compressor) decompressBytes(data []byte, algorithm Algorithm) ([]byte, error) {
	var reader io.Reader
	switch algorithm {
	case AlgorithmNone, "":
		return data, nil
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		reader = r
	case AlgorithmZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		reader = r
	case AlgorithmDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		reader = r
	case AlgorithmZstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		reader = r
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) recordTiming(priority message.Priority, d time.Duration) {
	c.timingMu.Lock()
	defer c.timingMu.Unlock()
	t, ok := c.timings[priority]
	if !ok {
		t = &priorityTiming{}
		c.timings[priority] = t
	}
	t.sumNanos += int64(d)
	t.count++
}

func (c *Compressor) updateRatio() {
	c.ratioMu.Lock()
	defer c.ratioMu.Unlock()
	saved := atomic.LoadUint64(&c.totalBytesSaved)
	total := atomic.LoadUint64(&c.totalCompressed) + atomic.LoadUint64(&c.totalUncompressed)
	if total == 0 {
		c.compressionRatio = 0
		return
	}
	c.compressionRatio = float64(saved) / float64(total)
}

// Stats is a point-in-time snapshot of compression metrics.
type Stats struct {
	TotalCompressed   uint64
	TotalUncompressed uint64
	TotalBytesSaved   uint64
	ErrorCount        uint64
	CompressionRatio  float64
	PerPriorityAvgMs  map[message.Priority]float64
}

// Snapshot returns a deep copy of the compressor's counters.
func (c *Compressor) Snapshot() Stats {
	c.ratioMu.Lock()
	ratio := c.compressionRatio
	c.ratioMu.Unlock()

	c.timingMu.Lock()
	perPriority := make(map[message.Priority]float64, len(c.timings))
	for p, t := range c.timings {
		if t.count == 0 {
			perPriority[p] = 0
			continue
		}
		perPriority[p] = float64(t.sumNanos) / float64(t.count) / float64(time.Millisecond)
	}
	c.timingMu.Unlock()

	return Stats{
		TotalCompressed:   atomic.LoadUint64(&c.totalCompressed),
		TotalUncompressed: atomic.LoadUint64(&c.totalUncompressed),
		TotalBytesSaved:   atomic.LoadUint64(&c.totalBytesSaved),
		ErrorCount:        atomic.LoadUint64(&c.errorCount),
		CompressionRatio:  ratio,
		PerPriorityAvgMs:  perPriority,
	}
}

// Reset zeroes every counter without touching configuration.
func (c *Compressor) Reset() {
	atomic.StoreUint64(&c.totalCompressed, 0)
	atomic.StoreUint64(&c.totalUncompressed, 0)
	atomic.StoreUint64(&c.totalBytesSaved, 0)
	atomic.StoreUint64(&c.errorCount, 0)
	c.ratioMu.Lock()
	c.compressionRatio = 0
	c.ratioMu.Unlock()
	c.timingMu.Lock()
	for _, t := range c.timings {
		t.sumNanos, t.count = 0, 0
	}
	c.timingMu.Unlock()
}
