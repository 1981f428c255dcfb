package batching

import (
	"math"
	"sync"
	"time"

	"github.com/batchfabric/batchengine/internal/message"
)

const (
	errInvalidClientId = "invalidClientId"
	errInvalidMessage  = "invalidMessage"
	errCompression     = "compressionError"
	errDecompression   = "decompressionError"
	errTimer           = "timerError"
	errAnalytics       = "analyticsError"
)

// analyticsHistoryLimit bounds the history of analytics snapshots.
const analyticsHistoryLimit = 100

// LatencyStats is the per-priority latency accumulator.
type LatencyStats struct {
	Sum   time.Duration
	Count int64
	Min   time.Duration
	Max   time.Duration
}

func (l LatencyStats) Average() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return time.Duration(int64(l.Sum) / l.Count)
}

// Metrics is the deep snapshot returned by GetMetrics().
type Metrics struct {
	TotalBatches           uint64
	FlushReasonCounts      map[message.FlushReason]uint64
	TotalMessagesDelivered uint64
	MaxObservedBatchSize   int
	MinObservedBatchSize   int
	AverageBatchSize       float64
	PriorityCounts         map[message.Priority]uint64
	PerPriorityLatency     map[message.Priority]LatencyStats
	ActiveBatches          int
	ActiveBatchSizeCap     int
	ErrorCounts            map[string]uint64
	CompressionRatio       float64
	CompressionBytesSaved  uint64
}

// Snapshot is a point-in-time analytics snapshot.
type Snapshot struct {
	Timestamp            time.Time
	MaxBatchSize         int
	MinBatchSize         int
	AverageBatchSize     float64
	PerPriorityLatency   map[message.Priority]LatencyStats
	CompressionRatio     float64
	CompressionBytesSaved uint64
	PriorityDistribution map[message.Priority]float64
}

type metricsState struct {
	mu sync.Mutex

	totalBatches           uint64
	flushReasonCounts      map[message.FlushReason]uint64
	totalMessagesDelivered uint64
	maxObservedBatchSize   int
	minObservedBatchSize   int
	sumBatchSizes          uint64

	priorityCounts map[message.Priority]uint64
	latencies      map[message.Priority]*LatencyStats

	activeBatches int

	errorCounts map[string]uint64

	totalCompressedOps   uint64
	totalUncompressedOps uint64
	compressionBytesSaved uint64

	analyticsHistory []Snapshot
}

func newMetricsState(initialCap int) *metricsState {
	m := &metricsState{
		flushReasonCounts: make(map[message.FlushReason]uint64),
		priorityCounts:    make(map[message.Priority]uint64),
		latencies:         make(map[message.Priority]*LatencyStats),
		errorCounts:       make(map[string]uint64),
	}
	for _, p := range []message.Priority{message.PriorityHigh, message.PriorityMedium, message.PriorityLow} {
		m.latencies[p] = &LatencyStats{}
	}
	return m
}

func (m *metricsState) incError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCounts[code]++
}

func (m *metricsState) incPriority(p message.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorityCounts[p]++
}

func (m *metricsState) setActiveBatches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeBatches = n
}

func (m *metricsState) recordCompression(originalSize, compressedSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCompressedOps++
	if saved := originalSize - compressedSize; saved > 0 {
		m.compressionBytesSaved += uint64(saved)
	}
}

func (m *metricsState) recordFlush(reason message.FlushReason, batchSize int, latencies map[message.Priority]time.Duration, originalMessageCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalBatches++
	m.flushReasonCounts[reason]++
	m.totalMessagesDelivered += uint64(originalMessageCount)
	m.sumBatchSizes += uint64(batchSize)

	if batchSize > m.maxObservedBatchSize {
		m.maxObservedBatchSize = batchSize
	}
	if m.minObservedBatchSize == 0 || batchSize < m.minObservedBatchSize {
		m.minObservedBatchSize = batchSize
	}

	for priority, d := range latencies {
		stats, ok := m.latencies[priority]
		if !ok {
			stats = &LatencyStats{}
			m.latencies[priority] = stats
		}
		stats.Sum += d
		stats.Count++
		if stats.Count == 1 || d < stats.Min {
			stats.Min = d
		}
		if d > stats.Max {
			stats.Max = d
		}
	}

	m.totalUncompressedOps = m.totalBatches - m.totalCompressedOps
}

func (m *metricsState) compressionRatioLocked() float64 {
	total := m.totalCompressedOps + m.totalUncompressedOps
	if total == 0 {
		return 0
	}
	return float64(m.compressionBytesSaved) / float64(total)
}

func (m *metricsState) snapshot(activeCap int) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalBatches:           m.totalBatches,
		FlushReasonCounts:      copyFlushReasonCounts(m.flushReasonCounts),
		TotalMessagesDelivered: m.totalMessagesDelivered,
		MaxObservedBatchSize:   m.maxObservedBatchSize,
		MinObservedBatchSize:   m.minObservedBatchSize,
		PriorityCounts:         copyPriorityCounts(m.priorityCounts),
		PerPriorityLatency:     copyLatencies(m.latencies),
		ActiveBatches:          m.activeBatches,
		ActiveBatchSizeCap:     activeCap,
		ErrorCounts:            copyErrorCounts(m.errorCounts),
		CompressionRatio:       m.compressionRatioLocked(),
		CompressionBytesSaved:  m.compressionBytesSaved,
	}
	if m.totalBatches > 0 {
		out.AverageBatchSize = float64(m.totalMessagesDelivered) / float64(m.totalBatches)
	}
	return out
}

// snapshotAnalytics builds the analytics snapshot contents. Priority
// distribution ratios are rounded to tenths.
func (m *metricsState) snapshotAnalytics(activeCap int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Timestamp:             time.Now(),
		MaxBatchSize:          m.maxObservedBatchSize,
		MinBatchSize:          m.minObservedBatchSize,
		PerPriorityLatency:    copyLatencies(m.latencies),
		CompressionRatio:      m.compressionRatioLocked(),
		CompressionBytesSaved: m.compressionBytesSaved,
		PriorityDistribution:  m.priorityDistributionLocked(),
	}
	if m.totalBatches > 0 {
		snap.AverageBatchSize = float64(m.totalMessagesDelivered) / float64(m.totalBatches)
	}
	return snap
}

func (m *metricsState) priorityDistributionLocked() map[message.Priority]float64 {
	total := uint64(0)
	for _, c := range m.priorityCounts {
		total += c
	}
	dist := make(map[message.Priority]float64, len(m.priorityCounts))
	if total == 0 {
		return dist
	}
	for p, c := range m.priorityCounts {
		ratio := float64(c) / float64(total)
		dist[p] = math.Round(ratio*10) / 10
	}
	return dist
}

func (m *metricsState) appendAnalyticsHistory(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyticsHistory = append(m.analyticsHistory, snap)
	if len(m.analyticsHistory) > analyticsHistoryLimit {
		m.analyticsHistory = m.analyticsHistory[len(m.analyticsHistory)-analyticsHistoryLimit:]
	}
}

// AnalyticsHistory returns a copy of the bounded analytics history.
func (m *metricsState) AnalyticsHistory() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.analyticsHistory))
	copy(out, m.analyticsHistory)
	return out
}

// reset restores counters to their initial state, preserving nothing about
// activeBatchSizeCap (which the Batcher itself owns and never touches
// here), satisfying law R3.
func (m *metricsState) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBatches = 0
	m.flushReasonCounts = make(map[message.FlushReason]uint64)
	m.totalMessagesDelivered = 0
	m.maxObservedBatchSize = 0
	m.minObservedBatchSize = 0
	m.sumBatchSizes = 0
	m.priorityCounts = make(map[message.Priority]uint64)
	m.latencies = map[message.Priority]*LatencyStats{
		message.PriorityHigh:   {},
		message.PriorityMedium: {},
		message.PriorityLow:    {},
	}
	m.errorCounts = make(map[string]uint64)
	m.totalCompressedOps = 0
	m.totalUncompressedOps = 0
	m.compressionBytesSaved = 0
	m.analyticsHistory = nil
}

func copyFlushReasonCounts(in map[message.FlushReason]uint64) map[message.FlushReason]uint64 {
	out := make(map[message.FlushReason]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPriorityCounts(in map[message.Priority]uint64) map[message.Priority]uint64 {
	out := make(map[message.Priority]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyErrorCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLatencies(in map[message.Priority]*LatencyStats) map[message.Priority]LatencyStats {
	out := make(map[message.Priority]LatencyStats, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = LatencyStats{}
			continue
		}
		out[k] = *v
	}
	return out
}
