// Package batching implements the Batcher core: the per-client batch
// accumulator, its priority-aware flush scheduler, and the best-effort
// analytics pass. It is the direct generalization of a priority-bucketed
// message batcher, moved from a priority-bucketed batcher to a per-client
// one with a priority-sort at flush time, and from a fixed flush interval
// to a per-priority inactivity timer that is re-armed (never merely reset)
// on every arrival.
package batching

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/compression"
	"github.com/batchfabric/batchengine/internal/message"
	berrors "github.com/batchfabric/batchengine/pkg/errors"
)

// BatchEnvelope is emitted on every successful flush.
type BatchEnvelope struct {
	ID             string
	ClientId       message.ClientId
	Messages       []*message.Message
	Compressed     bool
	Payload        []byte
	OriginalSize   int
	CompressedSize int
	Algorithm      string
	Reason         message.FlushReason
	FlushedAt      time.Time
}

// clientBuffer is the per-client accumulator state. Every mutation (append,
// length check, timer re-arm, atomic removal) happens while holding mu,
// giving per-client atomicity; there is no contention across clients since
// each gets its own mutex.
type clientBuffer struct {
	mu             sync.Mutex
	messages       []*message.Message
	batchStartTime time.Time
	timer          *time.Timer
	// timerEpoch invalidates a previously armed timer's fire callback
	// without needing timer.Stop() to race-freely succeed; it is the
	// cancellable/idempotent re-arm mechanism.
	timerEpoch uint64
	removed    bool
}

func (b *clientBuffer) highestPriority() message.Priority {
	highest := message.PriorityLow
	for _, m := range b.messages {
		if m.Priority.Rank() < highest.Rank() {
			highest = m.Priority
		}
	}
	return highest
}

// flushChain orders the completeFlush calls dispatched for a single client
// onto the shared pool. The pool itself gives no ordering guarantee between
// distinct Submit calls, so a timer fire racing a size-trigger for the same
// client could otherwise let flush N+1 finish emitting before flush N does.
// tail is the completion gate of the most recently enqueued flush for this
// client; each new flush waits on it before running and installs its own
// gate for the next one, forming a strict FIFO chain.
type flushChain struct {
	tail    chan struct{}
	pending int
}

func newFlushChain() *flushChain {
	done := make(chan struct{})
	close(done)
	return &flushChain{tail: done}
}

// Config mirrors the configuration surface relevant to the Batcher.
type Config struct {
	// BatchSize seeds the batcher's own activeBatchSizeCap when no external
	// adaptive controller is wired (SetActiveBatchSizeCap is never called).
	BatchSize    int
	MinBatchSize int
	MaxBatchSize int

	Timeouts map[message.Priority]time.Duration

	CompressionEnabled bool
	CompressionMinSize int

	AnalyticsEnabled  bool
	AnalyticsInterval time.Duration
}

// DefaultConfig returns sane defaults relevant to the Batcher.
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		MinBatchSize: 1,
		MaxBatchSize: 100,
		Timeouts: map[message.Priority]time.Duration{
			message.PriorityHigh:   1000 * time.Millisecond,
			message.PriorityMedium: 5000 * time.Millisecond,
			message.PriorityLow:    10000 * time.Millisecond,
		},
		CompressionEnabled: true,
		CompressionMinSize: 5,
		AnalyticsEnabled:   true,
		AnalyticsInterval:  60000 * time.Millisecond,
	}
}

// BatchHandler receives every successful flush. Returning leaves the flush
// "done" (§5); a slow handler is the caller's backpressure signal, so the
// Batcher awaits it before continuing the flush that triggered it.
type BatchHandler func(BatchEnvelope)

// AnalyticsHandler receives each best-effort analytics snapshot.
type AnalyticsHandler func(Snapshot)

// Dispatcher executes a flush's tail (sort/compress/emit) possibly on a
// worker from a bounded pool, so one slow client cannot starve others. See
// internal/dispatch for the ants-backed implementation; nil means "run
// inline", used by tests that want synchronous semantics.
type Dispatcher interface {
	Submit(func())
}

type inlineDispatcher struct{}

func (inlineDispatcher) Submit(fn func()) { fn() }

// Batcher is the per-client batch accumulator core.
type Batcher struct {
	cfg        Config
	compressor *compression.Compressor
	dispatcher Dispatcher
	logger     *zap.Logger

	registryMu sync.RWMutex
	clients    map[message.ClientId]*clientBuffer

	flushChainsMu sync.Mutex
	flushChains   map[message.ClientId]*flushChain

	activeBatchSizeCap int64 // atomic

	compressionOn int32 // atomic bool

	onBatchMu sync.Mutex
	onBatch   []BatchHandler

	onAnalyticsMu sync.Mutex
	onAnalytics   []AnalyticsHandler

	metrics *metricsState

	lastAnalyticsMu sync.Mutex
	lastAnalytics   time.Time

	stopOnce sync.Once
	stopped  int32 // atomic bool
	wg       sync.WaitGroup
}

// New constructs a Batcher. dispatcher may be nil to run flushes inline;
// compressor may be nil, in which case no batch is compressed.
func New(cfg Config, compressor *compression.Compressor, dispatcher Dispatcher, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = inlineDispatcher{}
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultConfig().Timeouts
	}

	cap := cfg.BatchSize
	if cap < cfg.MinBatchSize {
		cap = cfg.MinBatchSize
	}
	if cap > cfg.MaxBatchSize {
		cap = cfg.MaxBatchSize
	}

	compressionOn := int32(0)
	if cfg.CompressionEnabled {
		compressionOn = 1
	}

	return &Batcher{
		cfg:                cfg,
		compressor:         compressor,
		dispatcher:         dispatcher,
		logger:             logger,
		clients:            make(map[message.ClientId]*clientBuffer),
		flushChains:        make(map[message.ClientId]*flushChain),
		activeBatchSizeCap: int64(cap),
		compressionOn:      compressionOn,
		metrics:            newMetricsState(cap),
	}
}

// OnBatch registers a handler invoked synchronously (with respect to the
// flush that produced the envelope) for every emission. Returns a
// cancellation handle.
func (b *Batcher) OnBatch(h BatchHandler) func() {
	b.onBatchMu.Lock()
	defer b.onBatchMu.Unlock()
	idx := len(b.onBatch)
	b.onBatch = append(b.onBatch, h)
	return func() {
		b.onBatchMu.Lock()
		defer b.onBatchMu.Unlock()
		if idx < len(b.onBatch) {
			b.onBatch[idx] = nil
		}
	}
}

// OnAnalytics registers a handler invoked for every analytics snapshot.
func (b *Batcher) OnAnalytics(h AnalyticsHandler) func() {
	b.onAnalyticsMu.Lock()
	defer b.onAnalyticsMu.Unlock()
	idx := len(b.onAnalytics)
	b.onAnalytics = append(b.onAnalytics, h)
	return func() {
		b.onAnalyticsMu.Lock()
		defer b.onAnalyticsMu.Unlock()
		if idx < len(b.onAnalytics) {
			b.onAnalytics[idx] = nil
		}
	}
}

// ActiveBatchSizeCap returns the current size-trigger threshold.
func (b *Batcher) ActiveBatchSizeCap() int {
	return int(atomic.LoadInt64(&b.activeBatchSizeCap))
}

// SetActiveBatchSizeCap is called by the Adaptive controller (or a test)
// to push a new cap, clamped into [MinBatchSize, MaxBatchSize] per
// invariant I1.
func (b *Batcher) SetActiveBatchSizeCap(v int) {
	if v < b.cfg.MinBatchSize {
		v = b.cfg.MinBatchSize
	}
	if v > b.cfg.MaxBatchSize {
		v = b.cfg.MaxBatchSize
	}
	atomic.StoreInt64(&b.activeBatchSizeCap, int64(v))
}

// EnableCompression toggles the runtime compression flag without touching
// the Compressor's own configuration thresholds.
func (b *Batcher) EnableCompression() {
	atomic.StoreInt32(&b.compressionOn, 1)
}

// DisableCompression toggles the runtime compression flag off.
func (b *Batcher) DisableCompression() {
	atomic.StoreInt32(&b.compressionOn, 0)
}

func (b *Batcher) compressionEnabled() bool {
	return atomic.LoadInt32(&b.compressionOn) != 0
}

// AddMessage appends a message to clientId's buffer, arming or re-arming
// its inactivity timer and flushing immediately if the batch is full.
func (b *Batcher) AddMessage(clientId message.ClientId, msg *message.Message) error {
	if clientId == "" {
		b.metrics.incError(errInvalidClientId)
		return berrors.New(berrors.ErrInvalidClientId, "clientId must not be empty")
	}
	if msg == nil || msg.Type == "" {
		b.metrics.incError(errInvalidMessage)
		return berrors.New(berrors.ErrInvalidMessage, "message.type must not be empty")
	}
	if msg.Priority == message.PriorityUnset {
		msg.Priority = message.PriorityMedium
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now()
	}

	// A concurrent flush may remove the buffer this goroutine fetched
	// between getOrCreateBuffer and acquiring its lock; retry against a
	// fresh buffer rather than silently appending to a dead one.
	var triggerFlush bool
	for {
		buf := b.getOrCreateBuffer(clientId)
		buf.mu.Lock()
		if buf.removed {
			buf.mu.Unlock()
			continue
		}
		if len(buf.messages) == 0 {
			buf.batchStartTime = time.Now()
		}
		buf.messages = append(buf.messages, msg)
		b.metrics.incPriority(msg.Priority)
		triggerFlush = len(buf.messages) >= b.ActiveBatchSizeCap()
		b.rearmTimer(clientId, buf)
		buf.mu.Unlock()
		break
	}

	if triggerFlush {
		b.flush(clientId, message.FlushReasonSize)
	}
	return nil
}

func (b *Batcher) getOrCreateBuffer(clientId message.ClientId) *clientBuffer {
	b.registryMu.RLock()
	buf, ok := b.clients[clientId]
	b.registryMu.RUnlock()
	if ok {
		return buf
	}

	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	if buf, ok := b.clients[clientId]; ok {
		return buf
	}
	buf = &clientBuffer{}
	b.clients[clientId] = buf
	b.metrics.setActiveBatches(len(b.clients))
	return buf
}

// rearmTimer cancels any previously armed timer for clientId and arms a new
// one for the buffer's currently-highest priority. Must be called while
// holding buf.mu.
func (b *Batcher) rearmTimer(clientId message.ClientId, buf *clientBuffer) {
	buf.timerEpoch++
	epoch := buf.timerEpoch
	if buf.timer != nil {
		buf.timer.Stop()
	}

	priority := buf.highestPriority()
	timeout, ok := b.cfg.Timeouts[priority]
	if !ok {
		timeout = DefaultConfig().Timeouts[priority]
	}

	buf.timer = time.AfterFunc(timeout, func() {
		b.onTimerFire(clientId, epoch)
	})
}

func (b *Batcher) onTimerFire(clientId message.ClientId, epoch uint64) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.incError(errTimer)
			b.logger.Error("inactivity timer handler panicked", zap.Any("recover", r), zap.String("clientId", string(clientId)))
		}
	}()

	b.registryMu.RLock()
	buf, ok := b.clients[clientId]
	b.registryMu.RUnlock()
	if !ok {
		return
	}

	buf.mu.Lock()
	// A cancelled (superseded) timer firing is a no-op.
	if buf.timerEpoch != epoch || buf.removed {
		buf.mu.Unlock()
		return
	}
	buf.mu.Unlock()

	b.flush(clientId, message.FlushReasonTimeout)
}

// flush runs the flush algorithm: drain the buffer, sort by priority,
// optionally compress, and emit a BatchEnvelope. It is invoked for every
// FlushReason, including the externally exposed manual Flush/RemoveClient/
// Stop paths.
//
// removeBuffer (steps 1-2) happens synchronously here, in the caller's
// goroutine, so the order in which flush is invoked for a given client (the
// true race winner between e.g. a timer fire and a size-trigger) is the
// order enqueueFlush chains completeFlush calls in, regardless of how the
// dispatcher's pool schedules the submitted closures onto workers.
func (b *Batcher) flush(clientId message.ClientId, reason message.FlushReason) {
	batch, start, ok := b.removeBuffer(clientId)
	if !ok {
		return
	}
	if len(batch) == 0 {
		return
	}

	wait, finish := b.enqueueFlush(clientId)

	b.wg.Add(1)
	b.dispatcher.Submit(func() {
		defer b.wg.Done()
		defer finish()
		<-wait
		b.completeFlush(clientId, batch, start, reason)
	})
}

// enqueueFlush appends a new link to clientId's flush chain and returns the
// gate the caller must wait on before running its completeFlush (the
// previous flush's completion) and the finish func it must call afterwards
// to release the next link. The chain entry is pruned once its last
// pending link finishes, so memory does not grow for idle clients.
func (b *Batcher) enqueueFlush(clientId message.ClientId) (wait <-chan struct{}, finish func()) {
	b.flushChainsMu.Lock()
	chain, ok := b.flushChains[clientId]
	if !ok {
		chain = newFlushChain()
		b.flushChains[clientId] = chain
	}
	wait = chain.tail
	done := make(chan struct{})
	chain.tail = done
	chain.pending++
	b.flushChainsMu.Unlock()

	finish = func() {
		close(done)
		b.flushChainsMu.Lock()
		chain.pending--
		if chain.pending == 0 && b.flushChains[clientId] == chain {
			delete(b.flushChains, clientId)
		}
		b.flushChainsMu.Unlock()
	}
	return wait, finish
}

// removeBuffer implements step 1-2 of the flush algorithm: atomically
// detach the buffer and cancel its timer.
func (b *Batcher) removeBuffer(clientId message.ClientId) ([]*message.Message, time.Time, bool) {
	b.registryMu.RLock()
	buf, ok := b.clients[clientId]
	b.registryMu.RUnlock()
	if !ok {
		return nil, time.Time{}, false
	}

	buf.mu.Lock()
	messages := buf.messages
	start := buf.batchStartTime
	buf.messages = nil
	buf.timerEpoch++ // invalidate any pending fire
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	buf.removed = true
	buf.mu.Unlock()

	b.registryMu.Lock()
	delete(b.clients, clientId)
	b.metrics.setActiveBatches(len(b.clients))
	b.registryMu.Unlock()

	return messages, start, true
}

func (b *Batcher) completeFlush(clientId message.ClientId, batch []*message.Message, start time.Time, reason message.FlushReason) {
	sorted := stableSortByPriority(batch)

	envelope := BatchEnvelope{
		ID:        ksuid.New().String(),
		ClientId:  clientId,
		Messages:  sorted,
		Reason:    reason,
		FlushedAt: time.Now(),
	}

	// OriginalSize/CompressedSize must stay on the same scale: both are the
	// batch's real JSON-serialized footprint, not the message.Size()
	// heuristic, so a realistically-incompressible payload never reports a
	// CompressedSize larger than OriginalSize.
	if b.compressionEnabled() && len(sorted) >= b.cfg.CompressionMinSize && b.compressor != nil {
		highest := sorted[0].Priority
		result, err := b.compressor.Compress(sorted, highest)
		if err != nil {
			b.metrics.incError(errCompression)
			b.logger.Warn("compression failed mid-flush, falling back to uncompressed",
				zap.Error(err), zap.String("clientId", string(clientId)))
			envelope.OriginalSize, envelope.CompressedSize = fallbackSize(sorted)
		} else {
			envelope.OriginalSize = result.OriginalSize
			envelope.CompressedSize = result.OriginalSize
			if result.Compressed && result.CompressedSize < result.OriginalSize {
				envelope.Compressed = true
				envelope.Payload = result.Data
				envelope.CompressedSize = result.CompressedSize
				envelope.Algorithm = string(result.Algorithm)
				b.metrics.recordCompression(result.OriginalSize, result.CompressedSize)
			}
		}
	} else {
		size, err := compression.SerializedSize(sorted)
		if err != nil {
			size, _ = fallbackSize(sorted)
		}
		envelope.OriginalSize = size
		envelope.CompressedSize = size
	}

	now := time.Now()
	latencies := make(map[message.Priority]time.Duration, 3)
	for _, m := range sorted {
		latencies[m.Priority] += now.Sub(start)
	}
	b.metrics.recordFlush(reason, len(sorted), latencies, len(batch))

	b.emitBatch(envelope)

	if b.shouldRunAnalytics() {
		b.runAnalytics()
	}
}

func (b *Batcher) emitBatch(envelope BatchEnvelope) {
	b.onBatchMu.Lock()
	handlers := make([]BatchHandler, len(b.onBatch))
	copy(handlers, b.onBatch)
	b.onBatchMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(envelope)
		}
	}
}

func (b *Batcher) shouldRunAnalytics() bool {
	if !b.cfg.AnalyticsEnabled {
		return false
	}
	b.lastAnalyticsMu.Lock()
	defer b.lastAnalyticsMu.Unlock()
	now := time.Now()
	if now.Sub(b.lastAnalytics) < b.cfg.AnalyticsInterval {
		return false
	}
	b.lastAnalytics = now
	return true
}

func (b *Batcher) runAnalytics() {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.incError(errAnalytics)
			b.logger.Error("analytics pass panicked", zap.Any("recover", r))
		}
	}()

	snapshot := b.metrics.snapshotAnalytics(b.ActiveBatchSizeCap())
	b.metrics.appendAnalyticsHistory(snapshot)

	b.onAnalyticsMu.Lock()
	handlers := make([]AnalyticsHandler, len(b.onAnalytics))
	copy(handlers, b.onAnalytics)
	b.onAnalyticsMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(snapshot)
		}
	}
}

// Flush triggers an externally requested manual flush.
func (b *Batcher) Flush(clientId message.ClientId) {
	b.flush(clientId, message.FlushReasonManual)
}

// RemoveClient flushes with reason clientDisconnect, then drops
// bookkeeping for the client.
func (b *Batcher) RemoveClient(clientId message.ClientId) {
	b.flush(clientId, message.FlushReasonClientDisconnect)
}

// Stop cancels all timers, flushes every remaining buffer with reason
// stop, awaits in-flight flushes, and releases resources. Idempotent — a
// second call is a no-op.
func (b *Batcher) Stop(ctx context.Context) error {
	alreadyStopped := !atomic.CompareAndSwapInt32(&b.stopped, 0, 1)
	if alreadyStopped {
		return nil
	}

	b.registryMu.Lock()
	clientIds := make([]message.ClientId, 0, len(b.clients))
	for id := range b.clients {
		clientIds = append(clientIds, id)
	}
	b.registryMu.Unlock()

	for _, id := range clientIds {
		b.flush(id, message.FlushReasonStop)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetMetrics returns a deep snapshot of the engine's metrics.
func (b *Batcher) GetMetrics() Metrics {
	return b.metrics.snapshot(b.ActiveBatchSizeCap())
}

// ResetMetrics restores counters to their initial state, preserving the
// current activeBatchSizeCap (spec law R3).
func (b *Batcher) ResetMetrics() {
	b.metrics.reset()
}

// GetStats returns a lightweight map[string]interface{} snapshot of the
// core counters, for ad hoc debugging where the full Metrics struct is
// more detail than needed.
func (b *Batcher) GetStats() map[string]interface{} {
	m := b.GetMetrics()
	return map[string]interface{}{
		"totalBatches":           m.TotalBatches,
		"totalMessagesDelivered": m.TotalMessagesDelivered,
		"averageBatchSize":       m.AverageBatchSize,
		"activeBatches":          m.ActiveBatches,
		"activeBatchSizeCap":     m.ActiveBatchSizeCap,
		"compressionRatio":       m.CompressionRatio,
		"compressionBytesSaved":  m.CompressionBytesSaved,
	}
}

// AnalyticsHistory returns a copy of the bounded analytics snapshot
// history accumulated by the best-effort analytics pass.
func (b *Batcher) AnalyticsHistory() []Snapshot {
	return b.metrics.AnalyticsHistory()
}

// fallbackSize approximates a batch's size from per-message overhead when
// JSON serialization itself fails; used only as a last resort since it is
// not on the same scale as the compressor's real serialized size.
func fallbackSize(batch []*message.Message) (int, int) {
	size := 0
	for _, m := range batch {
		size += m.Size()
	}
	return size, size
}

func stableSortByPriority(batch []*message.Message) []*message.Message {
	sorted := make([]*message.Message, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority.Rank() < sorted[j].Priority.Rank()
	})
	return sorted
}
