// Package dispatch provides the bounded worker pool that executes per-client
// flush tails (sort/compress/emit) concurrently, so one slow client cannot
// starve another — the real backing for the engine's guarantee that
// concurrency between clients is unrestricted. Adapted from a workerpool
// factory built on fx dependency injection, with the fx plumbing dropped
// since this module has no DI container.
package dispatch

import (
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Config mirrors ants.Pool's own DefaultOptions.
type Config struct {
	Size            int
	ExpiryDuration  time.Duration
	PreAlloc        bool
	NonBlocking     bool
	MaxBlockingTasks int
}

// DefaultConfig returns sane pool sizing for flush dispatch.
func DefaultConfig() Config {
	return Config{
		Size:             256,
		ExpiryDuration:   10 * time.Second,
		PreAlloc:         false,
		NonBlocking:      false,
		MaxBlockingTasks: 0,
	}
}

// Pool wraps an ants.Pool behind the batching.Dispatcher interface.
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger
}

// New creates a Pool. Submit falls back to running the task inline on the
// caller's goroutine if the underlying pool rejects it (e.g. after release).
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []ants.Option{
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithPreAlloc(cfg.PreAlloc),
		ants.WithNonblocking(cfg.NonBlocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
		ants.WithPanicHandler(func(r interface{}) {
			logger.Error("flush dispatch worker panicked", zap.Any("recover", r))
		}),
	}
	p, err := ants.NewPool(cfg.Size, opts...)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, logger: logger}, nil
}

// Submit implements batching.Dispatcher.
func (p *Pool) Submit(fn func()) {
	if err := p.pool.Submit(fn); err != nil {
		p.logger.Warn("flush dispatch pool rejected task, running inline", zap.Error(err))
		fn()
	}
}

// Running returns the number of currently running workers, for metrics.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Free returns the number of available workers, for metrics.
func (p *Pool) Free() int {
	return p.pool.Free()
}

// Release stops accepting new tasks and waits for running ones to finish.
func (p *Pool) Release() {
	p.pool.Release()
}
