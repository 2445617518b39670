// Package batcher coalesces streamed tokens into larger text batches so that
// consumers update on a bounded cadence instead of once per token.
package batcher

import (
	"strings"
	"sync"
	"time"
)

// Config controls when a batch is emitted.
type Config struct {
	// BatchSize is the number of buffered tokens that forces a flush.
	BatchSize int
	// FlushInterval is the longest a token waits before being flushed.
	FlushInterval time.Duration
}

// DefaultConfig returns the default batching configuration.
func DefaultConfig() Config {
	return Config{BatchSize: 8, FlushInterval: 50 * time.Millisecond}
}

// Stats reports batcher activity.
type Stats struct {
	Tokens  int
	Batches int
}

// Batcher buffers tokens and emits them through onBatch when the buffer holds
// BatchSize tokens or FlushInterval has passed since the last flush.
//
// Callbacks run while the batcher lock is held, so batches are delivered
// serially and in token order. They must not call back into the Batcher.
type Batcher struct {
	cfg        Config
	onBatch    func(string)
	onComplete func()
	now        func() time.Time

	mu      sync.Mutex
	buf     strings.Builder
	pending int
	timer   *time.Timer
	gen     uint64 // bumped on every flush so stale timers do nothing
	done    bool
	stats   Stats

	lastFlush time.Time // creation time until the first batch is emitted
}

// New creates a batcher. onComplete may be nil.
func New(cfg Config, onBatch func(string), onComplete func()) *Batcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	b := &Batcher{cfg: cfg, onBatch: onBatch, onComplete: onComplete, now: time.Now}
	b.lastFlush = b.now()
	return b
}

// AddToken buffers token. Tokens added after Complete or Abort are ignored.
func (b *Batcher) AddToken(token string) {
	if token == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return
	}

	b.buf.WriteString(token)
	b.pending++
	b.stats.Tokens++

	if b.pending >= b.cfg.BatchSize {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		wait := b.cfg.FlushInterval - b.now().Sub(b.lastFlush)
		if wait <= 0 {
			b.flushLocked()
			return
		}
		gen := b.gen
		b.timer = time.AfterFunc(wait, func() { b.onTimer(gen) })
	}
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done || gen != b.gen {
		return
	}
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.pending == 0 {
		return
	}

	text := b.buf.String()
	b.buf.Reset()
	b.pending = 0
	b.stats.Batches++
	b.lastFlush = b.now()
	if b.onBatch != nil {
		b.onBatch(text)
	}
}

// Complete flushes whatever is buffered and fires onComplete. Only the first
// call has any effect, and it does nothing after Abort.
func (b *Batcher) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return
	}
	b.flushLocked()
	b.done = true
	if b.onComplete != nil {
		b.onComplete()
	}
}

// Abort discards the buffer and suppresses any further batches.
func (b *Batcher) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return
	}
	b.done = true
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.buf.Reset()
	b.pending = 0
}

// Stats returns the number of tokens accepted and batches emitted.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
