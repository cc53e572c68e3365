// Package events provides the deferred event bus used to re-emit hook events
// outside of the caller's stack.
package events

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default bus limits.
const (
	DefaultQueueCapacity = 1000
	DefaultBatchSize     = 50
	DefaultWarnThreshold = 100
	DefaultDropThreshold = 500
)

// Drop reasons reported to the Observer.
const (
	DropReasonLoop     = "loop"
	DropReasonOverflow = "overflow"
	DropReasonClosed   = "closed"
)

// DispatchFunc delivers a single deferred entry.
type DispatchFunc[T any] func(ctx context.Context, hook string, payload T)

// Observer receives bus activity. Implementations must be safe for concurrent use.
type Observer interface {
	EmitQueued(hook string)
	EmitDropped(hook, reason string)
	QueueDepth(depth int)
}

type nopObserver struct{}

func (nopObserver) EmitQueued(string)          {}
func (nopObserver) EmitDropped(string, string) {}
func (nopObserver) QueueDepth(int)             {}

// BusConfig holds configuration for Bus.
type BusConfig struct {
	// QueueCapacity is the maximum number of pending entries (default: 1000).
	QueueCapacity int
	// BatchSize is how many entries the worker delivers before yielding (default: 50).
	BatchSize int
	// WarnThreshold is the per-hook emission count after which a loop warning is logged (default: 100).
	WarnThreshold int
	// DropThreshold is the per-hook emission count after which emissions are dropped (default: 500).
	DropThreshold int
	// Logger overrides the global logger.
	Logger *zerolog.Logger
	// Observer receives queue and drop notifications.
	Observer Observer
}

func (c *BusConfig) withDefaults() BusConfig {
	cfg := BusConfig{}
	if c != nil {
		cfg = *c
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}
	if cfg.DropThreshold <= 0 {
		cfg.DropThreshold = DefaultDropThreshold
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return cfg
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Emitted         int64 // Entries accepted into the queue
	Delivered       int64 // Entries handed to the dispatch func
	LoopDropped     int64 // Emissions dropped by the frequency limit
	OverflowDropped int64 // Emissions dropped because the queue was full
	LoopWarnings    int64 // Possible-loop warnings logged
	QueueDepth      int64 // Entries currently waiting
}

type entry[T any] struct {
	hook    string
	payload T
}

// Bus queues emissions and delivers them from a single worker goroutine.
//
// Emission counts are tracked per hook for the current cycle. A cycle ends
// when the queue drains empty, at which point the counts are reset.
type Bus[T any] struct {
	cfg      BusConfig
	dispatch DispatchFunc[T]
	logger   zerolog.Logger

	mu       sync.Mutex
	queue    []entry[T]
	counts   map[string]int
	inFlight bool
	closed   bool
	idle     []chan struct{}

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitted         atomic.Int64
	delivered       atomic.Int64
	loopDropped     atomic.Int64
	overflowDropped atomic.Int64
	loopWarnings    atomic.Int64
}

// NewBus creates a bus and starts its worker.
func NewBus[T any](dispatch DispatchFunc[T], config *BusConfig) *Bus[T] {
	cfg := config.withDefaults()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus[T]{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger.With().Str("component", "events").Logger(),
		counts:   make(map[string]int),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Emit schedules payload for delivery on hook. It never blocks.
// It reports whether the entry was queued.
func (b *Bus[T]) Emit(hook string, payload T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.cfg.Observer.EmitDropped(hook, DropReasonClosed)
		return false
	}

	b.counts[hook]++
	count := b.counts[hook]

	if count > b.cfg.DropThreshold {
		b.mu.Unlock()
		b.loopDropped.Add(1)
		b.cfg.Observer.EmitDropped(hook, DropReasonLoop)
		if count == b.cfg.DropThreshold+1 {
			b.logger.Debug().Str("hook", hook).Int("count", count).Msg("Emission limit reached, dropping further emissions")
		}
		return false
	}

	if len(b.queue) >= b.cfg.QueueCapacity {
		depth := len(b.queue)
		b.mu.Unlock()
		b.overflowDropped.Add(1)
		b.cfg.Observer.EmitDropped(hook, DropReasonOverflow)
		b.logger.Warn().Str("hook", hook).Int("capacity", depth).Msg("Deferred queue full, dropping event")
		return false
	}

	b.queue = append(b.queue, entry[T]{hook: hook, payload: payload})
	depth := len(b.queue)
	b.mu.Unlock()

	if count == b.cfg.WarnThreshold+1 {
		b.loopWarnings.Add(1)
		b.logger.Warn().Str("hook", hook).Int("count", count).Msg("Possible infinite emit loop detected")
	}

	b.emitted.Add(1)
	b.cfg.Observer.EmitQueued(hook)
	b.cfg.Observer.QueueDepth(depth)

	select {
	case b.wake <- struct{}{}:
	default:
	}

	return true
}

// Flush blocks until the queue is empty and no delivery is in progress,
// or until ctx is done.
func (b *Bus[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || (len(b.queue) == 0 && !b.inFlight) {
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.idle = append(b.idle, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus[T]) Stats() Stats {
	b.mu.Lock()
	depth := int64(len(b.queue))
	b.mu.Unlock()

	return Stats{
		Emitted:         b.emitted.Load(),
		Delivered:       b.delivered.Load(),
		LoopDropped:     b.loopDropped.Load(),
		OverflowDropped: b.overflowDropped.Load(),
		LoopWarnings:    b.loopWarnings.Load(),
		QueueDepth:      depth,
	}
}

// Count returns the current-cycle emission count for hook.
func (b *Bus[T]) Count(hook string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[hook]
}

// Close stops the worker. Entries still queued are discarded.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	discarded := len(b.queue)
	b.queue = nil
	b.inFlight = false
	b.notifyIdleLocked()
	b.mu.Unlock()

	b.cfg.Observer.QueueDepth(0)
	if discarded > 0 {
		b.logger.Debug().Int("discarded", discarded).Msg("Deferred bus closed with pending events")
	}
}

func (b *Bus[T]) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
			b.drain()
		}
	}
}

// drain delivers batches until the queue is empty.
func (b *Bus[T]) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.inFlight = false
			clear(b.counts)
			b.notifyIdleLocked()
			b.mu.Unlock()
			b.cfg.Observer.QueueDepth(0)
			return
		}

		n := min(b.cfg.BatchSize, len(b.queue))
		batch := make([]entry[T], n)
		copy(batch, b.queue[:n])
		remaining := make([]entry[T], len(b.queue)-n, max(len(b.queue)-n, 8))
		copy(remaining, b.queue[n:])
		b.queue = remaining
		b.inFlight = true
		depth := len(b.queue)
		b.mu.Unlock()

		b.cfg.Observer.QueueDepth(depth)

		for _, e := range batch {
			if b.ctx.Err() != nil {
				return
			}
			b.deliver(e)
		}

		runtime.Gosched()
	}
}

func (b *Bus[T]) deliver(e entry[T]) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("hook", e.hook).Msg("Deferred dispatch panicked")
		}
	}()

	b.delivered.Add(1)
	b.dispatch(b.ctx, e.hook, e.payload)
}

func (b *Bus[T]) notifyIdleLocked() {
	for _, ch := range b.idle {
		close(ch)
	}
	b.idle = nil
}
