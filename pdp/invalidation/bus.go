package invalidation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// Target applies a scope invalidation. *cache.TieredCache satisfies it.
type Target interface {
	TryInvalidate(ctx context.Context, scope model.Scope) (int, error)
}

type Options struct {
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// DedupeWindow bounds how long applied event IDs are remembered.
	DedupeWindow time.Duration
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		QueueSize:    1024,
		MaxRetries:   5,
		RetryBackoff: 50 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		DedupeWindow: 10 * time.Minute,
		Now:          time.Now,
	}
}

type Stats struct {
	Received   uint64 `json:"received"`
	Applied    uint64 `json:"applied"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
	Retries    uint64 `json:"retries"`
	Failed     uint64 `json:"failed"`
	Removed    uint64 `json:"entries_removed"`
}

// Bus serialises invalidation events onto one worker that applies them to
// the cache. OnEvent never blocks.
type Bus struct {
	target Target
	opts   Options
	queue  chan model.InvalidationEvent
	sleep  func(context.Context, time.Duration) error

	mu      sync.Mutex
	closed  bool
	started bool
	done    chan struct{}
	seen    map[string]time.Time

	received   atomic.Uint64
	appliedN   atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	retries    atomic.Uint64
	failed     atomic.Uint64
	removed    atomic.Uint64
}

func NewBus(target Target, opts Options) *Bus {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.MaxBackoff < opts.RetryBackoff {
		opts.MaxBackoff = opts.RetryBackoff * 40
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = def.DedupeWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		target:  target,
		opts:    opts,
		queue:   make(chan model.InvalidationEvent, opts.QueueSize),
		sleep:   sleepContext,
		done:    make(chan struct{}),
		seen:    make(map[string]time.Time),
	}
}

// Start launches the worker. It stops when ctx ends or Close drains the queue.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	go b.work(ctx)
}

// OnEvent enqueues ev. Events without an ID or timestamp get one.
func (b *Bus) OnEvent(ev model.InvalidationEvent) error {
	if err := ev.Scope.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.opts.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return authzErrors.ErrBusClosed
	}
	b.received.Add(1)
	select {
	case b.queue <- ev:
		return nil
	default:
		b.dropped.Add(1)
		logger.Error("Invalidation queue full, dropping event",
			zap.String("eventID", ev.ID),
			zap.Stringer("scope", ev.Scope))
		return fmt.Errorf("%w: queue full", authzErrors.ErrInvalidationDelivery)
	}
}

// Run feeds events from src into the bus until ctx ends or src is exhausted.
func (b *Bus) Run(ctx context.Context, src Source) error {
	var failures int
	for {
		ev, err := src.Read(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err == nil:
			failures = 0
			if err := b.OnEvent(ev); err != nil {
				if errors.Is(err, authzErrors.ErrBusClosed) {
					return err
				}
				logger.Warn("Invalidation event rejected", zap.Error(err), zap.String("eventID", ev.ID))
			}
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, authzErrors.ErrMalformedEvent):
			logger.Warn("Skipping malformed invalidation event", zap.Error(err))
		default:
			failures++
			wait := backoff(b.opts.RetryBackoff, b.opts.MaxBackoff, failures)
			logger.Error("Invalidation source read failed", zap.Error(err), zap.Duration("retryIn", wait))
			if err := b.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

func (b *Bus) work(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case ev, ok := <-b.queue:
			if !ok {
				return
			}
			b.apply(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// duplicate reports a redelivery of an event already applied. Distinct events
// on the same scope are always applied, whatever their timestamps say.
func (b *Bus) duplicate(ev model.InvalidationEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[ev.ID]
	return ok
}

func (b *Bus) markApplied(ev model.InvalidationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()
	b.seen[ev.ID] = now
	cutoff := now.Add(-b.opts.DedupeWindow)
	for id, at := range b.seen {
		if at.Before(cutoff) {
			delete(b.seen, id)
		}
	}
}

func (b *Bus) apply(ctx context.Context, ev model.InvalidationEvent) {
	if b.duplicate(ev) {
		b.duplicates.Add(1)
		logger.Debug("Ignoring duplicate invalidation", zap.String("eventID", ev.ID), zap.Stringer("scope", ev.Scope))
		return
	}

	for attempt := 0; ; attempt++ {
		n, err := b.target.TryInvalidate(ctx, ev.Scope)
		b.removed.Add(uint64(n))
		if err == nil {
			b.markApplied(ev)
			b.appliedN.Add(1)
			logger.Info("Invalidation applied",
				zap.String("eventID", ev.ID),
				zap.Stringer("scope", ev.Scope),
				zap.Int("removed", n))
			return
		}
		if errors.Is(err, authzErrors.ErrInvalidScope) || attempt >= b.opts.MaxRetries {
			b.failed.Add(1)
			logger.Error("Invalidation dropped, entries will age out by TTL",
				zap.Error(fmt.Errorf("%w: %v", authzErrors.ErrInvalidationDelivery, err)),
				zap.String("eventID", ev.ID),
				zap.Stringer("scope", ev.Scope),
				zap.Int("attempts", attempt+1))
			return
		}
		b.retries.Add(1)
		if err := b.sleep(ctx, backoff(b.opts.RetryBackoff, b.opts.MaxBackoff, attempt+1)); err != nil {
			return
		}
	}
}

// Close stops accepting events and waits until queued ones are applied or
// ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	started := b.started
	b.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Stats() Stats {
	return Stats{
		Received:   b.received.Load(),
		Applied:    b.appliedN.Load(),
		Duplicates: b.duplicates.Load(),
		Dropped:    b.dropped.Load(),
		Retries:    b.retries.Load(),
		Failed:     b.failed.Load(),
		Removed:    b.removed.Load(),
	}
}
