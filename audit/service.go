// audit/service.go
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// Sink receives decision records. Emit must not block the caller and its
// error is informational only.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

type NopSink struct{}

func (NopSink) Emit(context.Context, Record) error { return nil }

const defaultWriteTimeout = 5 * time.Second

type SinkStats struct {
	Queued  uint64 `json:"queued"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// AsyncSink hands records to a single background writer through a bounded
// queue. When the queue is full the record is dropped.
type AsyncSink struct {
	repo         Repository
	queue        chan Record
	done         chan struct{}
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	queued  atomic.Uint64
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAsyncSink(repo Repository, queueSize int) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &AsyncSink{
		repo:         repo,
		queue:        make(chan Record, queueSize),
		done:         make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
	}
	go s.run()
	return s
}

func (s *AsyncSink) Emit(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return authzErrors.ErrAuditSinkClosed
	}
	select {
	case s.queue <- rec:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		logger.Warn("Audit queue full, dropping record",
			zap.String("principalID", rec.PrincipalID),
			zap.String("resourceID", rec.ResourceID))
		return authzErrors.ErrAuditSinkFull
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := s.repo.Write(ctx, rec)
		cancel()
		if err != nil {
			s.failed.Add(1)
			logger.Error("Failed to write audit record", zap.Error(err), zap.String("principalID", rec.PrincipalID))
			continue
		}
		s.written.Add(1)
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{
		Queued:  s.queued.Load(),
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}
