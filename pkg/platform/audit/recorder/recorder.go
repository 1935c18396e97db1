// Package recorder provides the audit write path used by KYC services.
//
// Record never returns an error and never blocks a state transition on the
// audit store. Each entry is written, retried once, and on a second failure
// logged at warning level, counted on an alert metric and parked in a bounded
// pending buffer. A background flusher (Run) drains the buffer back into the
// store. When the buffer overflows the evicted entry is counted and logged at
// error level with its full content, so no entry is lost silently.
package recorder

import (
	"context"
	"log/slog"
	"time"

	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/clock"
	"kycgate/pkg/requestcontext"
)

const (
	defaultBufferSize    = 10000
	defaultFlushInterval = 5 * time.Second
	defaultFlushBatch    = 100
	defaultWriteTimeout  = 5 * time.Second
)

// Recorder implements audit.Recorder.
type Recorder struct {
	store         audit.Store
	buffer        *RingBuffer
	breaker       *CircuitBreaker
	logger        *slog.Logger
	metrics       *Metrics
	clock         clock.Clock
	flushInterval time.Duration
	flushBatch    int
	writeTimeout  time.Duration
}

// Option configures the Recorder.
type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithBufferSize bounds the pending buffer.
func WithBufferSize(n int) Option {
	return func(r *Recorder) { r.buffer = NewRingBuffer(n) }
}

func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithCircuitBreaker replaces the default breaker (5 failures, 30s cooldown).
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(r *Recorder) { r.breaker = cb }
}

// New creates a Recorder on top of store.
func New(store audit.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:         store,
		buffer:        NewRingBuffer(defaultBufferSize),
		breaker:       NewCircuitBreaker(5, 30*time.Second),
		logger:        slog.Default(),
		clock:         clock.Real(),
		flushInterval: defaultFlushInterval,
		flushBatch:    defaultFlushBatch,
		writeTimeout:  defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists event or parks it for the flusher. The caller's
// cancellation does not abort the write.
func (r *Recorder) Record(ctx context.Context, event audit.Event) {
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	event = audit.Prepare(event, r.clock.Now())
	ctx = context.WithoutCancel(ctx)

	if r.breaker.Allow() {
		err := r.write(ctx, event)
		if err != nil {
			err = r.write(ctx, event)
		}
		if err == nil {
			r.breaker.RecordSuccess()
			r.metrics.SetBreakerOpen(false)
			r.metrics.IncRecorded()
			return
		}
		if r.breaker.RecordFailure() {
			r.metrics.SetBreakerOpen(true)
			r.logger.ErrorContext(ctx, "audit store circuit opened", "error", err)
		}
		r.metrics.IncWriteFailures()
		r.logger.WarnContext(ctx, "audit write failed after retry, parking entry",
			"action", event.Action,
			"audit_id", event.ID.String(),
			"session_id", event.SessionID.String(),
			"error", err,
		)
	}
	r.park(ctx, event)
}

// Pending returns the number of parked entries.
func (r *Recorder) Pending() int {
	return r.buffer.Len()
}

// Flush writes parked entries back to the store until the buffer is empty or
// a write fails. It returns the number of entries persisted.
func (r *Recorder) Flush(ctx context.Context) int {
	flushed := 0
	defer func() {
		r.metrics.AddFlushed(flushed)
		r.metrics.SetPending(r.buffer.Len())
	}()

	for {
		batch := r.buffer.DequeueBatch(r.flushBatch)
		if len(batch) == 0 {
			return flushed
		}
		for i, event := range batch {
			if err := r.write(ctx, event); err != nil {
				r.breaker.RecordFailure()
				overflow := r.buffer.Requeue(batch[i:])
				r.reportDropped(ctx, overflow)
				r.logger.WarnContext(ctx, "audit flush interrupted",
					"remaining", r.buffer.Len(),
					"error", err,
				)
				return flushed
			}
			flushed++
		}
		r.breaker.RecordSuccess()
		r.metrics.SetBreakerOpen(false)
	}
}

// Run flushes parked entries on every tick until ctx is cancelled, then makes
// one final attempt with a bounded deadline.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
			r.Flush(final)
			cancel()
			if n := r.buffer.Len(); n > 0 {
				r.logger.Error("audit entries still pending at shutdown", "pending", n)
			}
			return ctx.Err()
		case <-ticker.C():
			if r.buffer.Len() > 0 && r.breaker.Allow() {
				r.Flush(ctx)
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, event audit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return r.store.Append(ctx, event)
}

func (r *Recorder) park(ctx context.Context, event audit.Event) {
	r.metrics.IncParked()
	if evicted, ok := r.buffer.Enqueue(event); ok {
		r.reportDropped(ctx, []audit.Event{evicted})
	}
	r.metrics.SetPending(r.buffer.Len())
}

func (r *Recorder) reportDropped(ctx context.Context, events []audit.Event) {
	if len(events) == 0 {
		return
	}
	r.metrics.AddDropped(len(events))
	for _, e := range events {
		r.logger.ErrorContext(ctx, "audit pending buffer overflow, entry dropped",
			"log_type", "audit",
			"audit_id", e.ID.String(),
			"action", e.Action,
			"session_id", e.SessionID.String(),
			"user_id", e.UserID.String(),
			"actor_id", e.ActorID,
			"details", e.Details,
			"timestamp", e.Timestamp,
		)
	}
}
