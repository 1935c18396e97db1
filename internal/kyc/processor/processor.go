// Package processor runs the background worker that drives uploaded identity
// documents through scan, extraction, expiry validation and encryption, and
// moves the owning session to pending_otp or rejected.
//
// Documents are leased with ClaimPending before any work starts, so two
// pollers (in one process or many) never work on the same row. A lease that
// is abandoned by a crash or forced stop lapses and the document is claimed
// again on a later poll: processing is at-least-once and every write is
// conditional on still holding the lease.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"kycgate/internal/kyc/metrics"
	"kycgate/internal/kyc/ports"
	"kycgate/internal/kyc/service"
	"kycgate/pkg/platform/clock"
)

// ActorProcessor is recorded as the actor of every audit entry the worker
// writes.
const ActorProcessor = "system:document-processor"

const tracerName = "kycgate/internal/kyc/processor"

// Secrets covers the key material needed to protect extracted fields.
type Secrets interface {
	Encrypt(plaintext string) (string, error)
	BlindIndex(documentType, documentNumber string) string
}

// Settings tunes the worker. Zero fields fall back to DefaultSettings.
type Settings struct {
	PollInterval      time.Duration
	BatchSize         int
	PoolSize          int
	ClaimLease        time.Duration
	CapabilityTimeout time.Duration
	// RetryBudget is the number of transient failures after which a
	// document is failed instead of released.
	RetryBudget   int
	MinConfidence float64
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval:      30 * time.Second,
		BatchSize:         10,
		PoolSize:          4,
		ClaimLease:        5 * time.Minute,
		CapabilityTimeout: 30 * time.Second,
		RetryBudget:       3,
		MinConfidence:     0.5,
	}
}

// BatchResult summarizes one poll.
type BatchResult struct {
	Claimed  int
	Outcomes map[string]int
}

// Processor polls for pending documents and processes them on a bounded pool.
type Processor struct {
	sessions     ports.SessionStore
	documents    ports.DocumentStore
	scanner      ports.Scanner
	extractor    ports.Extractor
	secrets      Secrets
	transitioner *service.Transitioner

	settings Settings
	owner    string
	clock    clock.Clock
	tracer   trace.Tracer
	auditor  ports.AuditRecorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithAuditRecorder(recorder ports.AuditRecorder) Option {
	return func(p *Processor) {
		p.auditor = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// WithOwner sets the claim owner written on leased rows. It must be unique
// per running processor.
func WithOwner(owner string) Option {
	return func(p *Processor) {
		if owner != "" {
			p.owner = owner
		}
	}
}

func WithSettings(s Settings) Option {
	return func(p *Processor) {
		if s.PollInterval > 0 {
			p.settings.PollInterval = s.PollInterval
		}
		if s.BatchSize > 0 {
			p.settings.BatchSize = s.BatchSize
		}
		if s.PoolSize > 0 {
			p.settings.PoolSize = s.PoolSize
		}
		if s.ClaimLease > 0 {
			p.settings.ClaimLease = s.ClaimLease
		}
		if s.CapabilityTimeout > 0 {
			p.settings.CapabilityTimeout = s.CapabilityTimeout
		}
		if s.RetryBudget > 0 {
			p.settings.RetryBudget = s.RetryBudget
		}
		if s.MinConfidence > 0 {
			p.settings.MinConfidence = s.MinConfidence
		}
	}
}

func New(sessions ports.SessionStore, documents ports.DocumentStore, scanner ports.Scanner, extractor ports.Extractor, secrets Secrets, transitioner *service.Transitioner, opts ...Option) (*Processor, error) {
	if sessions == nil || documents == nil {
		return nil, errors.New("session and document stores are required")
	}
	if scanner == nil || extractor == nil {
		return nil, errors.New("scanner and extractor are required")
	}
	if secrets == nil {
		return nil, errors.New("secrets are required")
	}
	if transitioner == nil {
		return nil, errors.New("transitioner is required")
	}
	p := &Processor{
		sessions:     sessions,
		documents:    documents,
		scanner:      scanner,
		extractor:    extractor,
		secrets:      secrets,
		transitioner: transitioner,
		settings:     DefaultSettings(),
		owner:        "processor-" + uuid.NewString(),
		clock:        clock.Real(),
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.settings.ClaimLease <= p.settings.CapabilityTimeout {
		return nil, errors.New("claim lease must exceed the capability timeout")
	}
	return p, nil
}

// Owner returns the claim owner of this processor.
func (p *Processor) Owner() string { return p.owner }

// RunOnce claims one batch and processes it. Per-document failures are
// recorded on the document and never returned; the error is non-nil only
// when the claim itself fails.
func (p *Processor) RunOnce(ctx context.Context) (*BatchResult, error) {
	docs, err := p.documents.ClaimPending(ctx, p.owner, p.settings.BatchSize, p.clock.Now(), p.settings.ClaimLease)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveClaimed(len(docs))
	result := &BatchResult{Claimed: len(docs), Outcomes: make(map[string]int)}
	if len(docs) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.settings.PoolSize)
	for _, doc := range docs {
		g.Go(func() error {
			outcome := p.process(ctx, doc)
			mu.Lock()
			result.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.InfoContext(ctx, "document batch processed",
		"owner", p.owner,
		"claimed", result.Claimed,
		"outcomes", result.Outcomes,
	)
	return result, nil
}

// Handle controls a running processor loop.
type Handle struct {
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Start runs the poll loop in the background until Stop is called or ctx is
// cancelled.
func (p *Processor) Start(ctx context.Context) *Handle {
	workCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ticker := p.clock.NewTicker(p.settings.PollInterval)

	go func() {
		defer close(h.done)
		defer cancel()
		defer ticker.Stop()

		p.logger.InfoContext(ctx, "document processor started",
			"owner", p.owner,
			"poll_interval", p.settings.PollInterval,
			"pool_size", p.settings.PoolSize,
		)
		for {
			select {
			case <-h.stop:
				p.logger.InfoContext(ctx, "document processor stopped", "owner", p.owner)
				return
			case <-workCtx.Done():
				return
			case <-ticker.C():
				if _, err := p.RunOnce(workCtx); err != nil && workCtx.Err() == nil {
					p.logger.ErrorContext(workCtx, "document poll failed", "owner", p.owner, "error", err)
				}
			}
		}
	}()
	return h
}

// Stop lets the in-flight batch finish. If ctx expires first the batch is
// cancelled; its claimed documents become claimable again once their lease
// lapses.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
