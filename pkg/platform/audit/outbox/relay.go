// Package outbox relays audit outbox rows to Kafka.
//
// The postgres audit store writes every entry together with an outbox row.
// Relay polls unpublished rows, produces them to the audit topic and marks
// them published. Delivery is at-least-once; consumers dedupe on the payload
// id. Recently produced IDs are kept in a bounded LRU so a failed
// mark-published does not make this instance produce the same row twice.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"kycgate/pkg/platform/clock"
)

// DefaultTopic receives every KYC audit entry.
const DefaultTopic = "kyc.audit"

// Entry is one outbox row.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// Store is the outbox side of the audit store.
type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Producer is satisfied by *kgo.Client.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay moves outbox rows to Kafka.
type Relay struct {
	store     Store
	producer  Producer
	topic     string
	batchSize int
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	sent      *lru.Cache[uuid.UUID, struct{}]
}

// Option configures the Relay.
type Option func(*Relay)

func WithTopic(topic string) Option {
	return func(r *Relay) { r.topic = topic }
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithDedupeSize bounds the remembered published-ID set.
func WithDedupeSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.sent, _ = lru.New[uuid.UUID, struct{}](n)
		}
	}
}

// NewRelay creates a relay with a 1s interval, batches of 100 and a 10k ID
// dedupe window.
func NewRelay(store Store, producer Producer, opts ...Option) *Relay {
	sent, _ := lru.New[uuid.UUID, struct{}](10_000)
	r := &Relay{
		store:     store,
		producer:  producer,
		topic:     DefaultTopic,
		batchSize: 100,
		interval:  time.Second,
		clock:     clock.Real(),
		logger:    slog.Default(),
		sent:      sent,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce relays one batch and returns how many rows were marked published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var (
		done    []uuid.UUID
		records []*kgo.Record
		pending = make(map[*kgo.Record]uuid.UUID)
	)
	for _, e := range entries {
		if r.sent.Contains(e.ID) {
			done = append(done, e.ID)
			continue
		}
		rec := &kgo.Record{
			Topic: r.topic,
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
			Headers: []kgo.RecordHeader{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "aggregate_type", Value: []byte(e.AggregateType)},
			},
		}
		records = append(records, rec)
		pending[rec] = e.ID
	}

	if len(records) > 0 {
		for _, res := range r.producer.ProduceSync(ctx, records...) {
			entryID := pending[res.Record]
			if res.Err != nil {
				r.logger.WarnContext(ctx, "outbox produce failed",
					"outbox_id", entryID.String(),
					"error", res.Err,
				)
				continue
			}
			r.sent.Add(entryID, struct{}{})
			done = append(done, entryID)
		}
	}

	if len(done) == 0 {
		return 0, nil
	}
	if err := r.store.MarkPublished(ctx, done, r.clock.Now()); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	return len(done), nil
}

// Run relays batches on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox relay batch failed", "error", err)
			}
		}
	}
}
