package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/audit/store/memory"
	"kycgate/pkg/platform/clock"
)

// flakyStore fails the next N appends, then delegates to the memory store.
type flakyStore struct {
	*memory.InMemoryStore
	mu       sync.Mutex
	failNext int
	attempts int
}

func (s *flakyStore) Append(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	s.attempts++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.InMemoryStore.Append(ctx, e)
}

func (s *flakyStore) setFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

type RecorderSuite struct {
	suite.Suite
	store   *flakyStore
	metrics *Metrics
	clock   *clock.Fake
	rec     *Recorder
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

func (s *RecorderSuite) SetupTest() {
	s.store = &flakyStore{InMemoryStore: memory.NewInMemoryStore()}
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.clock = clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.rec = New(s.store,
		WithMetrics(s.metrics),
		WithClock(s.clock),
		WithBufferSize(3),
		WithCircuitBreaker(NewCircuitBreaker(100, time.Minute)),
	)
}

func (s *RecorderSuite) event(action audit.AuditEvent) audit.Event {
	return audit.Event{SessionID: id.NewSessionID(), Action: string(action)}
}

func (s *RecorderSuite) TestRecordWritesImmediately() {
	s.rec.Record(context.Background(), s.event(audit.EventOTPSent))

	all, err := s.store.ListAll(context.Background())
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal(audit.CategoryOperations, all[0].Category)
	s.Equal(s.clock.Now(), all[0].Timestamp)
	s.False(all[0].ID == id.AuditID{})
	s.Zero(s.rec.Pending())
}

func (s *RecorderSuite) TestRetriesOnceBeforeParking() {
	s.Run("single transient failure is absorbed by the retry", func() {
		s.store.setFailures(1)
		s.rec.Record(context.Background(), s.event(audit.EventOTPVerified))
		s.Zero(s.rec.Pending())
		s.Equal(float64(0), testutil.ToFloat64(s.metrics.WriteFailures))
	})

	s.Run("two failures park the entry and raise the alert metric", func() {
		s.store.setFailures(2)
		s.rec.Record(context.Background(), s.event(audit.EventOTPVerified))
		s.Equal(1, s.rec.Pending())
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.WriteFailures))
	})
}

func (s *RecorderSuite) TestFlushDrainsParkedEntries() {
	s.store.setFailures(4)
	s.rec.Record(context.Background(), s.event(audit.EventSessionApproved))
	s.rec.Record(context.Background(), s.event(audit.EventSessionRejected))
	s.Require().Equal(2, s.rec.Pending())

	flushed := s.rec.Flush(context.Background())
	s.Equal(2, flushed)
	s.Zero(s.rec.Pending())

	all, err := s.store.ListAll(context.Background())
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(string(audit.EventSessionApproved), all[0].Action, "parked order is preserved")
}

func (s *RecorderSuite) TestFlushStopsOnFailureAndKeepsEntries() {
	s.store.setFailures(4)
	s.rec.Record(context.Background(), s.event(audit.EventSessionApproved))
	s.rec.Record(context.Background(), s.event(audit.EventSessionRejected))

	s.store.setFailures(1)
	flushed := s.rec.Flush(context.Background())
	s.Zero(flushed)
	s.Equal(2, s.rec.Pending())
}

func (s *RecorderSuite) TestOverflowIsCountedNotSilent() {
	s.store.setFailures(100)
	for range 5 {
		s.rec.Record(context.Background(), s.event(audit.EventOTPSent))
	}
	s.Equal(3, s.rec.Pending())
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.Dropped))
}

func (s *RecorderSuite) TestCancelledCallerContextStillPersists() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.rec.Record(ctx, s.event(audit.EventOTPSent))

	all, err := s.store.ListAll(context.Background())
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *RecorderSuite) TestRunFlushesOnTick() {
	s.store.setFailures(2)
	s.rec.Record(context.Background(), s.event(audit.EventOTPSent))
	s.Require().Equal(1, s.rec.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.rec.Run(ctx) }()

	s.Require().True(s.clock.WaitForTickers(1, time.Second))
	s.clock.Advance(defaultFlushInterval)
	s.Eventually(func() bool { return s.rec.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func TestCircuitBreaker_ParksWithoutWriting(t *testing.T) {
	store := &flakyStore{InMemoryStore: memory.NewInMemoryStore()}
	store.setFailures(100)
	rec := New(store,
		WithCircuitBreaker(NewCircuitBreaker(1, time.Hour)),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	)

	rec.Record(context.Background(), audit.Event{Action: string(audit.EventOTPSent)})
	require.Equal(t, 2, store.attempts)

	rec.Record(context.Background(), audit.Event{Action: string(audit.EventOTPSent)})
	assert.Equal(t, 2, store.attempts, "open circuit skips the store")
	assert.Equal(t, 2, rec.Pending())
}

func TestRingBuffer_RequeueKeepsOrder(t *testing.T) {
	b := NewRingBuffer(4)
	for _, a := range []string{"a", "b", "c"} {
		b.Enqueue(audit.Event{Action: a})
	}
	batch := b.DequeueBatch(2)
	require.Len(t, batch, 2)

	overflow := b.Requeue(batch)
	assert.Empty(t, overflow)

	got := b.DequeueBatch(10)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].Action, got[1].Action, got[2].Action})
}
