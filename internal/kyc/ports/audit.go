package ports

import (
	"context"
	"log/slog"
	"sync"

	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/requestcontext"
)

type auditBatchKey struct{}

// AuditBatch holds audit entries raised while a transaction is open. Entries
// must only reach the audit store once the writes they describe are durable,
// and an audit failure must never abort the transaction it describes.
type AuditBatch struct {
	mu      sync.Mutex
	entries []batchedAudit
}

type batchedAudit struct {
	logger   *slog.Logger
	recorder AuditRecorder
	event    audit.Event
}

// DeferAudit returns a context under which LogAudit queues entries on the
// returned batch instead of writing them.
func DeferAudit(ctx context.Context) (context.Context, *AuditBatch) {
	batch := &AuditBatch{}
	return context.WithValue(ctx, auditBatchKey{}, batch), batch
}

// Flush writes the queued entries in order and empties the batch. ctx must
// not carry the transaction.
func (b *AuditBatch) Flush(ctx context.Context) {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	for _, e := range entries {
		emitAudit(ctx, e.logger, e.recorder, e.event)
	}
}

// Discard drops the queued entries. Called when the transaction rolled back.
func (b *AuditBatch) Discard() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Len returns the number of queued entries.
func (b *AuditBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// LogAudit writes the event as a structured audit log line and hands it to
// the recorder. Request ID and actor are taken from ctx when the event does
// not carry them. Inside DeferAudit the entry is queued until Flush.
func LogAudit(ctx context.Context, logger *slog.Logger, recorder AuditRecorder, event audit.Event) {
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.ActorID == "" {
		event.ActorID = requestcontext.Actor(ctx)
	}

	if batch, ok := ctx.Value(auditBatchKey{}).(*AuditBatch); ok {
		batch.mu.Lock()
		batch.entries = append(batch.entries, batchedAudit{logger: logger, recorder: recorder, event: event})
		batch.mu.Unlock()
		return
	}
	emitAudit(ctx, logger, recorder, event)
}

func emitAudit(ctx context.Context, logger *slog.Logger, recorder AuditRecorder, event audit.Event) {
	if logger != nil {
		args := []any{"event", event.Action, "log_type", "audit"}
		if !event.SessionID.IsNil() {
			args = append(args, "session_id", event.SessionID.String())
		}
		if !event.UserID.IsNil() {
			args = append(args, "user_id", event.UserID.String())
		}
		if event.ActorID != "" {
			args = append(args, "actor", event.ActorID)
		}
		if event.RequestID != "" {
			args = append(args, "request_id", event.RequestID)
		}
		for k, v := range event.Details {
			args = append(args, k, v)
		}
		logger.InfoContext(ctx, event.Action, args...)
	}

	if recorder != nil {
		recorder.Record(ctx, event)
	}
}
