package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/audit/outbox"
	txcontext "kycgate/pkg/platform/tx"
)

// Store implements audit.Store using the transactional outbox pattern.
// Each event lands in kyc_audit_logs and, in the same statement, in the outbox
// table that outbox.Relay publishes to Kafka.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// outboxPayload is the JSON structure published to Kafka.
type outboxPayload struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Append writes the audit row and its outbox entry. Re-appending an event with
// an ID that already exists is a no-op, so retries cannot duplicate entries.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	event = audit.Prepare(event, time.Now())
	eventID := uuid.UUID(event.ID)

	details, err := json.Marshal(nonNilDetails(event.Details))
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	payload := outboxPayload{
		ID:        eventID.String(),
		Category:  string(event.Category),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:    event.Action,
		Details:   event.Details,
		ActorID:   event.ActorID,
		RequestID: event.RequestID,
	}
	aggregateType := "audit"
	aggregateID := eventID.String()
	if !event.SessionID.IsNil() {
		payload.SessionID = event.SessionID.String()
		aggregateType = "kyc_session"
		aggregateID = payload.SessionID
	}
	if !event.UserID.IsNil() {
		payload.UserID = event.UserID.String()
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	query := `
		WITH logged AS (
			INSERT INTO kyc_audit_logs (
				id, category, session_id, user_id, action,
				details, actor_id, request_id, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
			RETURNING id
		)
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		SELECT $10, $11, $12, $5, $13, $9 FROM logged
	`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		eventID,
		string(event.Category),
		nullableUUID(uuid.UUID(event.SessionID)),
		nullableUUID(uuid.UUID(event.UserID)),
		event.Action,
		details,
		event.ActorID,
		event.RequestID,
		event.Timestamp,
		uuid.New(),
		aggregateType,
		aggregateID,
		payloadBytes,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListBySession returns events for a session, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID id.SessionID) ([]audit.Event, error) {
	query := `
		SELECT id, category, session_id, user_id, action, details, actor_id, request_id, created_at
		FROM kyc_audit_logs
		WHERE session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByUser returns events for a user, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	query := `
		SELECT id, category, session_id, user_id, action, details, actor_id, request_id, created_at
		FROM kyc_audit_logs
		WHERE user_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// FetchUnpublished returns up to limit outbox entries that have not been
// published yet, oldest first.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Entry, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var e outbox.Entry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps published_at on the given outbox entries.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, u := range ids {
		raw[i] = u.String()
	}
	query := `UPDATE outbox SET published_at = $2 WHERE id = ANY($1::uuid[]) AND published_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(raw), at); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event     audit.Event
			eventID   uuid.UUID
			category  string
			sessionID *uuid.UUID
			userID    *uuid.UUID
			details   []byte
		)
		err := rows.Scan(
			&eventID,
			&category,
			&sessionID,
			&userID,
			&event.Action,
			&details,
			&event.ActorID,
			&event.RequestID,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.ID = id.AuditID(eventID)
		event.Category = audit.EventCategory(category)
		if sessionID != nil {
			event.SessionID = id.SessionID(*sessionID)
		}
		if userID != nil {
			event.UserID = id.UserID(*userID)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func nullableUUID(u uuid.UUID) *uuid.UUID {
	if u == uuid.Nil {
		return nil
	}
	return &u
}

func nonNilDetails(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
