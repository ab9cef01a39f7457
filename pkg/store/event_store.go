package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadworks/autonomy/pkg/models"
)

// EventStore is the durable, append-only per-session event log. Events are
// immutable once created; there are no update or delete paths.
//
// NextSeq followed by CreateEvent is read-then-use: gaplessness holds only
// when both run under the EventQueue's per-session serialization. Writers
// that bypass the queue can race on the same seq, in which case the unique
// (session_key, seq) index fails the later write with ErrAlreadyExists.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new EventStore
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// ListEventsOptions controls pagination for ListEvents.
type ListEventsOptions struct {
	// Limit caps the number of returned events; 0 means no limit.
	Limit int
	// AfterSeq, when set, returns only events with seq greater than it.
	AfterSeq *int64
}

const eventColumns = "id, session_key, seq, event_type, payload, created_at"

// CreateEvent persists one immutable event row. Returns ErrAlreadyExists when
// (sessionKey, seq) is already present.
func (s *EventStore) CreateEvent(ctx context.Context, sessionKey models.SessionKey, seq int64, eventType models.EventType, payload json.RawMessage) (*models.Event, error) {
	if _, err := models.ParseSessionKey(sessionKey.String()); err != nil {
		return nil, err
	}
	if seq < 0 {
		return nil, NewValidationError("seq", "must be non-negative")
	}
	if err := models.ValidateEventPayload(eventType, payload); err != nil {
		return nil, err
	}

	event := &models.Event{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		Seq:        seq,
		Type:       eventType,
		Payload:    payload,
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (id, session_key, seq, event_type, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		event.ID, sessionKey.String(), seq, string(eventType), []byte(payload),
	).Scan(&event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: event (%s, %d)", ErrAlreadyExists, sessionKey, seq)
		}
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	return event, nil
}

// NextSeq returns the next sequence number for a session: 0 when the session
// has no events, otherwise last seq + 1.
func (s *EventStore) NextSeq(ctx context.Context, sessionKey models.SessionKey) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE session_key = $1`,
		sessionKey.String(),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next seq: %w", err)
	}
	return next, nil
}

// ListEvents returns a session's events in ascending seq order.
func (s *EventStore) ListEvents(ctx context.Context, sessionKey models.SessionKey, opts ListEventsOptions) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_key = $1`
	args := []any{sessionKey.String()}

	if opts.AfterSeq != nil {
		args = append(args, *opts.AfterSeq)
		query += fmt.Sprintf(" AND seq > $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}

	return events, nil
}

// CountEvents returns the total number of events for a session.
func (s *EventStore) CountEvents(ctx context.Context, sessionKey models.SessionKey) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_key = $1`,
		sessionKey.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var (
		event      models.Event
		sessionKey string
		eventType  string
		payload    []byte
		createdAt  time.Time
	)
	if err := rows.Scan(&event.ID, &sessionKey, &event.Seq, &eventType, &payload, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}
	event.SessionKey = models.SessionKey(sessionKey)
	event.Type = models.EventType(eventType)
	event.Payload = json.RawMessage(payload)
	event.CreatedAt = createdAt
	return &event, nil
}
