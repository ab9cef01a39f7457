package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/threadworks/autonomy/pkg/models"
)

// TimerStore is the durable schedule of future promotions. Rows are keyed by
// (session_key, timer_id) with replace-on-reschedule semantics, and are only
// ever soft-cancelled so audit history survives.
type TimerStore struct {
	db *sql.DB
}

// NewTimerStore creates a new TimerStore
func NewTimerStore(db *sql.DB) *TimerStore {
	return &TimerStore{db: db}
}

const timerColumns = `id, session_key, timer_id, fire_at_ms, payload, status,
	cancelled_at, created_at, updated_at`

// UpsertTimer creates or replaces the timer keyed by (sessionKey, timerId).
// On replace the fire time and payload take the new values and status resets
// to pending regardless of the prior state — re-arming a cancelled or
// promoted timer is intentional (last-writer-wins rescheduling).
func (s *TimerStore) UpsertTimer(ctx context.Context, in models.UpsertTimerInput) (*models.Timer, error) {
	if _, err := models.ParseSessionKey(in.SessionKey.String()); err != nil {
		return nil, err
	}
	if in.TimerID == "" {
		return nil, NewValidationError("timer_id", "required")
	}
	if in.FireAtMs <= 0 {
		return nil, NewValidationError("fire_at_ms", "must be positive epoch millis")
	}

	var payload any
	if len(in.Payload) > 0 {
		payload = []byte(in.Payload)
	}

	rows, err := s.db.QueryContext(ctx,
		`INSERT INTO timers (id, session_key, timer_id, fire_at_ms, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_key, timer_id) DO UPDATE
		 SET fire_at_ms = EXCLUDED.fire_at_ms,
		     payload = EXCLUDED.payload,
		     status = 'pending',
		     cancelled_at = NULL,
		     updated_at = now()
		 RETURNING `+timerColumns,
		uuid.New().String(), in.SessionKey.String(), in.TimerID, in.FireAtMs, payload,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert timer: %w", err)
	}

	timers, err := scanTimers(rows)
	if err != nil {
		return nil, err
	}
	if len(timers) == 0 {
		return nil, fmt.Errorf("upsert returned no row for timer (%s, %s)", in.SessionKey, in.TimerID)
	}
	return timers[0], nil
}

// FindDueTimers returns pending timers with fire_at_ms <= beforeMs, oldest
// due first. No staleness bound: a timer overdue by days is still returned.
// Read-only; promotion sweeps should use ClaimDueTimers.
func (s *TimerStore) FindDueTimers(ctx context.Context, beforeMs int64, limit int) ([]*models.Timer, error) {
	query := `SELECT ` + timerColumns + ` FROM timers
		 WHERE status = $1 AND fire_at_ms <= $2
		 ORDER BY fire_at_ms ASC`
	args := []any{string(models.TimerStatusPending), beforeMs}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find due timers: %w", err)
	}
	return scanTimers(rows)
}

// ClaimDueTimers atomically claims due pending timers for promotion: selects
// them FOR UPDATE SKIP LOCKED and transitions them to promoted in the same
// transaction. Two concurrent sweeps never receive the same timer, closing
// the read-then-act window that FindDueTimers + MarkPromoted would leave.
func (s *TimerStore) ClaimDueTimers(ctx context.Context, beforeMs int64, limit int) ([]*models.Timer, error) {
	if limit <= 0 {
		return nil, NewValidationError("limit", "must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimRows, err := tx.QueryContext(ctx,
		`UPDATE timers SET status = $1, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM timers
		     WHERE status = $2 AND fire_at_ms <= $3
		     ORDER BY fire_at_ms ASC
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+timerColumns,
		string(models.TimerStatusPromoted), string(models.TimerStatusPending), beforeMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due timers: %w", err)
	}

	timers, err := scanTimers(claimRows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit timer claim: %w", err)
	}

	// RETURNING does not guarantee order; keep oldest-due-first for callers.
	sort.Slice(timers, func(i, j int) bool { return timers[i].FireAtMs < timers[j].FireAtMs })
	return timers, nil
}

// MarkPromoted transitions one timer to promoted by row id. Not guarded
// against double promotion — sweeps that need the guard use ClaimDueTimers.
func (s *TimerStore) MarkPromoted(ctx context.Context, timerRowID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET status = $1, updated_at = now() WHERE id = $2`,
		string(models.TimerStatusPromoted), timerRowID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark timer promoted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: timer %s", ErrNotFound, timerRowID)
	}
	return nil
}

// CancelBySession soft-cancels all pending timers for a session, stamping
// cancelled_at. Timers of other sessions and non-pending timers are
// untouched. Returns the number of timers cancelled.
func (s *TimerStore) CancelBySession(ctx context.Context, sessionKey models.SessionKey) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET status = $1, cancelled_at = now(), updated_at = now()
		 WHERE session_key = $2 AND status = $3`,
		string(models.TimerStatusCancelled), sessionKey.String(), string(models.TimerStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel timers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

// GetTimer returns the timer keyed by (sessionKey, timerId), or ErrNotFound.
func (s *TimerStore) GetTimer(ctx context.Context, sessionKey models.SessionKey, timerID string) (*models.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE session_key = $1 AND timer_id = $2`,
		sessionKey.String(), timerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}

	timers, err := scanTimers(rows)
	if err != nil {
		return nil, err
	}
	if len(timers) == 0 {
		return nil, fmt.Errorf("%w: timer (%s, %s)", ErrNotFound, sessionKey, timerID)
	}
	return timers[0], nil
}

func scanTimers(rows *sql.Rows) ([]*models.Timer, error) {
	defer rows.Close()

	var timers []*models.Timer
	for rows.Next() {
		var (
			timer       models.Timer
			sessionKey  string
			status      string
			payload     []byte
			cancelledAt sql.NullTime
		)
		err := rows.Scan(&timer.ID, &sessionKey, &timer.TimerID, &timer.FireAtMs,
			&payload, &status, &cancelledAt, &timer.CreatedAt, &timer.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		timer.SessionKey = models.SessionKey(sessionKey)
		timer.Status = models.TimerStatus(status)
		if payload != nil {
			timer.Payload = json.RawMessage(payload)
		}
		if cancelledAt.Valid {
			t := cancelledAt.Time
			timer.CancelledAt = &t
		}
		timers = append(timers, &timer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timer rows: %w", err)
	}
	return timers, nil
}
