package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/threadworks/autonomy/pkg/models"
)

// OutboxStore is the transactional effect outbox. Effects record intended
// side actions durably before execution, so a checkpoint write and the
// effects it produced become visible together and effect execution can be
// retried without losing or duplicating work. The global dedupe_key unique
// index is the idempotency guard against double-scheduling.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore creates a new OutboxStore
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// PollPendingOptions controls filtering for PollPending.
type PollPendingOptions struct {
	// Limit caps the number of returned effects; 0 means no limit.
	Limit int
	// Types, when non-empty, restricts results to the given effect types.
	Types []models.EffectType
}

// ClaimOptions controls the runner's atomic claim sweep.
type ClaimOptions struct {
	// Limit caps the number of effects claimed per sweep.
	Limit int
	// BackoffBase is the delay after the first failed attempt; each further
	// attempt doubles it, capped at MaxBackoff.
	BackoffBase time.Duration
	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration
}

// UpdateStatusOptions controls UpdateStatus side fields.
type UpdateStatusOptions struct {
	// IncrementAttempt bumps attempt_count and stamps last_attempt_at.
	IncrementAttempt bool
}

const effectColumns = `id, session_key, checkpoint_id, effect_type, payload,
	dedupe_key, status, attempt_count, last_attempt_at, created_at, updated_at`

// CreateEffects inserts all effects in a single transaction. The batch is
// all-or-nothing: if any dedupe_key collides with an existing row (or with
// another row in the batch), nothing is persisted and ErrAlreadyExists is
// returned. This is the transactional-outbox guarantee.
func (s *OutboxStore) CreateEffects(ctx context.Context, inputs []*models.EffectInput) ([]*models.Effect, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	for _, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	effects := make([]*models.Effect, 0, len(inputs))
	for _, in := range inputs {
		effect := &models.Effect{
			ID:           uuid.New().String(),
			SessionKey:   in.SessionKey,
			CheckpointID: in.CheckpointID,
			Type:         in.Type,
			Payload:      in.Payload,
			DedupeKey:    in.DedupeKey,
			Status:       models.EffectStatusPending,
		}
		err := tx.QueryRowContext(ctx,
			`INSERT INTO effects (id, session_key, checkpoint_id, effect_type, payload, dedupe_key)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING created_at, updated_at`,
			effect.ID, in.SessionKey.String(), in.CheckpointID, string(in.Type), []byte(in.Payload), in.DedupeKey,
		).Scan(&effect.CreatedAt, &effect.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: dedupe key %q", ErrAlreadyExists, in.DedupeKey)
			}
			return nil, fmt.Errorf("failed to create effect: %w", err)
		}
		effects = append(effects, effect)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit effect batch: %w", err)
	}

	return effects, nil
}

// PollPending returns pending effects ordered by creation time, oldest first.
// Read-only: intended for monitoring and for runners that do their own
// claiming; multi-replica runners should use ClaimPending instead.
func (s *OutboxStore) PollPending(ctx context.Context, opts PollPendingOptions) ([]*models.Effect, error) {
	query := `SELECT ` + effectColumns + ` FROM effects WHERE status = $1`
	args := []any{string(models.EffectStatusPending)}

	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" AND effect_type IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY created_at ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to poll pending effects: %w", err)
	}
	defer rows.Close()

	return scanEffects(rows)
}

// ClaimPending atomically claims a batch of due pending effects for
// execution: SELECT ... FOR UPDATE SKIP LOCKED, then transition the claimed
// rows to executing with attempt_count bumped and last_attempt_at stamped, in
// one transaction. Effects still inside their exponential backoff window
// (derived from attempt_count and last_attempt_at) are skipped. Safe to run
// from concurrent replicas — no effect is handed to two runners.
func (s *OutboxStore) ClaimPending(ctx context.Context, opts ClaimOptions) ([]*models.Effect, error) {
	if opts.Limit <= 0 {
		return nil, NewValidationError("limit", "must be positive")
	}
	baseMs := opts.BackoffBase.Milliseconds()
	maxFactor := float64(1)
	if baseMs > 0 && opts.MaxBackoff > opts.BackoffBase {
		maxFactor = float64(opts.MaxBackoff.Milliseconds()) / float64(baseMs)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM effects
		 WHERE status = $1
		   AND (last_attempt_at IS NULL
		        OR last_attempt_at
		           + ($2::bigint * LEAST(POWER(2, GREATEST(attempt_count - 1, 0)), $3::float8)
		              * INTERVAL '1 millisecond') <= now())
		 ORDER BY created_at ASC
		 LIMIT $4
		 FOR UPDATE SKIP LOCKED`,
		string(models.EffectStatusPending), baseMs, maxFactor, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable effects: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan effect id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate claimable effects: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	args := []any{string(models.EffectStatusExecuting)}
	for i, id := range ids {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	claimRows, err := tx.QueryContext(ctx,
		`UPDATE effects
		 SET status = $1, attempt_count = attempt_count + 1,
		     last_attempt_at = now(), updated_at = now()
		 WHERE id IN (`+strings.Join(placeholders, ", ")+`)
		 RETURNING `+effectColumns,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim effects: %w", err)
	}
	effects, err := scanEffects(claimRows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	// RETURNING does not guarantee order; keep oldest-first for callers.
	sort.Slice(effects, func(i, j int) bool { return effects[i].CreatedAt.Before(effects[j].CreatedAt) })
	return effects, nil
}

// UpdateStatus transitions one effect's status. The store does not enforce
// the pending → executing → {completed, failed} ordering; callers own it.
func (s *OutboxStore) UpdateStatus(ctx context.Context, effectID string, status models.EffectStatus, opts UpdateStatusOptions) error {
	query := `UPDATE effects SET status = $1, updated_at = now()`
	if opts.IncrementAttempt {
		query += `, attempt_count = attempt_count + 1, last_attempt_at = now()`
	}
	query += ` WHERE id = $2`

	res, err := s.db.ExecContext(ctx, query, string(status), effectID)
	if err != nil {
		return fmt.Errorf("failed to update effect status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: effect %s", ErrNotFound, effectID)
	}
	return nil
}

// ClearPendingBySession abandons all still-pending effects for a session by
// marking them failed. Used when new input supersedes in-flight autonomous
// effects. Returns the number of effects affected.
func (s *OutboxStore) ClearPendingBySession(ctx context.Context, sessionKey models.SessionKey) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE effects SET status = $1, updated_at = now()
		 WHERE session_key = $2 AND status = $3`,
		string(models.EffectStatusFailed), sessionKey.String(), string(models.EffectStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending effects: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

// ExistsByDedupeKey reports whether an effect with the given dedupe key
// exists, for pre-flight idempotency checks.
func (s *OutboxStore) ExistsByDedupeKey(ctx context.Context, dedupeKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM effects WHERE dedupe_key = $1)`,
		dedupeKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key: %w", err)
	}
	return exists, nil
}

// GetEffect returns one effect by row id, or ErrNotFound.
func (s *OutboxStore) GetEffect(ctx context.Context, effectID string) (*models.Effect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+effectColumns+` FROM effects WHERE id = $1`, effectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get effect: %w", err)
	}
	defer rows.Close()

	effects, err := scanEffects(rows)
	if err != nil {
		return nil, err
	}
	if len(effects) == 0 {
		return nil, fmt.Errorf("%w: effect %s", ErrNotFound, effectID)
	}
	return effects[0], nil
}

// ReclaimStale returns effects stuck in executing (a runner crashed after
// claiming) to pending so another sweep can retry them. Recovery exception to
// the forward-only status rule; threshold should comfortably exceed the
// longest expected execution.
func (s *OutboxStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE effects SET status = $1, updated_at = now()
		 WHERE status = $2 AND last_attempt_at < now() - ($3::bigint * INTERVAL '1 millisecond')`,
		string(models.EffectStatusPending), string(models.EffectStatusExecuting), threshold.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale effects: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

func scanEffects(rows *sql.Rows) ([]*models.Effect, error) {
	defer rows.Close()

	var effects []*models.Effect
	for rows.Next() {
		var (
			effect        models.Effect
			sessionKey    string
			effectType    string
			payload       []byte
			status        string
			lastAttemptAt sql.NullTime
		)
		err := rows.Scan(&effect.ID, &sessionKey, &effect.CheckpointID, &effectType,
			&payload, &effect.DedupeKey, &status, &effect.AttemptCount,
			&lastAttemptAt, &effect.CreatedAt, &effect.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan effect row: %w", err)
		}
		effect.SessionKey = models.SessionKey(sessionKey)
		effect.Type = models.EffectType(effectType)
		effect.Payload = json.RawMessage(payload)
		effect.Status = models.EffectStatus(status)
		if lastAttemptAt.Valid {
			t := lastAttemptAt.Time
			effect.LastAttemptAt = &t
		}
		effects = append(effects, &effect)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate effect rows: %w", err)
	}
	return effects, nil
}
