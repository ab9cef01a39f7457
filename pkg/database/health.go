package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports connectivity and connection pool pressure. Exposed on
// the /health endpoint so operators can spot pool exhaustion before the
// stores start timing out.
type HealthStatus struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	OpenConns      int    `json:"open_connections"`
	InUse          int    `json:"in_use"`
	Idle           int    `json:"idle"`
	WaitCount      int64  `json:"wait_count"`
	WaitDurationMs int64  `json:"wait_duration_ms"`
	MaxOpenConns   int    `json:"max_open_conns"`
}

// Health runs a round-trip query and snapshots the pool statistics. The
// returned status is populated even on error so callers can report partial
// information.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &HealthStatus{
			Status:         "unhealthy",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:         "healthy",
		ResponseTimeMs: time.Since(start).Milliseconds(),
		OpenConns:      stats.OpenConnections,
		InUse:          stats.InUse,
		Idle:           stats.Idle,
		WaitCount:      stats.WaitCount,
		WaitDurationMs: stats.WaitDuration.Milliseconds(),
		MaxOpenConns:   stats.MaxOpenConnections,
	}, nil
}
