package database

import (
	"context"
	"database/sql"
	"time"
)

// healthProbeTimeout bounds the liveness round trip so a wedged pool cannot
// hang the health endpoint.
const healthProbeTimeout = 2 * time.Second

// HealthStatus is the health endpoint's view of the database: liveness,
// schema reachability, and pool pressure.
type HealthStatus struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	SchemaReady    bool   `json:"schemaReady"`
	OpenConns      int    `json:"openConns"`
	InUse          int    `json:"inUse"`
	Idle           int    `json:"idle"`
	WaitCount      int64  `json:"waitCount"`
	WaitMs         int64  `json:"waitMs"`
	MaxOpenConns   int    `json:"maxOpenConns"`
}

// Health pings the database and probes the coordinator schema. A reachable
// server with missing tables still reports an error, since the bus and task
// store cannot operate without them.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	start := time.Now()
	status := &HealthStatus{Status: "healthy"}

	if err := db.PingContext(probeCtx); err != nil {
		status.Status = "unhealthy"
		status.ResponseTimeMs = time.Since(start).Milliseconds()
		return status, err
	}

	var one int
	err := db.QueryRowContext(probeCtx,
		`SELECT 1 FROM bus_events LIMIT 1`).Scan(&one)
	status.SchemaReady = err == nil || err == sql.ErrNoRows
	status.ResponseTimeMs = time.Since(start).Milliseconds()

	pool := db.Stats()
	status.OpenConns = pool.OpenConnections
	status.InUse = pool.InUse
	status.Idle = pool.Idle
	status.WaitCount = pool.WaitCount
	status.WaitMs = pool.WaitDuration.Milliseconds()
	status.MaxOpenConns = pool.MaxOpenConnections

	if !status.SchemaReady {
		status.Status = "unhealthy"
		return status, err
	}
	return status, nil
}
