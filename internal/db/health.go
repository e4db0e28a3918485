package db

import (
	"context"
	"time"
)

// RequiredTables must exist for the service to accept work. parcels is loaded
// out of band; the others are created by setupSchema.
var RequiredTables = []string{"batch_jobs", "analysis_results", "parcels"}

// HealthCheck contains database health information
type HealthCheck struct {
	Connected     bool          `json:"connected"`
	Latency       time.Duration `json:"latency_ms"`
	MissingTables []string      `json:"missing_tables,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Healthy reports whether the database is reachable with the full schema
func (h HealthCheck) Healthy() bool {
	return h.Connected && h.Error == "" && len(h.MissingTables) == 0
}

// CheckHealth tests the database connection and verifies the required tables
func (d *DB) CheckHealth(ctx context.Context) HealthCheck {
	var result HealthCheck

	start := time.Now()
	err := d.client.PingContext(ctx)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Connected = true

	rows, err := d.client.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
	`)
	if err != nil {
		result.Error = "Connected but failed to list tables: " + err.Error()
		return result
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		result.Error = "Connected but failed to read tables: " + err.Error()
		return result
	}

	for _, table := range RequiredTables {
		if !present[table] {
			result.MissingTables = append(result.MissingTables, table)
		}
	}
	return result
}
