package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is one persisted analysis keyed by parcel. Source holds the raw input
// row that triggered it and is stored apart from the computed Result.
type Record struct {
	GID     int64
	Result  map[string]any
	Source  map[string]string
	BatchID string
	Mode    Mode
}

// SQLExecutor is the subset of *sql.DB the result store needs
type SQLExecutor interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore persists analysis results in the analysis_results table
type PostgresStore struct {
	db SQLExecutor
}

// NewPostgresStore creates a result store over db
func NewPostgresStore(db SQLExecutor) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the stored result document for gid. found is false when none exists.
func (s *PostgresStore) Get(ctx context.Context, gid int64) (map[string]any, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result_data FROM analysis_results WHERE parcel_gid = $1`, gid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load analysis for parcel %d: %w", gid, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode analysis for parcel %d: %w", gid, err)
	}
	return doc, true, nil
}

// Upsert writes rec, replacing any previous analysis for the same parcel
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}
	source, err := encodeSource(rec.Source)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (parcel_gid, result_data, csv_source_data, batch_id, processing_mode, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (parcel_gid) DO UPDATE SET
			result_data = EXCLUDED.result_data,
			csv_source_data = EXCLUDED.csv_source_data,
			batch_id = EXCLUDED.batch_id,
			processing_mode = EXCLUDED.processing_mode,
			updated_at = NOW()
	`, rec.GID, string(result), source, nullString(rec.BatchID), string(rec.Mode))
	if err != nil {
		return fmt.Errorf("failed to upsert analysis for parcel %d: %w", rec.GID, err)
	}
	return nil
}

// TouchProvenance records which batch row last referenced a cached analysis
// without touching the computed result
func (s *PostgresStore) TouchProvenance(ctx context.Context, gid int64, batchID string, source map[string]string) error {
	encoded, err := encodeSource(source)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE analysis_results
		SET csv_source_data = $2, batch_id = $3, processing_mode = $4, updated_at = NOW()
		WHERE parcel_gid = $1
	`, gid, encoded, nullString(batchID), string(ModeBatch))
	if err != nil {
		return fmt.Errorf("failed to update provenance for parcel %d: %w", gid, err)
	}
	return nil
}

func encodeSource(source map[string]string) (any, error) {
	if source == nil {
		return nil, nil
	}
	raw, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("failed to encode source row: %w", err)
	}
	return string(raw), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
