package analysis

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT result_data FROM analysis_results`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"result_data"}).AddRow([]byte(`{"parcels":{"gid":7}}`)))
	mock.ExpectQuery(`SELECT result_data FROM analysis_results`).
		WithArgs(int64(8)).
		WillReturnError(sql.ErrNoRows)

	store := NewPostgresStore(db)

	doc, found, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]any{"gid": float64(7)}, doc["parcels"])

	_, found, err = store.Get(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO analysis_results .* ON CONFLICT \(parcel_gid\) DO UPDATE`).
		WithArgs(int64(7), `{"road_analysis":{"road_frontage_feet":10}}`, `{"Address":"1 Main St"}`,
			"job-1", "batch").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO analysis_results`).
		WithArgs(int64(8), `{}`, nil, nil, "single").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)

	err = store.Upsert(context.Background(), Record{
		GID:     7,
		Result:  map[string]any{"road_analysis": map[string]any{"road_frontage_feet": 10}},
		Source:  map[string]string{"Address": "1 Main St"},
		BatchID: "job-1",
		Mode:    ModeBatch,
	})
	require.NoError(t, err)

	err = store.Upsert(context.Background(), Record{GID: 8, Result: map[string]any{}, Mode: ModeSingle})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TouchProvenance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE analysis_results`).
		WithArgs(int64(7), `{"Address":"2 Oak Ave"}`, "job-9", "batch").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	err = store.TouchProvenance(context.Background(), 7, "job-9", map[string]string{"Address": "2 Oak Ave"})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
