package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DbQueue runs transactional operations against the batch job tables
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a PostgreSQL transaction runner
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{
		db: db,
	}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ExecuteWithRetry runs Execute and retries infrastructure failures with
// exponential backoff. Data errors are returned immediately.
func (q *DbQueue) ExecuteWithRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = q.Execute(ctx, fn)
		if err == nil || !isRetryableError(err) || ctx.Err() != nil {
			return err
		}

		if attempt == maxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Transaction failed, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return err
}
