package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/db"
	"github.com/getsentry/sentry-go"
)

// Store is the single source of truth for batch jobs
type Store interface {
	// Create persists a new queued job and announces it to schedulers
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs newest first
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	// Update applies mutate under a row lock. Writes to terminal jobs are
	// dropped and the stored job is returned.
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
	// ClaimQueued moves queued jobs to processing, in admission order, until
	// ceiling jobs are processing system-wide
	ClaimQueued(ctx context.Context, ceiling int, aging time.Duration) ([]*Job, error)
	ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error)
}

// DbQueueProvider defines the transactional operations the job store needs
type DbQueueProvider interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
	ExecuteWithRetry(ctx context.Context, fn func(*sql.Tx) error) error
}

// PostgresStore keeps jobs in the batch_jobs table
type PostgresStore struct {
	db    *sql.DB
	queue DbQueueProvider
}

// NewPostgresStore creates a job store
func NewPostgresStore(sqlDB *sql.DB, queue DbQueueProvider) *PostgresStore {
	return &PostgresStore{db: sqlDB, queue: queue}
}

const jobColumns = `job_id, user_id, username, filename, status, priority,
	total_rows, completed_rows, failed_rows, error_message, result_url, result_path,
	input_path, column_mapping, dry_run, created_at, started_at, completed_at`

// Serialises admission across scheduler instances sharing one database
const admissionLockKey = 727_104_381

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                                                    Job
		userID, username, errMsg, resultURL, resultPath, input sql.NullString
		mapping                                                []byte
		startedAt, completedAt                                 sql.NullTime
	)

	err := row.Scan(
		&job.ID, &userID, &username, &job.Filename, &job.Status, &job.Priority,
		&job.TotalRows, &job.CompletedRows, &job.FailedRows, &errMsg, &resultURL, &resultPath,
		&input, &mapping, &job.DryRun, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.UserID = userID.String
	job.Username = username.String
	job.ErrorMessage = errMsg.String
	job.ResultURL = resultURL.String
	job.ResultPath = resultPath.String
	job.InputPath = input.String
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &job.ColumnMapping); err != nil {
			return nil, fmt.Errorf("failed to decode column mapping: %w", err)
		}
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// prefixed qualifies every column in a column list with a table alias
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = alias + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Create inserts the job and raises the queued notification in the same transaction
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	span := sentry.StartSpan(ctx, "jobs.store.create")
	defer span.Finish()
	span.SetTag("job_id", job.ID)

	var mapping any
	if len(job.ColumnMapping) > 0 {
		raw, err := json.Marshal(job.ColumnMapping)
		if err != nil {
			return fmt.Errorf("failed to encode column mapping: %w", err)
		}
		mapping = string(raw)
	}

	return s.queue.Execute(span.Context(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_jobs (
				job_id, user_id, username, filename, status, priority,
				input_path, column_mapping, dry_run, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, job.ID, nullString(job.UserID), nullString(job.Username), job.Filename, job.Status,
			job.Priority, nullString(job.InputPath), mapping, job.DryRun, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, db.JobsQueuedChannel, job.ID); err != nil {
			return fmt.Errorf("failed to notify queued job: %w", err)
		}
		return nil
	})
}

// Get returns the job or ErrJobNotFound
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE job_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs newest first, optionally for one user
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts = opts.normalised()

	query := `SELECT ` + jobColumns + ` FROM batch_jobs`
	args := []any{}
	if opts.UserID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, opts.UserID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListByStatus returns every job with the given status, oldest first
func (s *PostgresStore) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	return scanJobs(rows)
}

// Update locks the job row, applies mutate and writes the result back
func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	var result *Job

	err := s.queue.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM batch_jobs WHERE job_id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock job %s: %w", id, err)
		}

		next, changed, err := applyUpdate(current, mutate)
		if err != nil {
			return err
		}
		result = next
		if !changed {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE batch_jobs SET
				status = $2,
				total_rows = $3,
				completed_rows = $4,
				failed_rows = $5,
				error_message = $6,
				result_url = $7,
				result_path = $8,
				started_at = $9,
				completed_at = $10
			WHERE job_id = $1
		`, id, next.Status, next.TotalRows, next.CompletedRows, next.FailedRows,
			nullString(next.ErrorMessage), nullString(next.ResultURL), nullString(next.ResultPath),
			nullTime(next.StartedAt), nullTime(next.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to update job %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimQueued admits queued jobs up to ceiling processing jobs. Admission is
// serialised with a transaction scoped advisory lock.
func (s *PostgresStore) ClaimQueued(ctx context.Context, ceiling int, aging time.Duration) ([]*Job, error) {
	span := sentry.StartSpan(ctx, "jobs.store.claim_queued")
	defer span.Finish()

	agingSeconds := aging.Seconds()
	if agingSeconds <= 0 {
		agingSeconds = math.MaxInt32
	}

	var claimed []*Job
	err := s.queue.Execute(span.Context(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
			return fmt.Errorf("failed to take admission lock: %w", err)
		}

		var processing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM batch_jobs WHERE status = $1`, JobStatusProcessing).Scan(&processing); err != nil {
			return fmt.Errorf("failed to count processing jobs: %w", err)
		}

		free := ceiling - processing
		span.SetData("free_slots", free)
		if free <= 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			WITH next AS (
				SELECT job_id FROM batch_jobs
				WHERE status = $1
				ORDER BY LEAST(
					CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END
						+ FLOOR(EXTRACT(EPOCH FROM (NOW() - created_at)) / $4)::int,
					2) DESC, created_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE batch_jobs b
			SET status = $2, started_at = NOW()
			FROM next
			WHERE b.job_id = next.job_id
			RETURNING `+prefixed("b.", jobColumns),
			JobStatusQueued, JobStatusProcessing, free, agingSeconds)
		if err != nil {
			return fmt.Errorf("failed to claim queued jobs: %w", err)
		}

		claimed, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order
	now := time.Now()
	sort.SliceStable(claimed, func(i, j int) bool {
		return admitsBefore(claimed[i], claimed[j], now, aging)
	})
	return claimed, nil
}
