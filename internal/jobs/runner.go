package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/Harvey-AU/parcel-valuation/internal/observability"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/Harvey-AU/parcel-valuation/internal/results"
	"github.com/Harvey-AU/parcel-valuation/internal/tabular"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// errInvalidInput marks job failures caused by the uploaded file itself
var errInvalidInput = errors.New("invalid input file")

// runJob drives a claimed job to a terminal state. ctx is the process context;
// user cancellation only reaches the job through its local token.
func (m *Manager) runJob(ctx context.Context, job *Job) {
	span := sentry.StartSpan(ctx, "jobs.run")
	defer span.Finish()
	span.SetTag("job_id", job.ID)
	ctx = span.Context()

	observability.JobStarted(ctx)

	token, release := m.tokens.register(ctx, job.ID)
	defer release()

	log.Info().
		Str("job_id", job.ID).
		Str("filename", job.Filename).
		Str("priority", string(job.Priority)).
		Msg("Batch job started")

	final, err := m.execute(ctx, token, job)
	if err != nil {
		if !errors.Is(err, errInvalidInput) {
			sentry.CaptureException(err)
		}
		log.Error().Err(err).Str("job_id", job.ID).Msg("Batch job failed")
		final = m.failJob(ctx, job.ID, err.Error())
	}

	status := JobStatusFailed
	if final != nil {
		status = final.Status
	}
	span.SetTag("status", string(status))
	observability.RecordJob(ctx, string(status))

	if final == nil || !final.Status.Terminal() {
		return
	}

	m.removeInput(ctx, final)
	m.notify(ctx, final)

	log.Info().
		Str("job_id", final.ID).
		Str("status", string(final.Status)).
		Int("total_rows", final.TotalRows).
		Int("completed_rows", final.CompletedRows).
		Int("failed_rows", final.FailedRows).
		Msg("Batch job finished")
}

// execute runs the job body. A returned error fails the job with the error text.
func (m *Manager) execute(ctx, token context.Context, job *Job) (*Job, error) {
	data, err := m.loadInput(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to load input file: %w", err)
	}

	table, err := tabular.Parse(job.Filename, data)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read %s: %w", errInvalidInput, job.Filename, err)
	}
	table.Rename(job.ColumnMapping)
	table.NormalizeCoordinates()

	total := len(table.Rows)
	current, err := m.store.Update(ctx, job.ID, func(j *Job) error {
		j.TotalRows = total
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record row count: %w", err)
	}
	if current.Status.Terminal() {
		return current, nil
	}

	points := make([]parcel.Point, 0, total)
	for i, row := range table.Rows {
		if lat, lon, ok := row.Coordinates(); ok {
			points = append(points, parcel.Point{Index: i, Lat: lat, Lon: lon})
		}
	}

	gids, err := m.resolver.ResolveBulk(ctx, points)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parcels: %w", err)
	}

	log.Debug().
		Str("job_id", job.ID).
		Int("rows", total).
		Int("with_coordinates", len(points)).
		Int("resolved", len(gids)).
		Msg("Parcels resolved")

	pool := &rowPool{
		jobID:    job.ID,
		dryRun:   job.DryRun,
		analyzer: m.analyzer,
		sem:      semaphore.NewWeighted(int64(m.cfg.RowConcurrency)),
		timeout:  m.cfg.RowTimeout,
		progress: &progressReporter{
			store:     m.store,
			jobID:     job.ID,
			total:     total,
			batchSize: m.cfg.ProgressBatchSize,
			cancel:    func() { m.tokens.cancel(job.ID) },
		},
	}
	rows, processed := pool.run(ctx, token, table.Rows, gids)

	current, err = m.store.Get(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload job: %w", err)
	}
	if current.Status.Terminal() {
		// Cancelled (or failed by the stuck job sweep) while rows ran
		return current, nil
	}
	if token.Err() != nil {
		return current, nil
	}

	kept := make([]results.Row, 0, len(rows))
	for i, row := range rows {
		if processed[i] {
			kept = append(kept, row)
		}
	}

	return m.complete(ctx, job, table.Columns, kept, int(pool.failed.Load()))
}

// complete writes the artifact and marks the job completed
func (m *Manager) complete(ctx context.Context, job *Job, columns []string, rows []results.Row, failed int) (*Job, error) {
	span := sentry.StartSpan(ctx, "jobs.materialise")
	defer span.Finish()
	span.SetData("rows", len(rows))

	var buf bytes.Buffer
	if err := tabular.Write(&buf, m.cfg.ArtifactFormat, results.Columns(columns), results.Flatten(rows)); err != nil {
		return nil, fmt.Errorf("failed to build result file: %w", err)
	}

	key := exportsPrefix + "results_" + job.ID + m.cfg.ArtifactFormat.Extension()
	url, err := m.blobs.Upload(span.Context(), key, buf.Bytes(), m.cfg.ArtifactFormat.ContentType())
	if err != nil {
		return nil, fmt.Errorf("failed to store result file: %w", err)
	}

	final, err := m.store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = JobStatusCompleted
		j.CompletedRows = len(rows)
		j.FailedRows = failed
		j.ResultPath = key
		j.ResultURL = url
		j.CompletedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark job completed: %w", err)
	}

	if final.Status != JobStatusCompleted {
		// Cancelled between the last row and the final write
		if err := m.blobs.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove result of cancelled job")
		}
	}
	return final, nil
}

// failJob records a terminal failure. It returns nil if the job could not be read back.
func (m *Manager) failJob(ctx context.Context, jobID, message string) *Job {
	job, err := m.store.Update(ctx, jobID, func(j *Job) error {
		j.Status = JobStatusFailed
		j.ErrorMessage = message
		j.CompletedAt = m.now()
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
		return nil
	}
	return job
}
