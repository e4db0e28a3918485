package jobs

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// progressReporter persists row counters every batchSize rows and on the
// final row. A job found cancelled trips the local token and is not written.
type progressReporter struct {
	store     Store
	jobID     string
	total     int
	batchSize int
	cancel    func()
}

func (p *progressReporter) report(ctx context.Context, completed, failed int) {
	if completed%p.batchSize != 0 && completed != p.total {
		return
	}

	job, err := p.store.Update(ctx, p.jobID, func(j *Job) error {
		j.CompletedRows = completed
		j.FailedRows = failed
		return nil
	})
	if err != nil {
		// Retried implicitly at the next checkpoint
		sentry.CaptureException(err)
		log.Warn().
			Err(err).
			Str("job_id", p.jobID).
			Int("completed", completed).
			Msg("Failed to persist job progress")
		return
	}

	if job.Status == JobStatusCancelled {
		p.cancel()
		return
	}

	log.Debug().
		Str("job_id", p.jobID).
		Int("completed", job.CompletedRows).
		Int("failed", job.FailedRows).
		Int("total", p.total).
		Msg("Job progress saved")
}
