package jobs

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// RecoverInterrupted fails every job left processing by a previous process.
// It must run before the scheduler admits new work.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	span := sentry.StartSpan(ctx, "jobs.recover_interrupted")
	defer span.Finish()
	ctx = span.Context()

	stale, err := m.store.ListByStatus(ctx, JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		failed, err := m.store.Update(ctx, job.ID, func(j *Job) error {
			if j.Status != JobStatusProcessing {
				return nil
			}
			j.Status = JobStatusFailed
			j.ErrorMessage = MessageInterrupted
			j.CompletedAt = m.now()
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to recover interrupted job")
			continue
		}
		if failed.Status == JobStatusFailed {
			recovered++
			m.notify(ctx, failed)
		}
	}

	span.SetData("recovered", recovered)
	if recovered > 0 {
		log.Warn().Int("jobs", recovered).Msg("Failed jobs interrupted by restart")
	}
	return recovered, nil
}

// FailStuckJobs fails processing jobs that started more than StuckJobTimeout
// ago and stops any rows this process still runs for them
func (m *Manager) FailStuckJobs(ctx context.Context) (int, error) {
	if m.cfg.StuckJobTimeout <= 0 {
		return 0, nil
	}

	span := sentry.StartSpan(ctx, "jobs.fail_stuck_jobs")
	defer span.Finish()
	ctx = span.Context()

	processing, err := m.store.ListByStatus(ctx, JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.StuckJobTimeout)
	failed := 0
	for _, job := range processing {
		if job.StartedAt.IsZero() || job.StartedAt.After(cutoff) {
			continue
		}

		updated, err := m.store.Update(ctx, job.ID, func(j *Job) error {
			if j.Status != JobStatusProcessing {
				return nil
			}
			j.Status = JobStatusFailed
			j.ErrorMessage = MessageStuck
			j.CompletedAt = m.now()
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail stuck job")
			continue
		}
		if updated.Status != JobStatusFailed {
			continue
		}

		failed++
		// A local runner notifies when its rows unwind; otherwise nobody will
		if !m.tokens.cancel(job.ID) {
			m.notify(ctx, updated)
		}
		log.Warn().
			Str("job_id", job.ID).
			Time("started_at", job.StartedAt).
			Msg("Failed stuck job")
	}

	return failed, nil
}

// PurgeExpiredExports deletes result artifacts older than ExportRetention.
// Job records are kept; downloads of purged jobs report the result missing.
func (m *Manager) PurgeExpiredExports(ctx context.Context) (int, error) {
	if m.cfg.ExportRetention <= 0 {
		return 0, nil
	}

	keys, err := m.blobs.ListOlderThan(ctx, exportsPrefix, m.now().Add(-m.cfg.ExportRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired exports: %w", err)
	}

	deleted := 0
	for _, key := range keys {
		if err := m.blobs.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete expired export")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Purged expired exports")
	}
	return deleted, nil
}
