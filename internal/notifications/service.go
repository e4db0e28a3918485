// Package notifications tells operators about batch jobs that have finished.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
	"github.com/rs/zerolog/log"
)

// Type classifies a notification
type Type string

const (
	TypeJobComplete  Type = "job_complete"
	TypeJobFailed    Type = "job_failed"
	TypeJobCancelled Type = "job_cancelled"
)

// Notification is a rendered, channel independent message about a job
type Notification struct {
	Type    Type
	JobID   string
	Title   string
	Message string
	Data    map[string]any
}

// DeliveryChannel defines the interface for notification delivery
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Service turns terminal jobs into notifications and hands them to every
// configured channel
type Service struct {
	channels []DeliveryChannel
	timeout  time.Duration
}

// NewService creates a notification service with no channels
func NewService() *Service {
	return &Service{timeout: 10 * time.Second}
}

// AddChannel adds a delivery channel to the service
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
}

// Enabled reports whether any channel is configured
func (s *Service) Enabled() bool {
	return len(s.channels) > 0
}

// JobFinished delivers a notification for a job that reached a terminal
// state. Every channel is attempted; failures are joined.
func (s *Service) JobFinished(ctx context.Context, job *jobs.Job) error {
	n := BuildNotification(job)
	if n == nil {
		return nil
	}

	var errs []error
	for _, ch := range s.channels {
		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		err := ch.Deliver(deliverCtx, n)
		cancel()
		if err != nil {
			log.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("channel", ch.Name()).
				Msg("Failed to deliver notification")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		log.Debug().Str("job_id", job.ID).Str("channel", ch.Name()).Msg("Notification delivered")
	}
	return errors.Join(errs...)
}

// BuildNotification renders a terminal job. It returns nil for jobs that are
// still queued or processing.
func BuildNotification(job *jobs.Job) *Notification {
	data := map[string]any{
		"job_id":         job.ID,
		"filename":       job.Filename,
		"status":         string(job.Status),
		"total_rows":     job.TotalRows,
		"completed_rows": job.CompletedRows,
		"failed_rows":    job.FailedRows,
	}

	switch job.Status {
	case jobs.JobStatusCompleted:
		data["duration"] = formatDuration(job.StartedAt, job.CompletedAt)
		data["download_path"] = jobs.DownloadPath(job.ID)
		return &Notification{
			Type:    TypeJobComplete,
			JobID:   job.ID,
			Title:   fmt.Sprintf("Batch valuation complete: %s", job.Filename),
			Message: fmt.Sprintf("%d of %d rows processed, %d failed, in %s", job.CompletedRows, job.TotalRows, job.FailedRows, data["duration"]),
			Data:    data,
		}
	case jobs.JobStatusFailed:
		data["error_message"] = job.ErrorMessage
		return &Notification{
			Type:    TypeJobFailed,
			JobID:   job.ID,
			Title:   fmt.Sprintf("Batch valuation failed: %s", job.Filename),
			Message: job.ErrorMessage,
			Data:    data,
		}
	case jobs.JobStatusCancelled:
		return &Notification{
			Type:    TypeJobCancelled,
			JobID:   job.ID,
			Title:   fmt.Sprintf("Batch valuation cancelled: %s", job.Filename),
			Message: fmt.Sprintf("Stopped after %d of %d rows", job.CompletedRows, job.TotalRows),
			Data:    data,
		}
	}
	return nil
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return "N/A"
	}
	d := end.Sub(start)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
