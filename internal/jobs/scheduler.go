package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Scheduler admits queued jobs up to the configured ceiling and runs each
// admitted job concurrently
type Scheduler struct {
	manager  *Manager
	wake     <-chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	active   sync.WaitGroup
	stopping atomic.Bool
}

// NewScheduler creates a scheduler. wake may be nil; when set, a signal on it
// triggers an immediate tick.
func NewScheduler(manager *Manager, wake <-chan struct{}) *Scheduler {
	return &Scheduler{
		manager: manager,
		wake:    wake,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the recovery sweep and then starts the admission and maintenance
// loops. Jobs run on ctx.
func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.manager.cfg
	log.Info().
		Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
		Int("row_concurrency", cfg.RowConcurrency).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Starting job scheduler")

	if _, err := s.manager.RecoverInterrupted(ctx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to recover interrupted jobs")
	}

	s.wg.Add(2)
	go s.loop(ctx)
	go s.monitor(ctx)
}

// Stop stops admitting jobs. Jobs already running continue until ctx is done.
func (s *Scheduler) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	log.Debug().Msg("Stopping job scheduler")
	close(s.stopCh)
	s.wg.Wait()
	log.Debug().Msg("Job scheduler stopped")
}

// WaitForJobs waits for every running job to return
func (s *Scheduler) WaitForJobs() {
	s.active.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.manager.cfg.PollInterval)
	defer ticker.Stop()

	wake := s.wake
	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				// Listener gone; polling continues
				wake = nil
				continue
			}
		case <-s.manager.Queued():
		}
		s.runTick(ctx)
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.tick(ctx); err != nil {
		// A failed tick is retried on the next one
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Scheduler tick failed")
	}
}

// tick claims free slots and starts the claimed jobs
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	if s.stopping.Load() {
		return 0, nil
	}

	claimed, err := s.manager.store.ClaimQueued(ctx, s.manager.cfg.MaxConcurrentJobs, s.manager.cfg.PriorityAging)
	if err != nil {
		return 0, fmt.Errorf("failed to claim queued jobs: %w", err)
	}

	for _, job := range claimed {
		log.Debug().
			Str("job_id", job.ID).
			Str("priority", string(job.Priority)).
			Time("created_at", job.CreatedAt).
			Msg("Admitted job")

		s.active.Add(1)
		go func(job *Job) {
			defer s.active.Done()
			defer func() {
				if r := recover(); r != nil {
					sentry.CurrentHub().Recover(r)
					log.Error().Interface("panic", r).Str("job_id", job.ID).Msg("Job runner panicked")
					s.manager.failJob(ctx, job.ID, fmt.Sprintf("internal error: %v", r))
				}
			}()
			s.manager.runJob(ctx, job)
		}(job)
	}

	return len(claimed), nil
}

func (s *Scheduler) monitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.manager.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.manager.FailStuckJobs(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to sweep stuck jobs")
			}
			if _, err := s.manager.PurgeExpiredExports(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to purge expired exports")
			}
		}
	}
}
