package db

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// JobsQueuedChannel is the NOTIFY channel raised whenever a batch job is queued
const JobsQueuedChannel = "batch_jobs_queued"

// ListenForQueuedJobs opens a dedicated LISTEN connection and signals on the
// returned channel whenever a job is queued. Signals are coalesced; a full
// channel drops the extra wake-up because the scheduler re-reads the table anyway.
// The channel is closed when ctx is done.
func ListenForQueuedJobs(ctx context.Context, connStr string) <-chan struct{} {
	wake := make(chan struct{}, 1)

	go func() {
		defer close(wake)
		for {
			if err := listen(ctx, connStr, wake); err != nil {
				log.Warn().Err(err).Msg("Job queue listener error, retrying in 5s")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	return wake
}

func listen(ctx context.Context, connStr string, wake chan<- struct{}) error {
	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Job queue listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(JobsQueuedChannel); err != nil {
		return err
	}

	log.Info().Str("channel", JobsQueuedChannel).Msg("Job queue listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; pq reconnects and we re-read the table on the next tick
				continue
			}

			log.Debug().Str("job_id", n.Extra).Msg("Job queued notification received")
			select {
			case wake <- struct{}{}:
			default:
			}

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// ListenConnString picks the connection string for LISTEN. DATABASE_DIRECT_URL
// wins when set since poolers in transaction mode drop LISTEN registrations.
// ok is false when only a pooled connection is available; callers then rely on
// polling alone.
func ListenConnString(connStr string) (string, bool) {
	if direct := os.Getenv("DATABASE_DIRECT_URL"); direct != "" {
		return direct, true
	}
	return connStr, canUseListen(connStr)
}

// canUseListen checks if the connection string supports LISTEN/NOTIFY.
// Connection poolers like PgBouncer in transaction mode don't support LISTEN.
func canUseListen(connStr string) bool {
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer typically runs on port 6543
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}
