package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Cap for exponential backoff
	Multiplier      float64       // Backoff multiplier
}

// DefaultRetryConfig returns the retry policy used at startup
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// InitFromEnvWithRetry connects using environment variables, retrying while the
// database is unreachable
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	return connectWithRetry(ctx, DefaultRetryConfig(), InitFromEnv)
}

func connectWithRetry(ctx context.Context, cfg RetryConfig, connect func() (*DB, error)) (*DB, error) {
	var lastErr error
	backoff := cfg.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		db, err := connect()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying...")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Database connection failed after all retry attempts")

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
