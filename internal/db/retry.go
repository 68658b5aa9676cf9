package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Cap for exponential backoff
	Multiplier      float64       // Backoff multiplier
	Jitter          bool          // Spread retries from many processes
}

// DefaultRetryConfig returns the defaults used by the server and worker binaries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// NewWithRetry calls New until it succeeds, a non-retryable error is
// returned or the attempts run out.
func NewWithRetry(ctx context.Context, config *Config, retry RetryConfig) (*DB, error) {
	return connectWithRetry(ctx, retry, func() (*DB, error) { return New(config) })
}

// WaitForDatabase blocks until the database is reachable or maxWait elapses
func WaitForDatabase(ctx context.Context, config *Config, maxWait time.Duration) (*DB, error) {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	retry := RetryConfig{
		MaxAttempts:     int(math.Ceil(float64(maxWait) / float64(5*time.Second))),
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}

	log.Info().
		Dur("max_wait", maxWait).
		Int("max_attempts", retry.MaxAttempts).
		Msg("Waiting for database to become available...")

	return NewWithRetry(waitCtx, config, retry)
}

func connectWithRetry(ctx context.Context, retry RetryConfig, connect func() (*DB, error)) (*DB, error) {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	var lastErr error
	backoff := retry.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
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

		if attempt >= retry.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retry.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying...")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * retry.Multiplier)
		if backoff > retry.MaxInterval {
			backoff = retry.MaxInterval
		}
		if retry.Jitter && backoff > 0 {
			backoff += time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_attempts", retry.MaxAttempts).
		Msg("Database connection failed after all retry attempts")

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retry.MaxAttempts, lastErr)
}

// isRetryableError reports whether a connection error is transient.
// Authentication and configuration failures are not worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return false
		case pgErr.Code == "3D000": // database does not exist
			return false
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"too many connections",
		"the database system is starting up",
		"database is locked",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
