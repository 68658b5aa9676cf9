package observability

import (
	"io"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. Development gets the
// console writer, everything else JSON tagged with the service name.
func SetupLogging(env, level, service string) {
	setupLogging(os.Stdout, env, level, service)
}

func setupLogging(out io.Writer, env, level, service string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "" || env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// InitSentry initialises error reporting. It returns a flush function that is
// a no-op when no DSN is configured or initialisation failed.
func InitSentry(dsn, env, release string) func() {
	if dsn == "" {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
		return func() {}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     release,
		TracesSampleRate: func() float64 {
			if env == "production" {
				return 0.1
			}
			return 1.0
		}(),
		AttachStacktrace: true,
		Debug:            env == "development",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise Sentry")
		return func() {}
	}

	log.Info().Str("environment", env).Msg("Sentry initialised successfully")
	return func() { sentry.Flush(2 * time.Second) }
}
