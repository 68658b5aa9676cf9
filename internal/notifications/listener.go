// Package notifications relays PostgreSQL NOTIFY events raised when pages
// are queued so idle workers wake without waiting out their backoff.
package notifications

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// WakeFunc is called with the notification payload (a job id)
type WakeFunc func(jobID string)

// Listener listens for PostgreSQL notifications on one channel
type Listener struct {
	connStr      string
	channel      string
	wake         WakeFunc
	pingInterval time.Duration
}

// NewListener creates a new notification listener.
// Returns nil if wake is nil to prevent nil pointer dereferences.
func NewListener(connStr, channel string, wake WakeFunc) *Listener {
	if wake == nil {
		log.Error().Msg("Cannot create notification listener: wake callback is nil")
		return nil
	}
	return &Listener{
		connStr:      connStr,
		channel:      channel,
		wake:         wake,
		pingInterval: 90 * time.Second,
	}
}

// Start listens until ctx is cancelled, reconnecting after failures
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("channel", l.channel).Msg("Notification listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Notification listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Notification listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return err
	}

	log.Info().Str("channel", l.channel).Msg("Notification listener started (real-time mode)")

	// Pages queued while disconnected are picked up by the normal poll
	l.wake("")

	for {
		select {
		case <-ctx.Done():
			return nil

		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost, reconnect
				return nil
			}
			l.handle(notification)

		case <-time.After(l.pingInterval):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) handle(n *pq.Notification) {
	log.Debug().
		Str("channel", n.Channel).
		Str("job_id", n.Extra).
		Msg("Received pages queued notification")
	l.wake(n.Extra)
}

// StartWithFallback starts the listener when the connection supports
// LISTEN. Poolers do not, in which case workers rely on their idle poll.
func StartWithFallback(ctx context.Context, connStr, channel string, wake WakeFunc) bool {
	if !canUseListen(connStr) {
		log.Info().Msg("Connection pooler detected, workers will poll for queued pages")
		return false
	}
	if !testConnection(ctx, connStr) {
		log.Warn().Msg("LISTEN connection failed, workers will poll for queued pages")
		return false
	}

	listener := NewListener(connStr, channel, wake)
	if listener == nil {
		return false
	}
	go listener.Start(ctx)
	return true
}

// testConnection tests if a database connection can be established.
func testConnection(ctx context.Context, connStr string) bool {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to open listen connection")
		return false
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to ping listen connection")
		return false
	}
	return true
}

// canUseListen checks if the connection string supports LISTEN/NOTIFY.
// Connection poolers like PgBouncer in transaction mode don't support LISTEN.
func canUseListen(connStr string) bool {
	if connStr == "" {
		return false
	}
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer typically runs on port 6543
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}
