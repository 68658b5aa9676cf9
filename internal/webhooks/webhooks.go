// Package webhooks notifies tenants when a generation job finishes.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Event names a webhook subscribes to
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// SignatureHeader carries "sha256=<hex hmac>" when the webhook has a secret
const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

const defaultTimeout = 10 * time.Second

// ValidEvent reports whether name is a subscribable event
func ValidEvent(name string) bool {
	return name == EventJobCompleted || name == EventJobFailed
}

// EventForJob maps a terminal job to its event name
func EventForJob(job *db.GenerationJob) string {
	if job.Status == db.JobStatusFailed {
		return EventJobFailed
	}
	return EventJobCompleted
}

// Payload is the JSON body posted to listeners
type Payload struct {
	Event      string            `json:"event"`
	Job        *db.GenerationJob `json:"job"`
	BusinessID string            `json:"business_id"`
	SentAt     time.Time         `json:"sent_at"`
}

// Notifier is told once about every finalized job
type Notifier interface {
	Notify(ctx context.Context, job *db.GenerationJob)
}

// Multi fans a notification out to several notifiers in order
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, job *db.GenerationJob) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, job)
		}
	}
}

// WebhookSource lists the registered webhooks of a business
type WebhookSource interface {
	ListWebhooks(ctx context.Context, businessID string) ([]*db.Webhook, error)
}

// Dispatcher posts finalization payloads to subscribed webhooks
type Dispatcher struct {
	source  WebhookSource
	client  *http.Client
	timeout time.Duration
}

// NewDispatcher creates a dispatcher with the default 10s per-request timeout
func NewDispatcher(source WebhookSource) *Dispatcher {
	return &Dispatcher{
		source:  source,
		client:  &http.Client{},
		timeout: defaultTimeout,
	}
}

// Result summarises one dispatch
type Result struct {
	Attempted int
	Delivered int
}

// Notify implements Notifier
func (d *Dispatcher) Notify(ctx context.Context, job *db.GenerationJob) {
	d.Dispatch(ctx, job)
}

// Dispatch delivers the job's event to every active subscribed webhook
// concurrently. Each listener gets one attempt; failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, job *db.GenerationJob) Result {
	hooks, err := d.source.ListWebhooks(ctx, job.BusinessID)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to load webhooks")
		return Result{}
	}

	event := EventForJob(job)
	payload := Payload{Event: event, Job: job, BusinessID: job.BusinessID, SentAt: time.Now().UTC()}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to encode webhook payload")
		return Result{}
	}

	var (
		result    Result
		delivered atomic.Int32
		g         errgroup.Group
	)
	for _, hook := range hooks {
		if !hook.IsActive || !hook.Subscribes(event) {
			continue
		}
		result.Attempted++
		g.Go(func() error {
			if err := d.post(ctx, hook, event, body); err != nil {
				log.Warn().
					Err(err).
					Str("job_id", job.ID).
					Str("webhook_id", hook.ID).
					Str("event", event).
					Msg("Webhook delivery failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	result.Delivered = int(delivered.Load())

	if result.Attempted > 0 {
		log.Info().
			Str("job_id", job.ID).
			Str("event", event).
			Int("attempted", result.Attempted).
			Int("delivered", result.Delivered).
			Msg("Webhooks dispatched")
	}
	return result
}

func (d *Dispatcher) post(ctx context.Context, hook *db.Webhook, event string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "seo-pagegen-webhooks/1.0")
	req.Header.Set(EventHeader, event)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
