package webhooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackNotifier posts a job summary to one operations channel
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	appURL    string
}

// NewSlackNotifier creates a notifier. Returns nil when token or channel is
// missing so callers can leave it out of a Multi.
func NewSlackNotifier(token, channelID, appURL string, opts ...slack.Option) *SlackNotifier {
	if token == "" || channelID == "" {
		return nil
	}
	return &SlackNotifier{
		client:    slack.New(token, opts...),
		channelID: channelID,
		appURL:    strings.TrimRight(appURL, "/"),
	}
}

// Notify implements Notifier
func (s *SlackNotifier) Notify(ctx context.Context, job *db.GenerationJob) {
	if s == nil {
		return
	}
	title, message := summary(job)
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionBlocks(s.buildMessageBlocks(job, title, message)...),
		slack.MsgOptionText(fmt.Sprintf("%s: %s", title, message), false),
	)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to send Slack notification")
		return
	}
	log.Info().Str("job_id", job.ID).Str("channel_id", s.channelID).Msg("Slack notification sent")
}

func summary(job *db.GenerationJob) (string, string) {
	title := fmt.Sprintf("Page generation complete: %s", job.PageType)
	if job.Status == db.JobStatusFailed {
		title = fmt.Sprintf("Page generation failed: %s", job.PageType)
	}
	message := fmt.Sprintf("%d of %d pages generated, %d failed", job.CompletedPages, job.TotalPages, job.FailedPages)
	return title, message
}

func (s *SlackNotifier) buildMessageBlocks(job *db.GenerationJob, title, message string) []slack.Block {
	emoji := ":white_check_mark:"
	if job.Status == db.JobStatusFailed {
		emoji = ":x:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", emoji, title), false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", message, false, false),
			nil,
			nil,
		),
	}

	if s.appURL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("<%s/jobs/%s|View details>", s.appURL, job.ID), false, false),
			nil,
			nil,
		))
	}
	return blocks
}
