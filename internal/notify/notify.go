// Package notify delivers operational events (exhausted retries, stuck
// state, carrier outages) to a chat webhook so operators see them without
// tailing logs.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

// Severity levels for operator events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const postTimeout = 5 * time.Second

// Notifier posts events to an incoming-webhook URL. Delivery is
// fire-and-forget: failures are logged, never returned, so a broken webhook
// cannot stall call processing.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a Notifier. An empty webhook URL disables delivery.
func New(webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: postTimeout},
		logger:     logger,
	}
}

// Configured returns true if a webhook URL is set.
func (n *Notifier) Configured() bool {
	return n.webhookURL != ""
}

// Event posts one event asynchronously. The post is detached from the
// caller's context so request-scoped cancellation does not drop alerts.
func (n *Notifier) Event(severity, title string, fields map[string]string) {
	if !n.Configured() {
		return
	}

	msg := buildMessage(severity, title, fields)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()

		if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.httpClient, msg); err != nil {
			n.logger.Warn("notification delivery failed",
				"severity", severity,
				"title", title,
				"error", err,
			)
		}
	}()
}

// Flush waits for in-flight posts, bounded by ctx. Called during shutdown.
func (n *Notifier) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(severity, title string, fields map[string]string) *slack.WebhookMessage {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attachmentFields := make([]slack.AttachmentField, 0, len(keys))
	for _, k := range keys {
		attachmentFields = append(attachmentFields, slack.AttachmentField{
			Title: k,
			Value: fields[k],
			Short: true,
		})
	}

	return &slack.WebhookMessage{
		Username: "redial",
		Text:     title,
		Attachments: []slack.Attachment{{
			Color:    severityColor(severity),
			Fallback: title,
			Fields:   attachmentFields,
		}},
	}
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
