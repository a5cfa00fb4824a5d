package carrier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"
)

// Retry policy for carrier control calls: up to three retries with
// exponential backoff on transient failures.
var (
	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 15 * time.Second
)

// withRetry runs op, retrying transient failures (408, 429, 5xx, network
// errors) with exponential backoff. Permanent carrier rejections surface
// immediately.
func withRetry(ctx context.Context, logger *slog.Logger, what string, op func() error) error {
	var err error
	backoff := baseBackoff

	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= maxRetries {
			return err
		}

		logger.Warn("carrier request failed, retrying",
			"op", what, "attempt", attempt+1, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// retryable classifies an error from the Twilio SDK. REST errors carry the
// HTTP status; anything that is not a REST error is treated as a network
// failure and retried.
func retryable(err error) bool {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == 408, restErr.Status == 429:
			return true
		case restErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
