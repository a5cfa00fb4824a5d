package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
	"github.com/redialhq/redial/internal/metrics"
	"github.com/redialhq/redial/internal/notify"
	"github.com/redialhq/redial/internal/schedule"
)

// Planner turns a retryable call outcome into the next queue entry,
// consulting the retry ladder and enforcing the attempt cap.
type Planner struct {
	queue       database.CallQueueRepository
	policy      *schedule.Policy
	maxAttempts int
	notifier    *notify.Notifier
	counters    *metrics.Counters
	logger      *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(queue database.CallQueueRepository, policy *schedule.Policy, maxAttempts int, notifier *notify.Notifier, counters *metrics.Counters, logger *slog.Logger) *Planner {
	return &Planner{
		queue:       queue,
		policy:      policy,
		maxAttempts: maxAttempts,
		notifier:    notifier,
		counters:    counters,
		logger:      logger.With("subsystem", "planner"),
	}
}

// ScheduleRetry enqueues the next attempt for the sequence behind state.
// The new entry carries the incremented attempt index, the preserved
// first-attempt timestamp, and the sequence's call options unchanged. A nil
// entry with nil error means the ladder is exhausted and the sequence ends.
func (p *Planner) ScheduleRetry(ctx context.Context, state *models.CallState, reason string) (*models.QueueEntry, error) {
	nextAttempt := state.AttemptIndex + 1
	if nextAttempt >= p.maxAttempts {
		p.logger.Info("retry ladder exhausted",
			"call_sid", state.CallSID, "contact_id", state.ContactID,
			"attempt_index", state.AttemptIndex)
		p.notifier.Event(notify.SeverityWarning, "contact unreachable after all attempts", map[string]string{
			"contact_id": state.ContactID,
			"phone":      state.Phone,
			"attempts":   strconv.Itoa(p.maxAttempts),
			"reason":     reason,
		})
		p.counters.CallOutcome("exhausted")
		return nil, nil
	}

	// Ladder rungs count retries past the initial attempt, so the retry
	// following attempt index a resolves rung a.
	step, err := p.policy.Next(state.AttemptIndex, time.Now())
	if err != nil {
		return nil, fmt.Errorf("resolving retry slot: %w", err)
	}

	entry := &models.QueueEntry{
		ContactID:      state.ContactID,
		Phone:          state.Phone,
		FirstName:      state.FirstName,
		FullName:       state.FullName,
		Email:          state.Email,
		FullAddress:    state.FullAddress,
		AttemptIndex:   nextAttempt,
		ScheduledAt:    step.At,
		FirstAttemptAt: state.FirstAttemptAt,
		CallOptions:    state.CallOptions,
	}
	if err := p.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueueing retry: %w", err)
	}

	p.logger.Info("retry scheduled",
		"call_sid", state.CallSID, "contact_id", state.ContactID,
		"attempt_index", nextAttempt, "kind", step.Kind,
		"scheduled_at", step.At, "reason", reason)
	p.counters.RetryScheduled(reason)
	return entry, nil
}
