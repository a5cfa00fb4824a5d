// Package dialer owns the outbound-calling orchestration: the queue
// scheduler, the call initiator, the retry planner, and the carrier status
// processor.
package dialer

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redialhq/redial/internal/carrier"
	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
	"github.com/redialhq/redial/internal/metrics"
	"github.com/redialhq/redial/internal/notify"
)

// CallInitiator places the carrier call for one claimed queue entry.
type CallInitiator interface {
	Initiate(ctx context.Context, entry *models.QueueEntry) (string, error)
}

// Scheduler is the single periodic worker dispatching due queue entries
// within the carrier concurrency cap.
type Scheduler struct {
	queue      database.CallQueueRepository
	gateway    carrier.Gateway
	initiator  CallInitiator
	notifier   *notify.Notifier
	counters   *metrics.Counters
	logger     *slog.Logger
	interval   time.Duration
	maxActive  int
	staleAfter time.Duration
}

// NewScheduler creates a Scheduler. interval is the tick; maxActive the
// carrier-side concurrency cap; staleAfter the age past which in_flight
// entries are recovered at startup.
func NewScheduler(queue database.CallQueueRepository, gateway carrier.Gateway, initiator CallInitiator, notifier *notify.Notifier, counters *metrics.Counters, logger *slog.Logger, interval time.Duration, maxActive int, staleAfter time.Duration) *Scheduler {
	return &Scheduler{
		queue:      queue,
		gateway:    gateway,
		initiator:  initiator,
		notifier:   notifier,
		counters:   counters,
		logger:     logger.With("subsystem", "scheduler"),
		interval:   interval,
		maxActive:  maxActive,
		staleAfter: staleAfter,
	}
}

// Run loops until ctx is canceled. A crashed previous run may have left
// entries in_flight, so stale ones are recovered before the first tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.recoverStale(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval, "max_active_calls", s.maxActive)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	recovered, err := s.queue.ResetStaleInFlight(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		s.logger.Error("stale in-flight recovery failed", "error", err)
		return
	}
	if recovered > 0 {
		s.logger.Warn("recovered stale in-flight entries", "count", recovered)
	}
}

// tick dispatches one round: query the carrier for active calls, claim up
// to the free slots of due entries, and initiate them. A single bad entry
// is parked as failed and never stops the loop.
func (s *Scheduler) tick(ctx context.Context) {
	active, err := s.gateway.ActiveCalls(ctx)
	if err != nil {
		// Fail closed: an unreachable carrier means no free slots.
		s.logger.Warn("active call count unavailable, skipping tick", "error", err)
		return
	}

	slots := s.maxActive - active
	if slots <= 0 {
		return
	}

	entries, err := s.queue.DueEntries(ctx, time.Now(), slots)
	if err != nil {
		s.logger.Error("selecting due entries failed", "error", err)
		return
	}

	for _, entry := range entries {
		claimed, err := s.queue.Claim(ctx, entry.ID, time.Now())
		if err != nil {
			s.logger.Error("claiming entry failed", "queue_id", entry.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		s.dispatch(ctx, entry)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, entry models.QueueEntry) {
	callSID, err := s.initiator.Initiate(ctx, &entry)
	if err != nil {
		s.logger.Error("call initiation failed",
			"queue_id", entry.ID, "contact_id", entry.ContactID, "error", err)
		if markErr := s.queue.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			s.logger.Error("marking entry failed errored", "queue_id", entry.ID, "error", markErr)
		}
		s.notifier.Event(notify.SeverityWarning, "call initiation failed", map[string]string{
			"contact_id": entry.ContactID,
			"phone":      entry.Phone,
			"error":      err.Error(),
		})
		s.counters.InitiationFailed()
		return
	}

	if err := s.queue.Delete(ctx, entry.ID); err != nil {
		// The call exists and the call-state row is written; a leftover
		// entry would re-dial the contact, so this is worth an alert.
		s.logger.Error("deleting initiated entry failed", "queue_id", entry.ID, "error", err)
		s.notifier.Event(notify.SeverityCritical, "initiated entry could not be removed from queue", map[string]string{
			"queue_id": strconv.FormatInt(entry.ID, 10),
			"call_sid": callSID,
		})
		return
	}
	s.counters.CallInitiated()
}
