package dialer

import (
	"context"
	"log/slog"
	"time"

	"github.com/redialhq/redial/internal/carrier"
	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
	"github.com/redialhq/redial/internal/metrics"
	"github.com/redialhq/redial/internal/notify"
)

// stateLookupWait bounds the race between carrier call creation and the
// call-state write: a status event with no row waits this long once before
// being dropped. Variable so tests can shrink it.
var stateLookupWait = 2 * time.Second

// StatusEvent is one parsed carrier status callback.
type StatusEvent struct {
	CallSID    string
	Status     string
	AnsweredBy string
	Phone      string
}

// Processor drives the retry state machine from carrier status callbacks.
type Processor struct {
	states   database.CallStateRepository
	gateway  carrier.Gateway
	planner  *Planner
	notifier *notify.Notifier
	counters *metrics.Counters
	logger   *slog.Logger
}

// NewProcessor creates a status Processor.
func NewProcessor(states database.CallStateRepository, gateway carrier.Gateway, planner *Planner, notifier *notify.Notifier, counters *metrics.Counters, logger *slog.Logger) *Processor {
	return &Processor{
		states:   states,
		gateway:  gateway,
		planner:  planner,
		notifier: notifier,
		counters: counters,
		logger:   logger.With("subsystem", "status"),
	}
}

// Process handles one status event. It never returns an error for events
// that merely carry no work; the carrier is acknowledged either way.
func (p *Processor) Process(ctx context.Context, ev StatusEvent) error {
	logger := p.logger.With("call_sid", ev.CallSID, "status", ev.Status, "answered_by", ev.AnsweredBy)

	state := p.lookupState(ctx, ev.CallSID)
	if state == nil {
		logger.Warn("status event for unknown call dropped")
		p.notifier.Event(notify.SeverityWarning, "status event for unknown call", map[string]string{
			"call_sid": ev.CallSID,
			"status":   ev.Status,
			"phone":    ev.Phone,
		})
		return nil
	}

	// The latch suppresses everything after the first retry decision:
	// carrier re-deliveries, late AMD events, overlapping terminals. This
	// read is only a fast path; the guarded update in latch decides races.
	if state.RetryScheduled {
		logger.Debug("retry already scheduled, event dropped")
		return nil
	}

	p.recordProgress(ctx, state, ev, logger)

	switch Classify(ev.Status, ev.AnsweredBy) {
	case OutcomeProgress:
		return nil

	case OutcomeMachineMidCall:
		won, err := p.latch(ctx, state)
		if err != nil {
			return err
		}
		if !won {
			logger.Debug("concurrent event already latched retry, dropped")
			return nil
		}
		// Best effort: a machine listening to the agent is wasted carrier
		// minutes, but a failed hangup must not block the retry.
		if err := p.gateway.Complete(ctx, ev.CallSID); err != nil {
			logger.Warn("ending machine-answered call failed", "error", err)
		}
		_, err = p.planner.ScheduleRetry(ctx, state, "machine_detected")
		return err

	case OutcomeRetry:
		won, err := p.latch(ctx, state)
		if err != nil {
			return err
		}
		if !won {
			logger.Debug("concurrent event already latched retry, dropped")
			return nil
		}
		p.counters.CallOutcome("retry")
		_, err = p.planner.ScheduleRetry(ctx, state, ev.Status)
		return err

	case OutcomeSuccess:
		logger.Info("call completed with human answer")
		p.notifier.Event(notify.SeverityInfo, "call reached a human", map[string]string{
			"call_sid":   ev.CallSID,
			"contact_id": state.ContactID,
			"phone":      state.Phone,
		})
		p.counters.CallOutcome("success")
		return nil

	default: // OutcomeTerminal
		p.counters.CallOutcome("terminal")
		return nil
	}
}

// lookupState resolves the call state, waiting once to absorb a callback
// racing the initiator's write.
func (p *Processor) lookupState(ctx context.Context, callSID string) *models.CallState {
	state, err := p.states.Get(ctx, callSID)
	if err != nil {
		p.logger.Error("call state lookup failed", "call_sid", callSID, "error", err)
		return nil
	}
	if state != nil {
		return state
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(stateLookupWait):
	}

	state, err = p.states.Get(ctx, callSID)
	if err != nil {
		p.logger.Error("call state lookup failed", "call_sid", callSID, "error", err)
		return nil
	}
	return state
}

// recordProgress persists the carrier's reported status and any answered-by
// change onto the call-state row.
func (p *Processor) recordProgress(ctx context.Context, state *models.CallState, ev StatusEvent, logger *slog.Logger) {
	patch := models.CallStateUpdate{}
	if ev.Status != "" && ev.Status != state.Status {
		patch.Status = &ev.Status
		state.Status = ev.Status
	}
	if ev.AnsweredBy != "" && ev.AnsweredBy != state.AnsweredBy {
		patch.AnsweredBy = &ev.AnsweredBy
		state.AnsweredBy = ev.AnsweredBy
	}
	if patch.Status == nil && patch.AnsweredBy == nil {
		return
	}
	if err := p.states.Update(ctx, state.CallSID, patch); err != nil {
		logger.Warn("recording status progress failed", "error", err)
	}
}

// latch sets retry_scheduled before any retry work begins, so a racing
// duplicate event sees the latch even if scheduling is still underway. The
// guarded update makes it a one-winner decision: two concurrent callbacks
// for the same call may both read the latch as unset, but only one flips
// the row and may proceed to schedule.
func (p *Processor) latch(ctx context.Context, state *models.CallState) (bool, error) {
	won, err := p.states.LatchRetry(ctx, state.CallSID)
	if err != nil {
		return false, err
	}
	state.RetryScheduled = true
	return won, nil
}
