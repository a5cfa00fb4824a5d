package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/redialhq/redial/internal/carrier"
	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
	"github.com/redialhq/redial/internal/notify"
)

// SignedURLFetcher pre-fetches agent streaming URLs for new calls.
type SignedURLFetcher interface {
	SignedURL(ctx context.Context) (string, error)
}

// Initiator places one carrier call for a claimed queue entry and records
// the call state before the entry leaves the queue.
type Initiator struct {
	states      database.CallStateRepository
	gateway     carrier.Gateway
	agents      SignedURLFetcher
	notifier    *notify.Notifier
	logger      *slog.Logger
	sourcePhone string
	twimlURL    string // absolute URL of the stream-connect endpoint
	statusURL   string // absolute URL of the status callback endpoint
}

// NewInitiator creates an Initiator.
func NewInitiator(states database.CallStateRepository, gateway carrier.Gateway, agents SignedURLFetcher, notifier *notify.Notifier, logger *slog.Logger, sourcePhone, twimlURL, statusURL string) *Initiator {
	return &Initiator{
		states:      states,
		gateway:     gateway,
		agents:      agents,
		notifier:    notifier,
		logger:      logger.With("subsystem", "initiator"),
		sourcePhone: sourcePhone,
		twimlURL:    twimlURL,
		statusURL:   statusURL,
	}
}

// Initiate creates the carrier call for the entry, writes the call-state
// row and verifies it by reading it back. The call-state write happens
// before Initiate returns so the first status callback finds the row.
func (i *Initiator) Initiate(ctx context.Context, entry *models.QueueEntry) (string, error) {
	signedURL := entry.InitialSignedURL
	if signedURL == "" {
		fresh, err := i.agents.SignedURL(ctx)
		if err != nil {
			return "", fmt.Errorf("pre-fetching signed url: %w", err)
		}
		signedURL = fresh
	}

	callSID, err := i.gateway.Create(ctx, carrier.CallRequest{
		To:                entry.Phone,
		From:              i.sourcePhone,
		TwiMLURL:          i.composeTwiMLURL(entry),
		StatusCallbackURL: i.statusURL,
	})
	if err != nil {
		return "", err
	}

	state := &models.CallState{
		CallSID:        callSID,
		Phone:          entry.Phone,
		ContactID:      entry.ContactID,
		AttemptIndex:   entry.AttemptIndex,
		Status:         "initiated",
		SignedURL:      signedURL,
		FirstName:      entry.FirstName,
		FullName:       entry.FullName,
		Email:          entry.Email,
		FullAddress:    entry.FullAddress,
		FirstAttemptAt: entry.FirstAttemptAt,
		CallOptions:    entry.CallOptions,
	}
	if err := i.states.Put(ctx, state); err != nil {
		return "", i.corrupted(callSID, entry, fmt.Errorf("writing call state: %w", err))
	}

	// Read back once: the status ingress depends on this row existing.
	stored, err := i.states.Get(ctx, callSID)
	if err != nil {
		return "", i.corrupted(callSID, entry, fmt.Errorf("verifying call state: %w", err))
	}
	if stored == nil || stored.ContactID != entry.ContactID || stored.AttemptIndex != entry.AttemptIndex {
		return "", i.corrupted(callSID, entry, fmt.Errorf("call state verification mismatch"))
	}

	i.logger.Info("call initiated",
		"call_sid", callSID, "contact_id", entry.ContactID,
		"phone", entry.Phone, "attempt_index", entry.AttemptIndex)
	return callSID, nil
}

func (i *Initiator) corrupted(callSID string, entry *models.QueueEntry, err error) error {
	i.logger.Error("call state write failed after carrier call creation",
		"call_sid", callSID, "contact_id", entry.ContactID, "error", err)
	i.notifier.Event(notify.SeverityCritical, "call state write failed after call creation", map[string]string{
		"call_sid":   callSID,
		"contact_id": entry.ContactID,
		"error":      err.Error(),
	})
	return err
}

// composeTwiMLURL embeds the entry's context in the stream-connect URL so
// the endpoint can render the connect document without a database lookup.
func (i *Initiator) composeTwiMLURL(entry *models.QueueEntry) string {
	q := url.Values{}
	q.Set("phone", entry.Phone)
	q.Set("contactId", entry.ContactID)
	setIfNotEmpty(q, "firstName", entry.FirstName)
	setIfNotEmpty(q, "fullName", entry.FullName)
	setIfNotEmpty(q, "email", entry.Email)
	setIfNotEmpty(q, "fullAddress", entry.FullAddress)

	if opts, err := models.ParseCallOptions(entry.CallOptions); err != nil {
		i.logger.Warn("unreadable call options blob, dialing without them",
			"contact_id", entry.ContactID, "error", err)
	} else {
		setIfNotEmpty(q, "availability", opts.Availability)
		if opts.AbruptRetry {
			q.Set("abruptRetry", strconv.FormatBool(true))
			setIfNotEmpty(q, "pastCallSummary", opts.PastCallSummary)
			setIfNotEmpty(q, "originalConversationId", opts.OriginalConversationID)
			setIfNotEmpty(q, "firstMessageOverride", opts.FirstMessageOverride)
		}
		for k, v := range opts.Extra {
			setIfNotEmpty(q, k, v)
		}
	}

	return i.twimlURL + "?" + q.Encode()
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
