// Package carrier wraps the Twilio control API behind the small surface the
// dialer and status ingress need: create a call, end a call, count active
// calls, and validate callback signatures.
package carrier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Call creation parameters fixed by the dialing policy.
const (
	ringTimeoutSeconds = 25
	callTimeLimit      = 900
	apiTimeout         = 20 * time.Second
)

// activeStatuses are the carrier-side call states counted against the
// concurrency cap.
var activeStatuses = []string{"queued", "ringing", "in-progress"}

// statusCallbackEvents are the lifecycle events the carrier reports to the
// status ingress.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// CallRequest describes one outbound call to place.
type CallRequest struct {
	To                string // E.164 destination
	From              string // E.164 caller id
	TwiMLURL          string // endpoint returning the stream-connect document
	StatusCallbackURL string
}

// Gateway is the carrier control surface. The concrete implementation talks
// to Twilio; tests substitute fakes.
type Gateway interface {
	// Create places a call and returns the carrier-assigned call SID.
	Create(ctx context.Context, req CallRequest) (string, error)
	// Complete asks the carrier to end an in-progress call.
	Complete(ctx context.Context, callSID string) error
	// ActiveCalls returns how many calls are currently queued, ringing or
	// in progress on the account.
	ActiveCalls(ctx context.Context) (int, error)
}

// callsAPI is the slice of the Twilio SDK the gateway uses; tests stub it.
type callsAPI interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioapi.UpdateCallParams) (*twilioapi.ApiV2010Call, error)
	ListCall(params *twilioapi.ListCallParams) ([]twilioapi.ApiV2010Call, error)
}

// Twilio is the production Gateway backed by the Twilio REST API.
type Twilio struct {
	api    callsAPI
	logger *slog.Logger
}

// New creates a Twilio gateway with the account credentials and a bounded
// per-request timeout.
func New(accountSID, authToken string, logger *slog.Logger) *Twilio {
	httpClient := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(accountSID, authToken),
	}
	httpClient.SetTimeout(apiTimeout)

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
		Client:   httpClient,
	})

	return &Twilio{
		api:    rest.Api,
		logger: logger.With("subsystem", "carrier"),
	}
}

// Create places the call with the fixed dialing policy: 25 s ring timeout,
// 900 s total limit, lifecycle status callbacks, and async answering-machine
// detection reporting to the same status endpoint.
func (t *Twilio) Create(ctx context.Context, req CallRequest) (string, error) {
	params := &twilioapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.TwiMLURL)
	params.SetMethod("POST")
	params.SetStatusCallback(req.StatusCallbackURL)
	params.SetStatusCallbackEvent(statusCallbackEvents)
	params.SetStatusCallbackMethod("POST")
	params.SetTimeout(ringTimeoutSeconds)
	params.SetTimeLimit(callTimeLimit)
	params.SetMachineDetection("Enable")
	params.SetAsyncAmd("true")
	params.SetAsyncAmdStatusCallback(req.StatusCallbackURL)
	params.SetAsyncAmdStatusCallbackMethod("POST")

	var sid string
	err := withRetry(ctx, t.logger, "create call", func() error {
		call, err := t.api.CreateCall(params)
		if err != nil {
			return err
		}
		if call.Sid == nil || *call.Sid == "" {
			return fmt.Errorf("carrier returned call without sid")
		}
		sid = *call.Sid
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("creating call to %s: %w", req.To, err)
	}

	t.logger.Info("call created", "call_sid", sid, "to", req.To)
	return sid, nil
}

// Complete asks the carrier to end the call. Used when answering-machine
// detection fires mid-call; best effort by contract, so callers may ignore
// the error.
func (t *Twilio) Complete(ctx context.Context, callSID string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")

	err := withRetry(ctx, t.logger, "complete call", func() error {
		_, err := t.api.UpdateCall(callSID, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("completing call %s: %w", callSID, err)
	}
	return nil
}

// ActiveCalls sums the account's calls in the queued, ringing and
// in-progress states. Errors propagate so the scheduler can fail closed.
func (t *Twilio) ActiveCalls(ctx context.Context) (int, error) {
	total := 0
	for _, status := range activeStatuses {
		params := &twilioapi.ListCallParams{}
		params.SetStatus(status)

		var calls []twilioapi.ApiV2010Call
		err := withRetry(ctx, t.logger, "list calls", func() error {
			var err error
			calls, err = t.api.ListCall(params)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("listing %s calls: %w", status, err)
		}
		total += len(calls)
	}
	return total, nil
}
