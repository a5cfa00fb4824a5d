package models

import (
	"encoding/json"
	"time"
)

// Queue entry statuses.
const (
	QueueStatusPending  = "pending"
	QueueStatusInFlight = "in_flight"
	QueueStatusFailed   = "failed"
)

// QueueEntry is one scheduled call attempt waiting for dispatch. A contact
// sequence produces one entry per attempt; the scheduler deletes an entry
// once the carrier accepts the call, and the status ingress enqueues the
// next one when the outcome is retryable.
type QueueEntry struct {
	ID               int64
	ContactID        string
	Phone            string // E.164
	FirstName        string
	FullName         string
	Email            string
	FullAddress      string
	AttemptIndex     int // 0 = first call of the sequence
	Status           string
	ScheduledAt      time.Time
	CreatedAt        time.Time
	FirstAttemptAt   time.Time // scheduled-at of attempt 0, carried across retries
	LastAttemptAt    *time.Time
	LastError        string
	CallOptions      string // JSON, see CallOptions
	InitialSignedURL string // pre-fetched agent URL, may be empty
}

// CallState tracks a placed carrier call, keyed by the carrier-assigned
// call SID. Rows are kept indefinitely for observability.
type CallState struct {
	CallSID        string
	Phone          string
	ContactID      string
	AttemptIndex   int
	Status         string // free text from the carrier
	CreatedAt      time.Time
	SignedURL      string
	FirstName      string
	FullName       string
	Email          string
	FullAddress    string
	AnsweredBy     string // human, machine_*, fax, unknown
	ConversationID string // agent-assigned, populated after bridge open
	FirstAttemptAt time.Time
	RetryScheduled bool // latch: once true, no further retry is scheduled for this SID
	CallOptions    string
}

// CallStateUpdate is a partial patch for a CallState row. Nil fields are
// left untouched.
type CallStateUpdate struct {
	Status         *string
	AnsweredBy     *string
	ConversationID *string
	RetryScheduled *bool
}

// OAuthToken is a CRM token record keyed by location (tenant) id. The
// refresh routine is the only writer; everything else reads.
type OAuthToken struct {
	LocationID   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// CallOptions is the opaque per-sequence context blob carried from ingress
// through the queue to the agent initiation frame. Retries inherit it
// unchanged except for the abrupt-retry fields, which callers may set when
// re-dialing after a prematurely ended conversation.
type CallOptions struct {
	Availability           string            `json:"availability,omitempty"`
	AbruptRetry            bool              `json:"abruptRetry,omitempty"`
	PastCallSummary        string            `json:"pastCallSummary,omitempty"`
	OriginalConversationID string            `json:"originalConversationId,omitempty"`
	FirstMessageOverride   string            `json:"firstMessageOverride,omitempty"`
	Extra                  map[string]string `json:"extra,omitempty"`
}

// ParseCallOptions decodes a CallOptions blob. An empty blob yields the
// zero value.
func ParseCallOptions(blob string) (CallOptions, error) {
	var opts CallOptions
	if blob == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(blob), &opts); err != nil {
		return CallOptions{}, err
	}
	return opts, nil
}

// IsZero reports whether no option is set.
func (o CallOptions) IsZero() bool {
	return o.Availability == "" && !o.AbruptRetry && o.PastCallSummary == "" &&
		o.OriginalConversationID == "" && o.FirstMessageOverride == "" && len(o.Extra) == 0
}

// Encode serializes the options back into the storable blob form. The zero
// value encodes to the empty string.
func (o CallOptions) Encode() (string, error) {
	if o.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
