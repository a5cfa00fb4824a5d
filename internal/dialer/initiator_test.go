package dialer

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

type fakeSignedURLs struct {
	url   string
	err   error
	calls int
}

func (f *fakeSignedURLs) SignedURL(ctx context.Context) (string, error) {
	f.calls++
	return f.url, f.err
}

func testInitiator(states *fakeStates, gateway *fakeGateway, agents SignedURLFetcher) *Initiator {
	return NewInitiator(states, gateway, agents, quietNotifier(), quietLogger(),
		"+15550001111",
		"https://dial.example.com/outgoing/outbound-call-twiml",
		"https://dial.example.com/outgoing/call-status")
}

func sampleEntry() *models.QueueEntry {
	return &models.QueueEntry{
		ID:             7,
		ContactID:      "c1",
		Phone:          "+390123456789",
		FirstName:      "Mario",
		FullName:       "Mario Rossi",
		Email:          "m@x",
		FullAddress:    "Via Roma 1, Milano",
		AttemptIndex:   2,
		FirstAttemptAt: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestInitiateWritesStateBeforeReturning(t *testing.T) {
	states := newFakeStates()
	gateway := &fakeGateway{nextSID: "CA9"}
	agents := &fakeSignedURLs{url: "wss://agent/conv"}

	sid, err := testInitiator(states, gateway, agents).Initiate(context.Background(), sampleEntry())
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if sid != "CA9" {
		t.Errorf("sid = %q, want CA9", sid)
	}

	state := states.get("CA9")
	if state == nil {
		t.Fatal("call state not written")
	}
	if state.Status != "initiated" {
		t.Errorf("Status = %q, want initiated", state.Status)
	}
	if state.AttemptIndex != 2 {
		t.Errorf("AttemptIndex = %d, want copied from entry", state.AttemptIndex)
	}
	if !state.FirstAttemptAt.Equal(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("FirstAttemptAt = %v, want preserved", state.FirstAttemptAt)
	}
	if state.SignedURL != "wss://agent/conv" {
		t.Errorf("SignedURL = %q, want the pre-fetched url", state.SignedURL)
	}
	if agents.calls != 1 {
		t.Errorf("signed url fetches = %d, want 1", agents.calls)
	}

	if len(gateway.created) != 1 {
		t.Fatalf("created %d calls, want 1", len(gateway.created))
	}
	req := gateway.created[0]
	if req.From != "+15550001111" || req.To != "+390123456789" {
		t.Errorf("call request = %+v", req)
	}
	if req.StatusCallbackURL != "https://dial.example.com/outgoing/call-status" {
		t.Errorf("StatusCallbackURL = %q", req.StatusCallbackURL)
	}

	u, err := url.Parse(req.TwiMLURL)
	if err != nil {
		t.Fatalf("parsing twiml url: %v", err)
	}
	q := u.Query()
	if q.Get("firstName") != "Mario" || q.Get("contactId") != "c1" || q.Get("phone") != "+390123456789" {
		t.Errorf("twiml query = %v", q)
	}
	if q.Get("fullAddress") != "Via Roma 1, Milano" {
		t.Errorf("fullAddress = %q", q.Get("fullAddress"))
	}
}

func TestInitiateSkipsFetchWithCachedURL(t *testing.T) {
	states := newFakeStates()
	gateway := &fakeGateway{nextSID: "CA1"}
	agents := &fakeSignedURLs{url: "wss://fresh"}

	entry := sampleEntry()
	entry.InitialSignedURL = "wss://cached"
	if _, err := testInitiator(states, gateway, agents).Initiate(context.Background(), entry); err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if agents.calls != 0 {
		t.Errorf("signed url fetches = %d, want 0 with a cached url", agents.calls)
	}
	if states.get("CA1").SignedURL != "wss://cached" {
		t.Error("cached signed url not carried into call state")
	}
}

func TestInitiateAbruptRetryContext(t *testing.T) {
	states := newFakeStates()
	gateway := &fakeGateway{nextSID: "CA1"}

	entry := sampleEntry()
	opts := models.CallOptions{
		AbruptRetry:            true,
		PastCallSummary:        "caller asked to be called back",
		OriginalConversationID: "conv_1",
		FirstMessageOverride:   "Ciao, riprendiamo.",
	}
	blob, err := opts.Encode()
	if err != nil {
		t.Fatalf("encoding options: %v", err)
	}
	entry.CallOptions = blob

	if _, err := testInitiator(states, gateway, &fakeSignedURLs{url: "wss://a"}).Initiate(context.Background(), entry); err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}

	u, _ := url.Parse(gateway.created[0].TwiMLURL)
	q := u.Query()
	if q.Get("abruptRetry") != "true" {
		t.Error("abruptRetry flag missing from twiml url")
	}
	if q.Get("pastCallSummary") != "caller asked to be called back" {
		t.Errorf("pastCallSummary = %q", q.Get("pastCallSummary"))
	}
	if q.Get("originalConversationId") != "conv_1" {
		t.Errorf("originalConversationId = %q", q.Get("originalConversationId"))
	}
	if q.Get("firstMessageOverride") == "" {
		t.Error("firstMessageOverride missing")
	}
}

func TestInitiateCarrierFailurePropagates(t *testing.T) {
	states := newFakeStates()
	gateway := &fakeGateway{createErr: errors.New("carrier down")}

	_, err := testInitiator(states, gateway, &fakeSignedURLs{url: "wss://a"}).Initiate(context.Background(), sampleEntry())
	if err == nil || !strings.Contains(err.Error(), "carrier down") {
		t.Fatalf("err = %v, want carrier failure", err)
	}
	if len(states.states) != 0 {
		t.Error("no call state should be written when creation fails")
	}
}

func TestInitiateSignedURLFailurePropagates(t *testing.T) {
	states := newFakeStates()
	gateway := &fakeGateway{}

	_, err := testInitiator(states, gateway, &fakeSignedURLs{err: errors.New("provider down")}).Initiate(context.Background(), sampleEntry())
	if err == nil {
		t.Fatal("expected error when signed url prefetch fails")
	}
	if len(gateway.created) != 0 {
		t.Error("no carrier call should be created without a signed url")
	}
}

func TestInitiateVerifyFailure(t *testing.T) {
	states := newFakeStates()
	states.putErr = errors.New("disk full")
	gateway := &fakeGateway{nextSID: "CA1"}

	_, err := testInitiator(states, gateway, &fakeSignedURLs{url: "wss://a"}).Initiate(context.Background(), sampleEntry())
	if err == nil {
		t.Fatal("expected error when the call state cannot be written")
	}
}
