package crm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memTokens is an in-memory TokenRepository.
type memTokens struct {
	mu  sync.Mutex
	rec *models.OAuthToken
}

func (m *memTokens) Get(ctx context.Context, locationID string) (*models.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil || m.rec.LocationID != locationID {
		return nil, nil
	}
	copied := *m.rec
	return &copied, nil
}

func (m *memTokens) Save(ctx context.Context, token *models.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *token
	m.rec = &copied
	return nil
}

func validToken() *models.OAuthToken {
	return &models.OAuthToken{
		LocationID:   "loc1",
		AccessToken:  "at-valid",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func expiredToken() *models.OAuthToken {
	t := validToken()
	t.ExpiresAt = time.Now().Add(time.Minute)
	return t
}

func newTestClient(srvURL string, tokens *memTokens) *Client {
	return NewClient(srvURL, "cid", "csecret", "loc1", tokens, quietLogger())
}

func TestTokenValidNotRefreshed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()

	tokens := &memTokens{rec: validToken()}
	got, err := newTestClient(srv.URL, tokens).Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got != "at-valid" {
		t.Errorf("Token() = %q, want at-valid", got)
	}
}

func TestTokenRefreshNearExpiry(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "rt-1" {
			t.Errorf("form = %v", r.PostForm)
		}
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-2",
			"expires_in":    86400,
		})
	}))
	defer srv.Close()

	tokens := &memTokens{rec: expiredToken()}
	c := newTestClient(srv.URL, tokens)

	got, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got != "at-new" {
		t.Errorf("Token() = %q, want at-new", got)
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes.Load())
	}

	stored, _ := tokens.Get(context.Background(), "loc1")
	if stored.RefreshToken != "rt-2" {
		t.Errorf("stored refresh token = %q, want rotated", stored.RefreshToken)
	}

	// A second call sees the fresh token and does not refresh again.
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("second Token() error: %v", err)
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d after second call, want still 1", refreshes.Load())
	}
}

func TestTokenRefreshSingleWriter(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-new", "expires_in": 86400})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &memTokens{rec: expiredToken()})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Token(context.Background()); err != nil {
				t.Errorf("Token() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d under concurrency, want 1", refreshes.Load())
	}
}

func TestTokenMissingRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, &memTokens{}).Token(context.Background()); err == nil {
		t.Fatal("expected error with no stored token")
	}
}

func TestContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contacts/c1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer at-valid" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Version") == "" {
			t.Error("api version header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"contact": map[string]string{
			"id": "c1", "firstName": "Mario", "name": "Mario Rossi", "phone": "+390123456789",
		}})
	}))
	defer srv.Close()

	contact, err := newTestClient(srv.URL, &memTokens{rec: validToken()}).Contact(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Contact() error: %v", err)
	}
	if contact.FirstName != "Mario" || contact.Phone != "+390123456789" {
		t.Errorf("contact = %+v", contact)
	}
}

func TestContactRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"contact": map[string]string{"id": "c1"}})
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, &memTokens{rec: validToken()}).Contact(context.Background(), "c1"); err != nil {
		t.Fatalf("Contact() error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestEnrollWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/contacts/c1/workflow/w1" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, &memTokens{rec: validToken()}).EnrollWorkflow(context.Background(), "c1", "w1"); err != nil {
		t.Fatalf("EnrollWorkflow() error: %v", err)
	}
}

func TestBookAppointment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/events/appointments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["contactId"] != "c1" || req["calendarId"] != "cal1" {
			t.Errorf("body = %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "appt1"})
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL, &memTokens{rec: validToken()}).BookAppointment(context.Background(), AppointmentRequest{
		CalendarID: "cal1",
		ContactID:  "c1",
		StartTime:  time.Now().Add(24 * time.Hour),
		EndTime:    time.Now().Add(25 * time.Hour),
	})
	if err != nil {
		t.Fatalf("BookAppointment() error: %v", err)
	}
	if id != "appt1" {
		t.Errorf("id = %q, want appt1", id)
	}
}
