// Package crm integrates the CRM that owns the contacts being called:
// OAuth token upkeep, contact lookup for per-call context, workflow
// enrollment and appointment booking after successful calls.
package crm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
)

const (
	apiTimeout = 20 * time.Second
	apiRetries = 3

	// refreshMargin is how close to expiry a token is refreshed instead of
	// handed out.
	refreshMargin = 5 * time.Minute

	apiVersion = "2021-07-28"
)

// Contact is the CRM's view of a callee, reduced to the fields the
// orchestration uses.
type Contact struct {
	ID         string `json:"id"`
	FirstName  string `json:"firstName"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address1   string `json:"address1"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
}

// AppointmentRequest books one calendar slot for a contact.
type AppointmentRequest struct {
	CalendarID string    `json:"calendarId"`
	ContactID  string    `json:"contactId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	Title      string    `json:"title,omitempty"`
}

// Client talks to the CRM's v2 API with bearer auth. Token refresh is
// single-writer; reads go through the token store.
type Client struct {
	rest         *resty.Client
	tokens       database.TokenRepository
	clientID     string
	clientSecret string
	locationID   string
	logger       *slog.Logger

	refreshMu sync.Mutex
}

// NewClient creates a CRM client for one location.
func NewClient(baseURL, clientID, clientSecret, locationID string, tokens database.TokenRepository, logger *slog.Logger) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(apiTimeout).
		SetRetryCount(apiRetries).
		SetHeader("Version", apiVersion).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusRequestTimeout ||
				code == http.StatusTooManyRequests ||
				code >= http.StatusInternalServerError
		})

	return &Client{
		rest:         rest,
		tokens:       tokens,
		clientID:     clientID,
		clientSecret: clientSecret,
		locationID:   locationID,
		logger:       logger.With("subsystem", "crm"),
	}
}

// Token returns a valid access token for the location, refreshing through
// the OAuth endpoint when the stored one is near expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	rec, err := c.tokens.Get(ctx, c.locationID)
	if err != nil {
		return "", fmt.Errorf("reading oauth token: %w", err)
	}
	if rec == nil {
		return "", fmt.Errorf("no oauth token stored for location %s", c.locationID)
	}
	if time.Until(rec.ExpiresAt) > refreshMargin {
		return rec.AccessToken, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while this one waited for the lock.
	rec, err = c.tokens.Get(ctx, c.locationID)
	if err != nil {
		return "", fmt.Errorf("re-reading oauth token: %w", err)
	}
	if rec != nil && time.Until(rec.ExpiresAt) > refreshMargin {
		return rec.AccessToken, nil
	}

	return c.refresh(ctx, rec)
}

func (c *Client) refresh(ctx context.Context, rec *models.OAuthToken) (string, error) {
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": rec.RefreshToken,
		}).
		SetResult(&body).
		Post("/oauth/token")
	if err != nil {
		return "", fmt.Errorf("refreshing oauth token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("refreshing oauth token: crm returned %s", resp.Status())
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("refreshing oauth token: empty access token in response")
	}

	refreshToken := body.RefreshToken
	if refreshToken == "" {
		refreshToken = rec.RefreshToken
	}
	updated := &models.OAuthToken{
		LocationID:   c.locationID,
		AccessToken:  body.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	if err := c.tokens.Save(ctx, updated); err != nil {
		return "", fmt.Errorf("saving refreshed token: %w", err)
	}

	c.logger.Info("oauth token refreshed", "location_id", c.locationID, "expires_at", updated.ExpiresAt)
	return updated.AccessToken, nil
}

// Contact fetches one contact by id.
func (c *Client) Contact(ctx context.Context, contactID string) (*Contact, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	var body struct {
		Contact Contact `json:"contact"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		Get("/contacts/" + contactID)
	if err != nil {
		return nil, fmt.Errorf("fetching contact %s: %w", contactID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching contact %s: crm returned %s", contactID, resp.Status())
	}
	return &body.Contact, nil
}

// EnrollWorkflow adds the contact to a CRM workflow, typically after a
// successful conversation.
func (c *Client) EnrollWorkflow(ctx context.Context, contactID, workflowID string) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		Post("/contacts/" + contactID + "/workflow/" + workflowID)
	if err != nil {
		return fmt.Errorf("enrolling contact %s in workflow %s: %w", contactID, workflowID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("enrolling contact %s in workflow %s: crm returned %s", contactID, workflowID, resp.Status())
	}
	return nil
}

// BookAppointment creates a calendar appointment and returns its id.
func (c *Client) BookAppointment(ctx context.Context, req AppointmentRequest) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", err
	}

	var body struct {
		ID string `json:"id"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(req).
		SetResult(&body).
		Post("/calendars/events/appointments")
	if err != nil {
		return "", fmt.Errorf("booking appointment for %s: %w", req.ContactID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("booking appointment for %s: crm returned %s", req.ContactID, resp.Status())
	}
	return body.ID, nil
}
