package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{5,14}$`)

// outboundCallRequest accepts the ingress body with its field synonyms.
// Callers send phone/phoneNumber and contact_id/contactId/id
// interchangeably; normalization happens in one place so nothing downstream
// deals with aliases.
type outboundCallRequest struct {
	Phone       string `json:"phone"`
	PhoneNumber string `json:"phoneNumber"`

	ContactID    string `json:"contact_id"`
	ContactIDAlt string `json:"contactId"`
	ID           string `json:"id"`

	FirstName    string `json:"first_name"`
	FirstNameAlt string `json:"firstName"`

	FullName    string `json:"full_name"`
	FullNameAlt string `json:"fullName"`
	Name        string `json:"name"`

	Email string `json:"email"`

	FullAddress    string `json:"full_address"`
	FullAddressAlt string `json:"fullAddress"`
	Address        string `json:"address"`

	CustomData map[string]string `json:"customData"`
}

// callRequest is the normalized form.
type callRequest struct {
	Phone       string
	ContactID   string
	FirstName   string
	FullName    string
	Email       string
	FullAddress string
	Options     models.CallOptions
}

// Custom-data keys with orchestration meaning; everything else passes
// through to the agent as-is.
const (
	customAvailability         = "availability"
	customAbruptRetry          = "abruptRetry"
	customPastCallSummary      = "pastCallSummary"
	customOriginalConversation = "originalConversationId"
	customFirstMessageOverride = "firstMessageOverride"
)

func (r *outboundCallRequest) normalize() (callRequest, error) {
	req := callRequest{
		Phone:       firstNonEmpty(r.Phone, r.PhoneNumber),
		ContactID:   firstNonEmpty(r.ContactID, r.ContactIDAlt, r.ID),
		FirstName:   firstNonEmpty(r.FirstName, r.FirstNameAlt),
		FullName:    firstNonEmpty(r.FullName, r.FullNameAlt, r.Name),
		Email:       r.Email,
		FullAddress: firstNonEmpty(r.FullAddress, r.FullAddressAlt, r.Address),
	}

	if req.Phone == "" {
		return callRequest{}, fmt.Errorf("phone is required")
	}
	if !e164Pattern.MatchString(req.Phone) {
		return callRequest{}, fmt.Errorf("phone must be E.164, got %q", req.Phone)
	}
	if req.ContactID == "" {
		return callRequest{}, fmt.Errorf("contact_id is required")
	}

	for key, value := range r.CustomData {
		if value == "" {
			continue
		}
		switch key {
		case customAvailability:
			req.Options.Availability = value
		case customAbruptRetry:
			req.Options.AbruptRetry = value == "true"
		case customPastCallSummary:
			req.Options.PastCallSummary = value
		case customOriginalConversation:
			req.Options.OriginalConversationID = value
		case customFirstMessageOverride:
			req.Options.FirstMessageOverride = value
		default:
			if req.Options.Extra == nil {
				req.Options.Extra = make(map[string]string)
			}
			req.Options.Extra[key] = value
		}
	}
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// handleOutboundCall enqueues the first attempt of a contact sequence.
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var body outboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeIngress(w, http.StatusBadRequest, 0, "invalid json body")
		return
	}

	req, err := body.normalize()
	if err != nil {
		writeIngress(w, http.StatusBadRequest, 0, err.Error())
		return
	}

	s.enrichFromCRM(r.Context(), &req)

	options, err := req.Options.Encode()
	if err != nil {
		writeIngress(w, http.StatusInternalServerError, 0, "encoding call options")
		return
	}

	now := time.Now()
	entry := &models.QueueEntry{
		ContactID:      req.ContactID,
		Phone:          req.Phone,
		FirstName:      req.FirstName,
		FullName:       req.FullName,
		Email:          req.Email,
		FullAddress:    req.FullAddress,
		AttemptIndex:   0,
		ScheduledAt:    now,
		FirstAttemptAt: now,
		CallOptions:    options,
	}
	if err := s.queue.Enqueue(r.Context(), entry); err != nil {
		s.logger.Error("enqueueing call failed", "contact_id", req.ContactID, "error", err)
		writeIngress(w, http.StatusInternalServerError, 0, "could not enqueue call")
		return
	}

	s.logger.Info("call enqueued", "queue_id", entry.ID, "contact_id", req.ContactID, "phone", req.Phone)
	writeIngress(w, http.StatusAccepted, entry.ID, "")
}

// enrichFromCRM fills callee fields the caller omitted from the CRM contact
// record. Lookup failures are logged and the request proceeds with what it
// has; the call can still be placed without the extra context.
func (s *Server) enrichFromCRM(ctx context.Context, req *callRequest) {
	if s.contacts == nil {
		return
	}
	if req.FirstName != "" && req.FullName != "" && req.Email != "" && req.FullAddress != "" {
		return
	}

	contact, err := s.contacts.Contact(ctx, req.ContactID)
	if err != nil {
		s.logger.Warn("crm contact lookup failed", "contact_id", req.ContactID, "error", err)
		return
	}
	if req.FirstName == "" {
		req.FirstName = contact.FirstName
	}
	if req.FullName == "" {
		req.FullName = contact.Name
	}
	if req.Email == "" {
		req.Email = contact.Email
	}
	if req.FullAddress == "" && contact.Address1 != "" {
		req.FullAddress = strings.TrimSpace(strings.Join([]string{contact.Address1, contact.PostalCode, contact.City}, " "))
	}
}

// writeIngress writes the enqueue endpoint's response shape:
// {"success":true,"queueId":N} or {"success":false,"error":"..."}.
func writeIngress(w http.ResponseWriter, status int, queueID int64, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if errMsg != "" {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": errMsg})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"success": true, "queueId": queueID})
}
