package api

import (
	"net/http"

	"github.com/redialhq/redial/internal/dialer"
)

// handleCallStatus ingests carrier status callbacks. The carrier retries on
// non-2xx, so processing failures are logged and the event is still
// acknowledged; the retry state machine tolerates the resulting re-delivery
// through its latch.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	signature := r.Header.Get("X-Twilio-Signature")
	if !s.validator.ValidForm(s.cfg.CallbackURL("/call-status"), r.PostForm, signature) {
		s.logger.Warn("status callback signature rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	ev := dialer.StatusEvent{
		CallSID:    r.PostForm.Get("CallSid"),
		Status:     r.PostForm.Get("CallStatus"),
		AnsweredBy: r.PostForm.Get("AnsweredBy"),
		Phone:      r.PostForm.Get("To"),
	}
	if ev.CallSID == "" {
		writeError(w, http.StatusBadRequest, "missing CallSid")
		return
	}

	if err := s.processor.Process(r.Context(), ev); err != nil {
		s.logger.Error("processing status event failed",
			"call_sid", ev.CallSID, "status", ev.Status, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
