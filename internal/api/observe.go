package api

import (
	"net/http"
	"strconv"

	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
)

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check database ping failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQueueList exposes the call queue for operators, newest first.
// Optional query parameters: status, limit, offset.
func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	filter := database.QueueListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	entries, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing queue entries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing queue entries")
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCallList exposes recent call states for operators.
func (s *Server) handleCallList(w http.ResponseWriter, r *http.Request) {
	states, err := s.states.ListRecent(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.logger.Error("listing call states failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing call states")
		return
	}
	if states == nil {
		states = []models.CallState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
