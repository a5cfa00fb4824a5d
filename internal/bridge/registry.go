package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the in-memory pairing context of one live call. Its lifetime
// is bounded by the shorter of the two underlying streams.
type Session struct {
	ID        string
	StreamSID string
	CallSID   string
	Params    map[string]string // per-call context from the stream-connect document
}

func newSession(start *startEvent) *Session {
	params := start.CustomParameters
	if params == nil {
		params = map[string]string{}
	}
	return &Session{
		ID:        uuid.NewString(),
		StreamSID: start.StreamSid,
		CallSID:   start.CallSid,
		Params:    params,
	}
}

// Registry tracks live sessions so metrics can report the bridge count.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of live bridges.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
