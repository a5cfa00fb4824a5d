package dialer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redialhq/redial/internal/carrier"
	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/database/models"
	"github.com/redialhq/redial/internal/notify"
	"github.com/redialhq/redial/internal/schedule"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quietNotifier() *notify.Notifier {
	return notify.New("", quietLogger())
}

func utcPolicy(t *testing.T) *schedule.Policy {
	t.Helper()
	return schedule.NewPolicy(time.UTC)
}

func shrinkLookupWait(t *testing.T) {
	t.Helper()
	old := stateLookupWait
	stateLookupWait = 10 * time.Millisecond
	t.Cleanup(func() { stateLookupWait = old })
}

// fakeQueue is an in-memory CallQueueRepository.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[int64]*models.QueueEntry
	nextID  int64

	enqueueErr error
	claimErr   error
}

var _ database.CallQueueRepository = (*fakeQueue)(nil)

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[int64]*models.QueueEntry), nextID: 1}
}

func (q *fakeQueue) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	entry.ID = q.nextID
	q.nextID++
	if entry.Status == "" {
		entry.Status = models.QueueStatusPending
	}
	copied := *entry
	q.entries[entry.ID] = &copied
	return nil
}

func (q *fakeQueue) DueEntries(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []models.QueueEntry
	for id := int64(1); id < q.nextID && len(due) < limit; id++ {
		e, ok := q.entries[id]
		if ok && e.Status == models.QueueStatusPending && !e.ScheduledAt.After(now) {
			due = append(due, *e)
		}
	}
	return due, nil
}

func (q *fakeQueue) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return false, q.claimErr
	}
	e, ok := q.entries[id]
	if !ok || e.Status != models.QueueStatusPending {
		return false, nil
	}
	e.Status = models.QueueStatusInFlight
	e.LastAttemptAt = &now
	return true, nil
}

func (q *fakeQueue) Delete(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.Status = models.QueueStatusFailed
		e.LastError = errMsg
	}
	return nil
}

func (q *fakeQueue) ResetStaleInFlight(ctx context.Context, olderThan time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, e := range q.entries {
		if e.Status == models.QueueStatusInFlight && e.LastAttemptAt != nil && e.LastAttemptAt.Before(olderThan) {
			e.Status = models.QueueStatusPending
			e.LastError = "stale in-flight recovered"
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) CountByStatus(ctx context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range q.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (q *fakeQueue) List(ctx context.Context, filter database.QueueListFilter) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (q *fakeQueue) all() []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueueEntry
	for id := int64(1); id < q.nextID; id++ {
		if e, ok := q.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// fakeStates is an in-memory CallStateRepository.
type fakeStates struct {
	mu     sync.Mutex
	states map[string]*models.CallState

	putErr error
	getErr error
}

var _ database.CallStateRepository = (*fakeStates)(nil)

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[string]*models.CallState)}
}

func (f *fakeStates) Put(ctx context.Context, state *models.CallState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	copied := *state
	f.states[state.CallSID] = &copied
	return nil
}

func (f *fakeStates) Get(ctx context.Context, callSID string) (*models.CallState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.states[callSID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStates) Update(ctx context.Context, callSID string, patch models.CallStateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[callSID]
	if !ok {
		return errors.New("no such call state")
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.AnsweredBy != nil {
		s.AnsweredBy = *patch.AnsweredBy
	}
	if patch.ConversationID != nil {
		s.ConversationID = *patch.ConversationID
	}
	if patch.RetryScheduled != nil {
		s.RetryScheduled = *patch.RetryScheduled
	}
	return nil
}

func (f *fakeStates) LatchRetry(ctx context.Context, callSID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[callSID]
	if !ok || s.RetryScheduled {
		return false, nil
	}
	s.RetryScheduled = true
	return true, nil
}

func (f *fakeStates) ListRecent(ctx context.Context, limit int) ([]models.CallState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CallState
	for _, s := range f.states {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStates) CountRetryScheduled(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.states {
		if s.RetryScheduled {
			n++
		}
	}
	return n, nil
}

func (f *fakeStates) get(callSID string) *models.CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[callSID]
}

// fakeGateway is an in-memory carrier.Gateway.
type fakeGateway struct {
	mu sync.Mutex

	active    int
	activeErr error

	nextSID     string
	createErr   error
	created     []carrier.CallRequest
	completed   []string
	completeErr error
}

var _ carrier.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) Create(ctx context.Context, req carrier.CallRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.created = append(g.created, req)
	if g.nextSID == "" {
		return "CA-fake", nil
	}
	return g.nextSID, nil
}

func (g *fakeGateway) Complete(ctx context.Context, callSID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed = append(g.completed, callSID)
	return g.completeErr
}

func (g *fakeGateway) ActiveCalls(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeErr != nil {
		return 0, g.activeErr
	}
	return g.active, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status     string
		answeredBy string
		want       Outcome
	}{
		{"initiated", "", OutcomeProgress},
		{"ringing", "", OutcomeProgress},
		{"in-progress", "human", OutcomeProgress},
		{"ringing", "machine_start", OutcomeMachineMidCall},
		{"in-progress", "machine_end_beep", OutcomeMachineMidCall},
		{"in-progress", "fax", OutcomeMachineMidCall},
		{"no-answer", "", OutcomeRetry},
		{"busy", "", OutcomeRetry},
		{"failed", "", OutcomeRetry},
		{"failed", "human", OutcomeRetry},
		{"completed", "machine_start", OutcomeRetry},
		{"canceled", "machine_end_silence", OutcomeRetry},
		{"completed", "human", OutcomeSuccess},
		{"completed", "unknown", OutcomeSuccess},
		{"completed", "", OutcomeSuccess},
		{"canceled", "", OutcomeTerminal},
		{"canceled", "human", OutcomeTerminal},
	}
	for _, tt := range tests {
		if got := Classify(tt.status, tt.answeredBy); got != tt.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tt.status, tt.answeredBy, got, tt.want)
		}
	}
}
