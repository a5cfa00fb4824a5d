package database

import (
	"context"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

// CallQueueRepository manages pending call attempts.
type CallQueueRepository interface {
	// Enqueue inserts a new entry and fills in its assigned id.
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	// DueEntries returns up to limit pending entries whose scheduled_at is
	// at or before now, FIFO by scheduled_at then id.
	DueEntries(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	// Claim atomically moves a pending entry to in_flight, stamping
	// last_attempt_at. It reports false when the entry was not pending,
	// which callers must treat as "someone else took it".
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	// Delete removes an entry after successful call initiation.
	Delete(ctx context.Context, id int64) error
	// MarkFailed parks an entry in the failed state with the error message.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// ResetStaleInFlight returns in_flight entries older than the cutoff to
	// pending so a crashed run cannot strand them. Reports how many rows
	// were recovered.
	ResetStaleInFlight(ctx context.Context, olderThan time.Time) (int64, error)
	// CountByStatus returns entry counts grouped by status.
	CountByStatus(ctx context.Context) (map[string]int, error)
	// List returns entries for the observability API, newest first.
	List(ctx context.Context, filter QueueListFilter) ([]models.QueueEntry, error)
}

// QueueListFilter narrows List results.
type QueueListFilter struct {
	Status string
	Limit  int
	Offset int
}

// CallStateRepository tracks placed carrier calls keyed by call SID.
type CallStateRepository interface {
	// Put inserts or fully replaces a call-state row.
	Put(ctx context.Context, state *models.CallState) error
	// Get returns the row for the SID, or nil when absent.
	Get(ctx context.Context, callSID string) (*models.CallState, error)
	// Update applies the non-nil fields of the patch to an existing row.
	Update(ctx context.Context, callSID string, patch models.CallStateUpdate) error
	// LatchRetry atomically sets the retry latch, reporting false when it
	// was already set. Callers must treat false as "another event won".
	LatchRetry(ctx context.Context, callSID string) (bool, error)
	// ListRecent returns the newest rows up to limit.
	ListRecent(ctx context.Context, limit int) ([]models.CallState, error)
	// CountRetryScheduled returns the number of rows with the retry latch set.
	CountRetryScheduled(ctx context.Context) (int, error)
}

// TokenRepository stores CRM OAuth tokens per location.
type TokenRepository interface {
	Get(ctx context.Context, locationID string) (*models.OAuthToken, error)
	Save(ctx context.Context, token *models.OAuthToken) error
}
