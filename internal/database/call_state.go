package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

// callStateRepo implements CallStateRepository.
type callStateRepo struct {
	db *DB
}

// NewCallStateRepository creates a new CallStateRepository.
func NewCallStateRepository(db *DB) CallStateRepository {
	return &callStateRepo{db: db}
}

const callStateColumns = `call_sid, phone, contact_id, attempt_index, status,
	 created_at, signed_url, first_name, full_name, email, full_address,
	 answered_by, conversation_id, first_attempt_at, retry_scheduled,
	 call_options`

// Put inserts or fully replaces a call-state row. The initiator calls this
// with the complete column set right after the carrier assigns the SID; the
// row must be readable before the first status callback is acknowledged.
func (r *callStateRepo) Put(ctx context.Context, state *models.CallState) error {
	if state.CallSID == "" {
		return fmt.Errorf("putting call state: empty call sid")
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	state.CreatedAt = storeTime(state.CreatedAt)
	state.FirstAttemptAt = storeTime(state.FirstAttemptAt)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_states (call_sid, phone, contact_id, attempt_index,
		 status, created_at, signed_url, first_name, full_name, email,
		 full_address, answered_by, conversation_id, first_attempt_at,
		 retry_scheduled, call_options)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET
		 phone = excluded.phone, contact_id = excluded.contact_id,
		 attempt_index = excluded.attempt_index, status = excluded.status,
		 created_at = excluded.created_at, signed_url = excluded.signed_url,
		 first_name = excluded.first_name, full_name = excluded.full_name,
		 email = excluded.email, full_address = excluded.full_address,
		 answered_by = excluded.answered_by,
		 conversation_id = excluded.conversation_id,
		 first_attempt_at = excluded.first_attempt_at,
		 retry_scheduled = excluded.retry_scheduled,
		 call_options = excluded.call_options`,
		state.CallSID, state.Phone, state.ContactID, state.AttemptIndex,
		state.Status, state.CreatedAt, state.SignedURL, state.FirstName,
		state.FullName, state.Email, state.FullAddress, state.AnsweredBy,
		state.ConversationID, state.FirstAttemptAt, state.RetryScheduled,
		state.CallOptions,
	)
	if err != nil {
		return fmt.Errorf("putting call state %s: %w", state.CallSID, err)
	}
	return nil
}

// Get returns the row for the SID, or nil when absent.
func (r *callStateRepo) Get(ctx context.Context, callSID string) (*models.CallState, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callStateColumns+` FROM call_states WHERE call_sid = ?`, callSID,
	))
}

// Update applies the non-nil fields of the patch to an existing row.
func (r *callStateRepo) Update(ctx context.Context, callSID string, patch models.CallStateUpdate) error {
	sets := []string{}
	args := []any{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.AnsweredBy != nil {
		sets = append(sets, "answered_by = ?")
		args = append(args, *patch.AnsweredBy)
	}
	if patch.ConversationID != nil {
		sets = append(sets, "conversation_id = ?")
		args = append(args, *patch.ConversationID)
	}
	if patch.RetryScheduled != nil {
		sets = append(sets, "retry_scheduled = ?")
		args = append(args, *patch.RetryScheduled)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, callSID)

	_, err := r.db.ExecContext(ctx,
		`UPDATE call_states SET `+strings.Join(sets, ", ")+` WHERE call_sid = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating call state %s: %w", callSID, err)
	}
	return nil
}

// LatchRetry flips retry_scheduled with a guarded UPDATE, the same
// compare-in-SQL shape as the queue's Claim. Concurrent status callbacks for
// one call both read the latch as unset, but only one guarded update changes
// a row; the loser must not schedule a retry.
func (r *callStateRepo) LatchRetry(ctx context.Context, callSID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_states SET retry_scheduled = 1
		 WHERE call_sid = ? AND retry_scheduled = 0`, callSID,
	)
	if err != nil {
		return false, fmt.Errorf("latching retry for %s: %w", callSID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking retry latch for %s: %w", callSID, err)
	}
	return n == 1, nil
}

// ListRecent returns the newest rows up to limit.
func (r *callStateRepo) ListRecent(ctx context.Context, limit int) ([]models.CallState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callStateColumns+` FROM call_states
		 ORDER BY created_at DESC, call_sid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call states: %w", err)
	}
	defer rows.Close()

	var states []models.CallState
	for rows.Next() {
		var s models.CallState
		if err := rows.Scan(&s.CallSID, &s.Phone, &s.ContactID, &s.AttemptIndex,
			&s.Status, &s.CreatedAt, &s.SignedURL, &s.FirstName, &s.FullName,
			&s.Email, &s.FullAddress, &s.AnsweredBy, &s.ConversationID,
			&s.FirstAttemptAt, &s.RetryScheduled, &s.CallOptions); err != nil {
			return nil, fmt.Errorf("scanning call state row: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call state rows: %w", err)
	}
	return states, nil
}

// CountRetryScheduled returns the number of rows with the retry latch set.
func (r *callStateRepo) CountRetryScheduled(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_states WHERE retry_scheduled = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting retry-scheduled call states: %w", err)
	}
	return count, nil
}

func (r *callStateRepo) scanOne(row *sql.Row) (*models.CallState, error) {
	var s models.CallState
	err := row.Scan(&s.CallSID, &s.Phone, &s.ContactID, &s.AttemptIndex,
		&s.Status, &s.CreatedAt, &s.SignedURL, &s.FirstName, &s.FullName,
		&s.Email, &s.FullAddress, &s.AnsweredBy, &s.ConversationID,
		&s.FirstAttemptAt, &s.RetryScheduled, &s.CallOptions)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call state: %w", err)
	}
	return &s, nil
}
