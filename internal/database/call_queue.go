package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

// queueRepo implements CallQueueRepository.
type queueRepo struct {
	db *DB
}

// NewCallQueueRepository creates a new CallQueueRepository.
func NewCallQueueRepository(db *DB) CallQueueRepository {
	return &queueRepo{db: db}
}

const queueColumns = `id, contact_id, phone, first_name, full_name, email,
	 full_address, attempt_index, status, scheduled_at, created_at,
	 first_attempt_at, last_attempt_at, last_error, call_options,
	 initial_signed_url`

// Enqueue inserts a new queue entry and fills in its assigned id.
// Instants are stored at second precision in UTC so that SQL comparisons
// on the text column order chronologically.
func (r *queueRepo) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if entry.Status == "" {
		entry.Status = models.QueueStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.ScheduledAt = storeTime(entry.ScheduledAt)
	entry.CreatedAt = storeTime(entry.CreatedAt)
	entry.FirstAttemptAt = storeTime(entry.FirstAttemptAt)

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_queue (contact_id, phone, first_name, full_name,
		 email, full_address, attempt_index, status, scheduled_at, created_at,
		 first_attempt_at, last_attempt_at, last_error, call_options,
		 initial_signed_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ContactID, entry.Phone, entry.FirstName, entry.FullName,
		entry.Email, entry.FullAddress, entry.AttemptIndex, entry.Status,
		entry.ScheduledAt, entry.CreatedAt, entry.FirstAttemptAt,
		entry.LastAttemptAt, entry.LastError, entry.CallOptions,
		entry.InitialSignedURL,
	)
	if err != nil {
		return fmt.Errorf("inserting queue entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// DueEntries returns up to limit pending entries eligible at now, FIFO by
// scheduled_at then insertion order.
func (r *queueRepo) DueEntries(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM call_queue
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC LIMIT ?`,
		models.QueueStatusPending, storeTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due entries: %w", err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

// Claim atomically transitions a pending entry to in_flight. A false return
// means another worker already took the entry (or it was re-scheduled).
func (r *queueRepo) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_queue SET status = ?, last_attempt_at = ?
		 WHERE id = ? AND status = ?`,
		models.QueueStatusInFlight, storeTime(now), id, models.QueueStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claiming queue entry %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim of queue entry %d: %w", id, err)
	}
	return n == 1, nil
}

// Delete removes an entry after the carrier accepted the call.
func (r *queueRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM call_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting queue entry %d: %w", id, err)
	}
	return nil
}

// MarkFailed parks an entry in the failed state with the error message.
func (r *queueRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_queue SET status = ?, last_error = ? WHERE id = ?`,
		models.QueueStatusFailed, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("marking queue entry %d failed: %w", id, err)
	}
	return nil
}

// ResetStaleInFlight returns in_flight entries claimed before the cutoff to
// pending. Entries stuck in_flight can only come from a crash between claim
// and initiation, so the recovery note is recorded as the last error.
func (r *queueRepo) ResetStaleInFlight(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_queue SET status = ?, last_error = 'stale in-flight recovered'
		 WHERE status = ? AND last_attempt_at < ?`,
		models.QueueStatusPending, models.QueueStatusInFlight, storeTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting stale in-flight entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting recovered entries: %w", err)
	}
	return n, nil
}

// CountByStatus returns entry counts grouped by status.
func (r *queueRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM call_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning queue count row: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue count rows: %w", err)
	}
	return counts, nil
}

// List returns entries for the observability API, newest first.
func (r *queueRepo) List(ctx context.Context, filter QueueListFilter) ([]models.QueueEntry, error) {
	where := "1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM call_queue WHERE `+where+`
		 ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing queue entries: %w", err)
	}
	defer rows.Close()

	return scanQueueRows(rows)
}

func scanQueueRows(rows *sql.Rows) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.ID, &e.ContactID, &e.Phone, &e.FirstName,
			&e.FullName, &e.Email, &e.FullAddress, &e.AttemptIndex, &e.Status,
			&e.ScheduledAt, &e.CreatedAt, &e.FirstAttemptAt, &e.LastAttemptAt,
			&e.LastError, &e.CallOptions, &e.InitialSignedURL); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue rows: %w", err)
	}
	return entries, nil
}

// storeTime normalizes instants to second precision UTC before they hit the
// text-typed DATETIME columns, keeping lexical and chronological order in
// agreement.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
