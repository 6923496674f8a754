// Package queue provides the durable local submission queue for incident
// reports, backed by SQLite.
//
// Every record is keyed by a client-generated local id that doubles as the
// idempotency key for server delivery. Records move forward through
// PENDING -> SYNCING -> SYNCED, with FAILED as a retryable detour and
// ABANDONED as the terminal non-retry state. The payload captured at
// creation time is immutable; only sync bookkeeping changes afterwards.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the sync state of a queued record.
type Status string

const (
	// StatusPending means the record has never been delivered.
	StatusPending Status = "PENDING"
	// StatusSyncing means a delivery attempt is in flight (or was cut off
	// mid-flight; an expired lease makes the record eligible again).
	StatusSyncing Status = "SYNCING"
	// StatusSynced means the server acknowledged the record and assigned
	// a ticket number.
	StatusSynced Status = "SYNCED"
	// StatusFailed means the last attempt hit a transient error and a
	// retry is scheduled.
	StatusFailed Status = "FAILED"
	// StatusAbandoned means the record exhausted its retry budget or was
	// rejected by the server; it is surfaced to the user, never retried.
	StatusAbandoned Status = "ABANDONED"
)

// Payload is the immutable submission snapshot captured when the user
// creates a report.
type Payload struct {
	DeviceID    string    `json:"device_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CategoryID  int       `json:"category_id"`
	Description string    `json:"description"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Record is one queued incident report with its sync bookkeeping.
type Record struct {
	LocalID           string
	Payload           Payload
	Status            Status
	AttemptCount      int
	LastAttemptAt     time.Time // zero if never attempted
	NextAttemptAt     time.Time // zero means eligible immediately
	LastError         string
	TicketNumber      string // set if and only if status is SYNCED
	AttachmentPending bool
	Quarantined       bool
	LeaseOwner        string
	LeaseExpiresAt    time.Time
	CreatedAt         time.Time
}

// HasAttachment reports whether an attachment row exists for this record.
// It is populated by queries, not stored on the record itself.
type Attachment struct {
	LocalID     string
	ContentType string
	Data        []byte
}

// CorruptRecordError marks a row whose payload could not be decoded.
// The caller quarantines the record instead of failing the whole query.
type CorruptRecordError struct {
	LocalID string
	Err     error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt queue record %s: %v", e.LocalID, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// createRecordsTableSQL defines the schema for queued records.
// Timestamps are stored as unix milliseconds; zero means unset.
const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS queue_records (
    local_id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    ticket_number TEXT NOT NULL DEFAULT '',
    attachment_pending INTEGER NOT NULL DEFAULT 0,
    quarantined INTEGER NOT NULL DEFAULT 0,
    lease_owner TEXT NOT NULL DEFAULT '',
    lease_expires_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
`

// createStatusIndexSQL supports the pending-records query.
const createStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_queue_records_status ON queue_records(status, next_attempt_at);
`

// createAttachmentsTableSQL defines the schema for attachment blobs, stored
// separately from metadata so the two can be delivered and retried
// independently.
const createAttachmentsTableSQL = `
CREATE TABLE IF NOT EXISTS queue_attachments (
    local_id TEXT PRIMARY KEY,
    content_type TEXT NOT NULL,
    data BLOB NOT NULL
);
`

const recordColumns = `local_id, payload, status, attempt_count, last_attempt_at,
       next_attempt_at, last_error, ticket_number, attachment_pending,
       quarantined, lease_owner, lease_expires_at, created_at`

// Store is the SQLite-backed durable queue.
type Store struct {
	path string
	conn *sql.DB
}

// Open creates or opens the queue database at the given path and initializes
// the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// SQLite only supports a single writer, so we limit to one connection
	// to prevent "database is locked" errors when the agent loop and CLI
	// commands touch the queue concurrently.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, ddl := range []string{createRecordsTableSQL, createStatusIndexSQL, createAttachmentsTableSQL} {
		if _, err := conn.Exec(ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
		}
	}

	return &Store{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Put persists a new record (and its optional attachment) atomically.
// The write is durable once Put returns. Local ids are never reused, so a
// duplicate local id is rejected rather than overwritten: the payload of an
// existing record is immutable.
func (s *Store) Put(localID string, payload Payload, attachment *Attachment) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO queue_records (local_id, payload, status, attachment_pending, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING
	`, localID, string(payloadJSON), StatusPending, attachment != nil, timeToMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %s already exists", localID)
	}

	if attachment != nil {
		_, err := tx.Exec(`
			INSERT INTO queue_attachments (local_id, content_type, data)
			VALUES (?, ?, ?)
		`, localID, attachment.ContentType, attachment.Data)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Get retrieves a record by local id. Returns (nil, nil) if not found. If the
// payload column is corrupt, the record's bookkeeping fields are returned
// together with a *CorruptRecordError.
func (s *Store) Get(localID string) (*Record, error) {
	row := s.conn.QueryRow(`SELECT `+recordColumns+` FROM queue_records WHERE local_id = ?`, localID)
	rec, err := scanRecordFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List retrieves all records in creation order, quarantined ones included.
// Corrupt rows are returned with an empty payload and their decode error in
// LastError so the status command can still show them.
func (s *Store) List() ([]Record, error) {
	rows, err := s.conn.Query(`SELECT ` + recordColumns + ` FROM queue_records ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecordFrom(rows)
		if err != nil {
			var corrupt *CorruptRecordError
			if asCorrupt(err, &corrupt) {
				partial := *rec
				if partial.LastError == "" {
					partial.LastError = corrupt.Error()
				}
				records = append(records, partial)
				continue
			}
			return nil, err
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// QueryPending returns the records eligible for a drain cycle at the given
// time, oldest first:
//
//   - PENDING and FAILED records whose backoff window has elapsed
//   - SYNCING records whose lease expired (a previous attempt was cut off
//     mid-flight; redelivery is safe behind the idempotency key)
//   - SYNCED records with a pending attachment whose backoff elapsed
//
// Rows whose payload cannot be decoded are skipped and their local ids are
// returned separately so the caller can quarantine them.
func (s *Store) QueryPending(now time.Time) ([]Record, []string, error) {
	nowMs := timeToMillis(now)
	rows, err := s.conn.Query(`
		SELECT `+recordColumns+`
		FROM queue_records
		WHERE quarantined = 0
		  AND (
		        (status IN (?, ?) AND next_attempt_at <= ?)
		     OR (status = ? AND lease_expires_at <= ?)
		     OR (status = ? AND attachment_pending = 1 AND next_attempt_at <= ? AND lease_expires_at <= ?)
		  )
		ORDER BY created_at ASC, rowid ASC
	`, StatusPending, StatusFailed, nowMs, StatusSyncing, nowMs, StatusSynced, nowMs, nowMs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var records []Record
	var corruptIDs []string
	for rows.Next() {
		rec, err := scanRecordFrom(rows)
		if err != nil {
			var corrupt *CorruptRecordError
			if asCorrupt(err, &corrupt) {
				corruptIDs = append(corruptIDs, corrupt.LocalID)
				continue
			}
			return nil, nil, err
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, corruptIDs, nil
}

// Claim transitions a record to SYNCING and takes the single-writer lease on
// it, incrementing the attempt counter. Returns false if another orchestrator
// holds an unexpired lease or the record is not in a claimable state.
func (s *Store) Claim(localID, owner string, now time.Time, lease time.Duration) (bool, error) {
	nowMs := timeToMillis(now)
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET status = ?, lease_owner = ?, lease_expires_at = ?,
		    attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE local_id = ? AND quarantined = 0
		  AND (status IN (?, ?) OR (status = ? AND lease_expires_at <= ?))
	`, StatusSyncing, owner, timeToMillis(now.Add(lease)), nowMs,
		localID, StatusPending, StatusFailed, StatusSyncing, nowMs)
	if err != nil {
		return false, fmt.Errorf("failed to claim record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimAttachment takes the lease for the attachment upload phase without
// touching the record's SYNCED status.
func (s *Store) ClaimAttachment(localID, owner string, now time.Time, lease time.Duration) (bool, error) {
	nowMs := timeToMillis(now)
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET lease_owner = ?, lease_expires_at = ?,
		    attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE local_id = ? AND quarantined = 0
		  AND status = ? AND attachment_pending = 1 AND lease_expires_at <= ?
	`, owner, timeToMillis(now.Add(lease)), nowMs,
		localID, StatusSynced, nowMs)
	if err != nil {
		return false, fmt.Errorf("failed to claim attachment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkSynced records the server-assigned ticket number and transitions the
// record to SYNCED, releasing the lease. Only a SYNCING record can be marked
// synced.
func (s *Store) MarkSynced(localID, ticketNumber string) error {
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET status = ?, ticket_number = ?, last_error = '', next_attempt_at = 0,
		    lease_owner = '', lease_expires_at = 0
		WHERE local_id = ? AND status = ?
	`, StatusSynced, ticketNumber, localID, StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return requireOneRow(res, localID, "mark synced")
}

// MarkFailed records a transient failure and schedules the retry, releasing
// the lease. Only a SYNCING record can be marked failed.
func (s *Store) MarkFailed(localID, lastError string, nextAttemptAt time.Time) error {
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET status = ?, last_error = ?, next_attempt_at = ?,
		    lease_owner = '', lease_expires_at = 0
		WHERE local_id = ? AND status = ?
	`, StatusFailed, lastError, timeToMillis(nextAttemptAt), localID, StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	return requireOneRow(res, localID, "mark failed")
}

// MarkAbandoned transitions a record to the terminal ABANDONED state. Reached
// from SYNCING on a validation rejection, or after the retry budget is spent.
func (s *Store) MarkAbandoned(localID, lastError string) error {
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET status = ?, last_error = ?, lease_owner = '', lease_expires_at = 0
		WHERE local_id = ? AND status IN (?, ?, ?)
	`, StatusAbandoned, lastError, localID, StatusSyncing, StatusFailed, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark record abandoned: %w", err)
	}
	return requireOneRow(res, localID, "mark abandoned")
}

// MarkAttachmentUploaded clears the attachment-pending flag after the blob
// reached the server, releasing the lease.
func (s *Store) MarkAttachmentUploaded(localID string) error {
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET attachment_pending = 0, last_error = '', next_attempt_at = 0,
		    lease_owner = '', lease_expires_at = 0
		WHERE local_id = ? AND status = ?
	`, localID, StatusSynced)
	if err != nil {
		return fmt.Errorf("failed to mark attachment uploaded: %w", err)
	}
	return requireOneRow(res, localID, "mark attachment uploaded")
}

// DeferAttachment reschedules a transiently failed attachment upload. The
// record keeps its SYNCED status: the ticket is already allocated and must
// not be requested again.
func (s *Store) DeferAttachment(localID, lastError string, nextAttemptAt time.Time) error {
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET last_error = ?, next_attempt_at = ?, lease_owner = '', lease_expires_at = 0
		WHERE local_id = ? AND status = ? AND attachment_pending = 1
	`, lastError, timeToMillis(nextAttemptAt), localID, StatusSynced)
	if err != nil {
		return fmt.Errorf("failed to defer attachment: %w", err)
	}
	return requireOneRow(res, localID, "defer attachment")
}

// AbandonAttachment gives up on an attachment the server rejected. The
// metadata stays SYNCED; the rejection is kept in last_error for the user.
func (s *Store) AbandonAttachment(localID, lastError string) error {
	res, err := s.conn.Exec(`
		UPDATE queue_records
		SET attachment_pending = 0, last_error = ?, lease_owner = '', lease_expires_at = 0
		WHERE local_id = ? AND status = ?
	`, lastError, localID, StatusSynced)
	if err != nil {
		return fmt.Errorf("failed to abandon attachment: %w", err)
	}
	return requireOneRow(res, localID, "abandon attachment")
}

// Quarantine marks an unreadable record so it never blocks the queue again.
func (s *Store) Quarantine(localID, reason string) error {
	_, err := s.conn.Exec(`
		UPDATE queue_records
		SET quarantined = 1, last_error = ?, lease_owner = '', lease_expires_at = 0
		WHERE local_id = ?
	`, reason, localID)
	if err != nil {
		return fmt.Errorf("failed to quarantine record: %w", err)
	}
	return nil
}

// Attachment retrieves the attachment blob for a record.
// Returns (nil, nil) if the record has no attachment.
func (s *Store) Attachment(localID string) (*Attachment, error) {
	row := s.conn.QueryRow(`SELECT local_id, content_type, data FROM queue_attachments WHERE local_id = ?`, localID)

	var a Attachment
	if err := row.Scan(&a.LocalID, &a.ContentType, &a.Data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan attachment: %w", err)
	}
	return &a, nil
}

// DeleteAttachment removes the local blob once it is no longer needed.
func (s *Store) DeleteAttachment(localID string) error {
	if _, err := s.conn.Exec(`DELETE FROM queue_attachments WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecordFrom scans a row into a Record. A row whose payload column does
// not decode produces a *CorruptRecordError carrying the local id.
func scanRecordFrom(s scanner) (*Record, error) {
	var rec Record
	var payloadJSON, status string
	var lastAttemptMs, nextAttemptMs, leaseExpiresMs, createdMs int64
	var attachmentPending, quarantined int

	err := s.Scan(
		&rec.LocalID,
		&payloadJSON,
		&status,
		&rec.AttemptCount,
		&lastAttemptMs,
		&nextAttemptMs,
		&rec.LastError,
		&rec.TicketNumber,
		&attachmentPending,
		&quarantined,
		&rec.LeaseOwner,
		&leaseExpiresMs,
		&createdMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Status = Status(status)
	rec.AttachmentPending = attachmentPending == 1
	rec.Quarantined = quarantined == 1
	rec.LastAttemptAt = millisToTime(lastAttemptMs)
	rec.NextAttemptAt = millisToTime(nextAttemptMs)
	rec.LeaseExpiresAt = millisToTime(leaseExpiresMs)
	rec.CreatedAt = millisToTime(createdMs)

	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		// Bookkeeping columns scanned fine; only the payload is bad.
		// Return the partial record so callers can still show it.
		return &rec, &CorruptRecordError{LocalID: rec.LocalID, Err: err}
	}

	return &rec, nil
}

// requireOneRow turns a zero-row update into an invalid-transition error.
func requireOneRow(res sql.Result, localID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cannot %s: record %s not in an eligible state", op, localID)
	}
	return nil
}

func asCorrupt(err error, target **CorruptRecordError) bool {
	c, ok := err.(*CorruptRecordError)
	if ok {
		*target = c
	}
	return ok
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
