// Package db implements the server-side store: report rows, attachments, and
// the per-year ticket allocator.
//
// The allocator is a read-modify-write on a counter row executed inside the
// same serializable transaction that inserts the report. Either both commit
// or neither does, so a counter value can never be burned without its report
// and concurrent submissions can never observe the same counter value.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/geo/s2"
	_ "modernc.org/sqlite"

	"github.com/openvmc/fieldreport/internal/api"
	"github.com/openvmc/fieldreport/internal/ticket"
)

// s2CellLevel is the cell size stored per report for map clustering.
// Level 13 cells are roughly a city block.
const s2CellLevel = 13

// ErrUnknownTicket is returned when an attachment references a ticket the
// server never issued.
var ErrUnknownTicket = errors.New("unknown ticket")

// Report is one accepted incident report as stored on the server.
type Report struct {
	TicketNumber  string    `json:"ticket_number"`
	LocalID       string    `json:"local_id"`
	DeviceID      string    `json:"device_id"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	CategoryID    int       `json:"category_id"`
	Description   string    `json:"description"`
	S2Cell        string    `json:"s2_cell"`
	SubmittedAt   time.Time `json:"submitted_at"`
	ReceivedAt    time.Time `json:"received_at"`
	HasAttachment bool      `json:"has_attachment"`
}

// ListFilter narrows the report listing.
type ListFilter struct {
	Year   int    // 0 = all years
	Status string // "with_attachment", "metadata_only", "" = all
	Limit  int    // 0 = no limit
}

// Store is the server store over a SQL database.
type Store struct {
	conn   *sql.DB
	prefix string
	now    func() time.Time
	txOpts *sql.TxOptions
}

// Open connects with the given driver ("mysql" or "sqlite") and initializes
// the schema. The prefix is the ticket namespace, e.g. "VMC".
func Open(driver, dsn, prefix string) (*Store, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}

	s := New(conn, prefix)
	if driver == "sqlite" {
		// Single writer, same as the client queue. Every SQLite
		// transaction is serializable already, and the modernc driver
		// does not accept explicit isolation levels.
		conn.SetMaxOpenConns(1)
		s.txOpts = nil
	}
	if err := s.Init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without touching the schema.
func New(conn *sql.DB, prefix string) *Store {
	if prefix == "" {
		prefix = ticket.DefaultPrefix
	}
	return &Store{
		conn:   conn,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		txOpts: &sql.TxOptions{Isolation: sql.LevelSerializable},
	}
}

// Init creates the tables if they do not exist.
func (s *Store) Init() error {
	for _, ddl := range []string{createSequencesTableSQL, createReportsTableSQL} {
		if _, err := s.conn.Exec(ddl); err != nil {
			return fmt.Errorf("failed to initialize server schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// CreateReport allocates a ticket for the submission and stores the report,
// atomically. A local id the server has already resolved returns the
// previously allocated ticket with replayed=true and writes nothing.
func (s *Store) CreateReport(ctx context.Context, req api.SubmitRequest) (string, bool, error) {
	tx, err := s.conn.BeginTx(ctx, s.txOpts)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT ticket_number FROM reports WHERE local_id = ?`, req.LocalID).Scan(&existing)
	if err == nil {
		return existing, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to check for existing report: %w", err)
	}

	year := s.now().Year()
	counter, err := s.nextCounter(ctx, tx, year)
	if err != nil {
		return "", false, err
	}
	ticketNumber := ticket.Format(s.prefix, year, counter)

	cell := s2.CellIDFromLatLng(s2.LatLngFromDegrees(req.Latitude, req.Longitude)).Parent(s2CellLevel)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (ticket_number, local_id, device_id, latitude, longitude,
		                     category_id, description, s2_cell, submitted_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ticketNumber, req.LocalID, req.DeviceID, req.Latitude, req.Longitude,
		req.CategoryID, req.Description, cell.ToToken(),
		req.SubmittedAt.UTC().Format(time.RFC3339), s.now().Format(time.RFC3339))
	if err != nil {
		if isDuplicateKey(err) {
			// Lost a race with a concurrent delivery of the same local
			// id. Abandon this allocation and return the winner's
			// ticket.
			tx.Rollback()
			var winner string
			if err := s.conn.QueryRowContext(ctx, `SELECT ticket_number FROM reports WHERE local_id = ?`, req.LocalID).Scan(&winner); err != nil {
				return "", false, fmt.Errorf("failed to resolve duplicate local id: %w", err)
			}
			return winner, true, nil
		}
		return "", false, fmt.Errorf("failed to insert report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ticketNumber, false, nil
}

// nextCounter bumps and reads the year's counter inside the transaction. The
// first submission of a year creates the row at 1.
func (s *Store) nextCounter(ctx context.Context, tx *sql.Tx, year int) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE ticket_sequences SET counter = counter + 1 WHERE year = ?`, year)
	if err != nil {
		return 0, fmt.Errorf("failed to advance ticket counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ticket_sequences (year, counter) VALUES (?, 1)`, year); err != nil {
			if !isDuplicateKey(err) {
				return 0, fmt.Errorf("failed to create ticket counter for %d: %w", year, err)
			}
			// Another transaction created the year row first.
			if _, err := tx.ExecContext(ctx, `UPDATE ticket_sequences SET counter = counter + 1 WHERE year = ?`, year); err != nil {
				return 0, fmt.Errorf("failed to advance ticket counter: %w", err)
			}
		}
	}

	var counter int64
	if err := tx.QueryRowContext(ctx, `SELECT counter FROM ticket_sequences WHERE year = ?`, year).Scan(&counter); err != nil {
		return 0, fmt.Errorf("failed to read ticket counter: %w", err)
	}
	return counter, nil
}

// SaveAttachment stores the attachment bytes on an existing report.
// Re-uploading the attachment for the same ticket overwrites and succeeds.
func (s *Store) SaveAttachment(ctx context.Context, ticketNumber, contentType string, data []byte) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE reports SET attachment = ?, attachment_content_type = ?
		WHERE ticket_number = ?
	`, data, contentType, ticketNumber)
	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// MySQL reports zero affected rows for a value-identical update,
		// so distinguish "no such ticket" from an idempotent re-upload.
		var one int
		err := s.conn.QueryRowContext(ctx, `SELECT 1 FROM reports WHERE ticket_number = ?`, ticketNumber).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrUnknownTicket
		}
		if err != nil {
			return fmt.Errorf("failed to check ticket: %w", err)
		}
	}
	return nil
}

// Attachment returns the stored attachment bytes and content type, or
// ErrUnknownTicket. A report without an attachment returns nil bytes.
func (s *Store) Attachment(ctx context.Context, ticketNumber string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := s.conn.QueryRowContext(ctx, `
		SELECT attachment, attachment_content_type FROM reports WHERE ticket_number = ?
	`, ticketNumber).Scan(&data, &contentType)
	if err == sql.ErrNoRows {
		return nil, "", ErrUnknownTicket
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load attachment: %w", err)
	}
	return data, contentType, nil
}

// ListReports returns reports matching the filter, ordered by ticket number.
// Zero-padded counters make that order chronological within a year.
func (s *Store) ListReports(ctx context.Context, filter ListFilter) ([]Report, error) {
	query := `
		SELECT ticket_number, local_id, device_id, latitude, longitude, category_id,
		       description, s2_cell, submitted_at, received_at,
		       attachment IS NOT NULL
		FROM reports`

	var conds []string
	var args []interface{}
	if filter.Year != 0 {
		conds = append(conds, `ticket_number LIKE ?`)
		args = append(args, fmt.Sprintf("%s-%04d-%%", s.prefix, filter.Year))
	}
	switch filter.Status {
	case "with_attachment":
		conds = append(conds, `attachment IS NOT NULL`)
	case "metadata_only":
		conds = append(conds, `attachment IS NULL`)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ticket_number ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		var r Report
		var submittedAt, receivedAt string
		var hasAttachment int
		err := rows.Scan(&r.TicketNumber, &r.LocalID, &r.DeviceID, &r.Latitude,
			&r.Longitude, &r.CategoryID, &r.Description, &r.S2Cell,
			&submittedAt, &receivedAt, &hasAttachment)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		r.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
		r.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
		r.HasAttachment = hasAttachment == 1
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	return reports, nil
}

// isDuplicateKey recognizes unique-constraint violations from both supported
// drivers without importing their error types at every call site.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // modernc sqlite
		strings.Contains(msg, "duplicate entry") // mysql error 1062
}
