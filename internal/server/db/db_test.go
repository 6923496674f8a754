package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/openvmc/fieldreport/internal/api"
	"github.com/openvmc/fieldreport/internal/ticket"
)

func testServerStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "server.db"), "VMC")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func submitReq(localID string) api.SubmitRequest {
	return api.SubmitRequest{
		LocalID:     localID,
		DeviceID:    "device-1",
		Latitude:    47.3677,
		Longitude:   8.5554,
		CategoryID:  3,
		Description: "pothole near tram stop",
		SubmittedAt: time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC),
	}
}

func TestCreateReportAllocatesSequentialTickets(t *testing.T) {
	s := testServerStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		localID := fmt.Sprintf("local-%d", i)
		tn, replayed, err := s.CreateReport(ctx, submitReq(localID))
		if err != nil {
			t.Fatalf("CreateReport %s failed: %v", localID, err)
		}
		if replayed {
			t.Errorf("%s: fresh submission marked replayed", localID)
		}
		want := fmt.Sprintf("VMC-2026-%06d", i)
		if tn != want {
			t.Errorf("%s: ticket = %q, want %q", localID, tn, want)
		}
	}
}

func TestCreateReportReplaySameTicket(t *testing.T) {
	s := testServerStore(t)
	ctx := context.Background()

	first, replayed, err := s.CreateReport(ctx, submitReq("local-1"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if replayed {
		t.Errorf("first submission marked replayed")
	}

	second, replayed, err := s.CreateReport(ctx, submitReq("local-1"))
	if err != nil {
		t.Fatalf("replay CreateReport failed: %v", err)
	}
	if !replayed {
		t.Errorf("replay not marked replayed")
	}
	if second != first {
		t.Errorf("replay ticket = %q, want %q", second, first)
	}

	// Exactly one row, and the replay burned no counter value.
	reports, err := s.ListReports(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(reports) != 1 {
		t.Errorf("report count = %d, want 1", len(reports))
	}

	tn, _, err := s.CreateReport(ctx, submitReq("local-2"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if tn != "VMC-2026-000002" {
		t.Errorf("next ticket = %q, want VMC-2026-000002 (replay must not advance the counter)", tn)
	}
}

func TestYearRollover(t *testing.T) {
	s := testServerStore(t)
	ctx := context.Background()

	s.now = func() time.Time { return time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC) }
	lastOfYear, _, err := s.CreateReport(ctx, submitReq("local-2026"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if lastOfYear != "VMC-2026-000001" {
		t.Errorf("2026 ticket = %q", lastOfYear)
	}

	s.now = func() time.Time { return time.Date(2027, 1, 1, 0, 1, 0, 0, time.UTC) }
	firstOfYear, _, err := s.CreateReport(ctx, submitReq("local-2027"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if firstOfYear != "VMC-2027-000001" {
		t.Errorf("2027 ticket = %q, want a counter restarted at 1", firstOfYear)
	}

	// The old year's sequence is left alone.
	s.now = func() time.Time { return time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC) }
	tn, _, err := s.CreateReport(ctx, submitReq("local-2027-b"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if tn != "VMC-2027-000002" {
		t.Errorf("ticket = %q, want VMC-2027-000002", tn)
	}
}

func TestConcurrentAllocationsAreDistinctAndDense(t *testing.T) {
	s := testServerStore(t)
	ctx := context.Background()

	const n = 20
	tickets := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tickets[i], _, errs[i] = s.CreateReport(ctx, submitReq(fmt.Sprintf("local-%d", i)))
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("CreateReport %d failed: %v", i, errs[i])
		}
		parsed, err := ticket.Parse(tickets[i])
		if err != nil {
			t.Fatalf("ticket %q unparseable: %v", tickets[i], err)
		}
		if seen[parsed.Counter] {
			t.Errorf("counter %d allocated twice", parsed.Counter)
		}
		seen[parsed.Counter] = true
	}

	// Dense: counters are exactly 1..n.
	for c := int64(1); c <= n; c++ {
		if !seen[c] {
			t.Errorf("counter %d missing from allocation", c)
		}
	}
}

func TestSaveAttachment(t *testing.T) {
	s := testServerStore(t)
	ctx := context.Background()

	tn, _, err := s.CreateReport(ctx, submitReq("local-1"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}

	data := []byte{0xff, 0xd8, 0xff, 0xe0, 5, 6}
	if err := s.SaveAttachment(ctx, tn, "image/jpeg", data); err != nil {
		t.Fatalf("SaveAttachment failed: %v", err)
	}

	got, contentType, err := s.Attachment(ctx, tn)
	if err != nil {
		t.Fatalf("Attachment failed: %v", err)
	}
	if contentType != "image/jpeg" {
		t.Errorf("content type = %q", contentType)
	}
	if len(got) != len(data) {
		t.Errorf("attachment size = %d, want %d", len(got), len(data))
	}

	// Re-uploading identical bytes is an idempotent success.
	if err := s.SaveAttachment(ctx, tn, "image/jpeg", data); err != nil {
		t.Errorf("idempotent re-upload failed: %v", err)
	}
}

func TestSaveAttachmentUnknownTicket(t *testing.T) {
	s := testServerStore(t)

	err := s.SaveAttachment(context.Background(), "VMC-2026-999999", "image/jpeg", []byte{1})
	if err != ErrUnknownTicket {
		t.Errorf("err = %v, want ErrUnknownTicket", err)
	}
}

func TestListReportsFilters(t *testing.T) {
	s := testServerStore(t)
	ctx := context.Background()

	s.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	t1, _, _ := s.CreateReport(ctx, submitReq("local-1"))
	s.CreateReport(ctx, submitReq("local-2"))
	s.now = func() time.Time { return time.Date(2027, 4, 1, 10, 0, 0, 0, time.UTC) }
	s.CreateReport(ctx, submitReq("local-3"))

	if err := s.SaveAttachment(ctx, t1, "image/jpeg", []byte{1, 2}); err != nil {
		t.Fatalf("SaveAttachment failed: %v", err)
	}

	all, err := s.ListReports(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all count = %d, want 3", len(all))
	}

	y2026, err := s.ListReports(ctx, ListFilter{Year: 2026})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(y2026) != 2 {
		t.Errorf("2026 count = %d, want 2", len(y2026))
	}

	withAtt, err := s.ListReports(ctx, ListFilter{Status: "with_attachment"})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(withAtt) != 1 || withAtt[0].TicketNumber != t1 {
		t.Errorf("with_attachment = %+v, want only %s", withAtt, t1)
	}

	limited, err := s.ListReports(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited count = %d, want 1", len(limited))
	}

	if all[0].S2Cell == "" {
		t.Errorf("s2 cell not stored")
	}
}

func TestCreateReportRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
	}{
		{
			name: "begin fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(fmt.Errorf("connection lost"))
			},
		},
		{
			name: "counter update fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT ticket_number FROM reports").
					WithArgs("local-1").
					WillReturnError(sql.ErrNoRows)
				mock.ExpectExec("UPDATE ticket_sequences").
					WillReturnError(fmt.Errorf("table locked"))
				mock.ExpectRollback()
			},
		},
		{
			name: "report insert fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT ticket_number FROM reports").
					WithArgs("local-1").
					WillReturnError(sql.ErrNoRows)
				mock.ExpectExec("UPDATE ticket_sequences").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery("SELECT counter FROM ticket_sequences").
					WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(7))
				mock.ExpectExec("INSERT INTO reports").
					WillReturnError(fmt.Errorf("disk full"))
				mock.ExpectRollback()
			},
		},
		{
			name: "commit fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT ticket_number FROM reports").
					WithArgs("local-1").
					WillReturnError(sql.ErrNoRows)
				mock.ExpectExec("UPDATE ticket_sequences").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery("SELECT counter FROM ticket_sequences").
					WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(7))
				mock.ExpectExec("INSERT INTO reports").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit().WillReturnError(fmt.Errorf("commit failed"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New failed: %v", err)
			}
			defer conn.Close()

			tt.setup(mock)

			s := New(conn, "VMC")
			s.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }

			_, _, err = s.CreateReport(context.Background(), submitReq("local-1"))
			if err == nil {
				t.Fatalf("expected error, got nil")
			}

			// Allocation and insert either commit together or roll back
			// together.
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestCreateReportFirstOfYearInsertsSequenceRow(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT ticket_number FROM reports").
		WithArgs("local-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE ticket_sequences").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ticket_sequences").
		WithArgs(2026).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT counter FROM ticket_sequences").
		WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(1))
	mock.ExpectExec("INSERT INTO reports").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := New(conn, "VMC")
	s.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }

	tn, replayed, err := s.CreateReport(context.Background(), submitReq("local-1"))
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if replayed {
		t.Errorf("fresh submission marked replayed")
	}
	if tn != "VMC-2026-000001" {
		t.Errorf("ticket = %q, want VMC-2026-000001", tn)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
