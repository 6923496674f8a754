package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/openvmc/fieldreport/internal/ticket"
)

// MockServer provides a fake central service for testing the client and the
// sync engine. It implements the same idempotency contract as the real
// server: a replayed local id returns the ticket allocated on first delivery.
type MockServer struct {
	*httptest.Server

	mu          sync.Mutex
	prefix      string
	year        int
	counter     int64
	tickets     map[string]string // local id -> ticket number
	attachments map[string][]byte // ticket number -> data

	submitCalls     int
	attachmentCalls int

	failSubmits     int // remaining submits answered with 503
	failAttachments int // remaining attachment uploads answered with 503
	rejectCategory  int // category id answered with 422, 0 = disabled
	conflictReplays bool
}

// NewMockServer creates a mock central service. The allocator starts at 1
// for the given year.
func NewMockServer(prefix string, year int) *MockServer {
	m := &MockServer{
		prefix:      prefix,
		year:        year,
		tickets:     make(map[string]string),
		attachments: make(map[string][]byte),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.handleSubmit(w, r)
	})

	mux.HandleFunc("/api/v1/reports/", func(w http.ResponseWriter, r *http.Request) {
		// PUT /api/v1/reports/{ticket}/attachment
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/reports/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[1] != "attachment" || r.Method != http.MethodPut {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		m.handleAttachment(w, r, parts[0])
	})

	m.Server = httptest.NewServer(mux)
	return m
}

func (m *MockServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitCalls++

	if m.failSubmits > 0 {
		m.failSubmits--
		writeJSONError(w, http.StatusServiceUnavailable, "allocator unavailable")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.LocalID == "" {
		writeJSONError(w, http.StatusBadRequest, "local_id is required")
		return
	}
	if m.rejectCategory != 0 && req.CategoryID == m.rejectCategory {
		writeJSONError(w, http.StatusUnprocessableEntity, "unknown category")
		return
	}

	if tn, ok := m.tickets[req.LocalID]; ok {
		if m.conflictReplays {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(errorResponse{Error: "already submitted", TicketNumber: tn})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SubmitResponse{TicketNumber: tn, Replayed: true})
		return
	}

	m.counter++
	tn := ticket.Format(m.prefix, m.year, m.counter)
	m.tickets[req.LocalID] = tn

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SubmitResponse{TicketNumber: tn})
}

func (m *MockServer) handleAttachment(w http.ResponseWriter, r *http.Request, ticketNumber string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attachmentCalls++

	if m.failAttachments > 0 {
		m.failAttachments--
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	known := false
	for _, tn := range m.tickets {
		if tn == ticketNumber {
			known = true
			break
		}
	}
	if !known {
		writeJSONError(w, http.StatusNotFound, "unknown ticket")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	m.attachments[ticketNumber] = data
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// Ticket returns the ticket allocated for a local id (for test assertions).
func (m *MockServer) Ticket(localID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickets[localID]
}

// AttachmentData returns the uploaded attachment bytes for a ticket.
func (m *MockServer) AttachmentData(ticketNumber string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachments[ticketNumber]
}

// SubmitCalls returns how many metadata submissions the server has seen.
func (m *MockServer) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// AttachmentCalls returns how many attachment uploads the server has seen.
func (m *MockServer) AttachmentCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachmentCalls
}

// FailNextSubmits makes the next n metadata submissions fail with 503.
func (m *MockServer) FailNextSubmits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmits = n
}

// FailNextAttachments makes the next n attachment uploads fail with 503.
func (m *MockServer) FailNextAttachments(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAttachments = n
}

// RejectCategory makes submissions with the given category id fail with 422.
func (m *MockServer) RejectCategory(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectCategory = id
}

// ReplayWithConflict makes replayed local ids answer 409 with the existing
// ticket in the error body instead of a 200 replay.
func (m *MockServer) ReplayWithConflict(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictReplays = enabled
}
