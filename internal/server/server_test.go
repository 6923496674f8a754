package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/openvmc/fieldreport/internal/api"
	"github.com/openvmc/fieldreport/internal/server/db"
	"github.com/openvmc/fieldreport/internal/ticket"
)

func testServer(t *testing.T, token string) (*httptest.Server, *db.Store) {
	t.Helper()
	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "server.db"), "VMC")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(New(store, token).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func submitBody(localID string) []byte {
	body, _ := json.Marshal(api.SubmitRequest{
		LocalID:     localID,
		DeviceID:    "device-1",
		Latitude:    47.3677,
		Longitude:   8.5554,
		CategoryID:  3,
		Description: "pothole near tram stop",
		SubmittedAt: time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC),
	})
	return body
}

func postSubmit(t *testing.T, srv *httptest.Server, body []byte) (*http.Response, api.SubmitResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/v1/reports failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var out api.SubmitResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp, out
}

func TestSubmitAllocatesTicket(t *testing.T) {
	srv, _ := testServer(t, "")

	resp, out := postSubmit(t, srv, submitBody("local-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Replayed {
		t.Errorf("fresh submission marked replayed")
	}

	parsed, err := ticket.Parse(out.TicketNumber)
	if err != nil {
		t.Fatalf("ticket %q unparseable: %v", out.TicketNumber, err)
	}
	if parsed.Prefix != "VMC" || parsed.Counter != 1 {
		t.Errorf("ticket = %+v, want VMC counter 1", parsed)
	}
}

func TestSubmitReplayReturnsSameTicket(t *testing.T) {
	srv, _ := testServer(t, "")

	_, first := postSubmit(t, srv, submitBody("local-1"))
	resp, second := postSubmit(t, srv, submitBody("local-1"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	if !second.Replayed {
		t.Errorf("replay not flagged")
	}
	if second.TicketNumber != first.TicketNumber {
		t.Errorf("replay ticket = %q, want %q", second.TicketNumber, first.TicketNumber)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := testServer(t, "")

	mutate := func(f func(*api.SubmitRequest)) []byte {
		var req api.SubmitRequest
		json.Unmarshal(submitBody("local-1"), &req)
		f(&req)
		body, _ := json.Marshal(req)
		return body
	}

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"missing local id", mutate(func(r *api.SubmitRequest) { r.LocalID = "" })},
		{"missing device id", mutate(func(r *api.SubmitRequest) { r.DeviceID = "" })},
		{"latitude out of range", mutate(func(r *api.SubmitRequest) { r.Latitude = 91 })},
		{"longitude out of range", mutate(func(r *api.SubmitRequest) { r.Longitude = -181 })},
		{"missing category", mutate(func(r *api.SubmitRequest) { r.CategoryID = 0 })},
		{"missing submitted at", mutate(func(r *api.SubmitRequest) { r.SubmittedAt = time.Time{} })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postSubmit(t, srv, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAttachmentUpload(t *testing.T) {
	srv, store := testServer(t, "")

	_, out := postSubmit(t, srv, submitBody("local-1"))

	data := []byte{0xff, 0xd8, 0xff, 0xe0, 7, 8}
	url := fmt.Sprintf("%s/api/v1/reports/%s/attachment", srv.URL, out.TicketNumber)
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT attachment failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	stored, contentType, err := store.Attachment(context.Background(), out.TicketNumber)
	if err != nil {
		t.Fatalf("Attachment failed: %v", err)
	}
	if contentType != "image/jpeg" || len(stored) != len(data) {
		t.Errorf("stored attachment = %d bytes %q", len(stored), contentType)
	}
}

func TestAttachmentErrors(t *testing.T) {
	srv, _ := testServer(t, "")
	postSubmit(t, srv, submitBody("local-1"))

	put := func(path string, body []byte) int {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "image/jpeg")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT %s failed: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := put("/api/v1/reports/VMC-2026-999999/attachment", []byte{1}); code != http.StatusNotFound {
		t.Errorf("unknown ticket status = %d, want 404", code)
	}
	if code := put("/api/v1/reports/not-a-ticket/attachment", []byte{1}); code != http.StatusBadRequest {
		t.Errorf("malformed ticket status = %d, want 400", code)
	}
}

func TestListReports(t *testing.T) {
	srv, store := testServer(t, "")

	_, first := postSubmit(t, srv, submitBody("local-1"))
	postSubmit(t, srv, submitBody("local-2"))

	if err := store.SaveAttachment(context.Background(), first.TicketNumber, "image/jpeg", []byte{1}); err != nil {
		t.Fatalf("SaveAttachment failed: %v", err)
	}

	get := func(query string) (int, []db.Report) {
		resp, err := http.Get(srv.URL + "/api/v1/reports" + query)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		var out struct {
			Reports []db.Report `json:"reports"`
		}
		if resp.StatusCode == http.StatusOK {
			json.NewDecoder(resp.Body).Decode(&out)
		}
		return resp.StatusCode, out.Reports
	}

	code, all := get("")
	if code != http.StatusOK || len(all) != 2 {
		t.Errorf("list all = %d reports (status %d), want 2", len(all), code)
	}

	code, withAtt := get("?status=with_attachment")
	if code != http.StatusOK || len(withAtt) != 1 {
		t.Errorf("with_attachment = %d reports (status %d), want 1", len(withAtt), code)
	}
	if len(withAtt) == 1 && withAtt[0].TicketNumber != first.TicketNumber {
		t.Errorf("with_attachment ticket = %q, want %q", withAtt[0].TicketNumber, first.TicketNumber)
	}

	code, limited := get("?limit=1")
	if code != http.StatusOK || len(limited) != 1 {
		t.Errorf("limit=1 = %d reports (status %d), want 1", len(limited), code)
	}

	if code, _ := get("?status=bogus"); code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", code)
	}
	if code, _ := get("?year=abc"); code != http.StatusBadRequest {
		t.Errorf("bad year filter = %d, want 400", code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, "")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	srv, _ := testServer(t, "sekret")

	// No token.
	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json", bytes.NewReader(submitBody("local-1")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	// The api client sends the token on every request.
	client := api.New(srv.URL, "sekret")
	out, err := client.SubmitReport(context.Background(), api.SubmitRequest{
		LocalID:     "local-2",
		DeviceID:    "device-1",
		Latitude:    1,
		Longitude:   2,
		CategoryID:  3,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("authenticated SubmitReport failed: %v", err)
	}
	if out.TicketNumber == "" {
		t.Errorf("no ticket returned")
	}
}
