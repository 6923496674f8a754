// Package api provides the HTTP client for the fieldreport central service.
//
// Every submission carries the record's local id as an idempotency key, so the
// client may safely retry any request: the server resolves a replayed local id
// to the ticket it already allocated instead of creating a duplicate.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SubmitRequest is the metadata payload for one incident report.
type SubmitRequest struct {
	LocalID     string    `json:"local_id"`
	DeviceID    string    `json:"device_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CategoryID  int       `json:"category_id"`
	Description string    `json:"description"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmitResponse is the server's answer to a metadata submission.
// Replayed is true when the local id had already been resolved and the
// returned ticket number is the one allocated on the first delivery.
type SubmitResponse struct {
	TicketNumber string `json:"ticket_number"`
	Replayed     bool   `json:"replayed"`
}

// errorResponse is the error body returned by the server.
type errorResponse struct {
	Error        string `json:"error"`
	TicketNumber string `json:"ticket_number,omitempty"`
}

// Client talks to the fieldreport central service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the service at baseURL.
// The token is sent as a bearer token on every request; it may be empty
// when the server runs without authentication.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request with authentication headers set.
func (c *Client) doRequest(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: method + " " + url, Err: err}
	}

	return resp, nil
}

// SubmitReport delivers report metadata and returns the allocated ticket.
//
// Error classification:
//   - connection failures, 408, 429 and 5xx become TransientError (retryable)
//   - 409 becomes ConflictError carrying the already-allocated ticket
//   - any other 4xx becomes ValidationError (never retried)
func (c *Client) SubmitReport(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	url := c.baseURL + "/api/v1/reports"
	resp, err := c.doRequest(ctx, http.MethodPost, url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError("submit report", resp)
	}

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransientError{Op: "submit report", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if out.TicketNumber == "" {
		return nil, &TransientError{Op: "submit report", Err: fmt.Errorf("server returned empty ticket number")}
	}

	return &out, nil
}

// UploadAttachment delivers the binary attachment for an already-ticketed
// report. Re-uploading the attachment for the same ticket is a no-op success
// on the server, so this call is safe to retry.
func (c *Client) UploadAttachment(ctx context.Context, ticketNumber, contentType string, data []byte) error {
	url := fmt.Sprintf("%s/api/v1/reports/%s/attachment", c.baseURL, ticketNumber)
	resp, err := c.doRequest(ctx, http.MethodPut, url, contentType, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.classifyError("upload attachment", resp)
	}

	return nil
}

// Probe checks service reachability. It reports true only on a 200 from the
// health endpoint; the connectivity monitor uses it as its reachability signal.
func (c *Client) Probe(ctx context.Context) bool {
	resp, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/healthz", "", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// classifyError maps a non-OK HTTP response onto the error taxonomy.
func (c *Client) classifyError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp errorResponse
	message := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		message = errResp.Error
	} else {
		message = string(bytes.TrimSpace(body))
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{TicketNumber: errResp.TicketNumber}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server error: %s - %s", resp.Status, message)}
	case resp.StatusCode >= 400:
		return &ValidationError{StatusCode: resp.StatusCode, Message: message}
	default:
		return &TransientError{Op: op, Err: fmt.Errorf("unexpected status: %s - %s", resp.Status, message)}
	}
}
