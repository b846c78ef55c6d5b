// Package controlplane reports job outcomes back to the control plane that
// issued the assignment.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/mattjoyce/simrunner/internal/controlplane Client

// Report statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// SignatureHeader carries the HMAC-SHA256 signature of a signed report body.
const SignatureHeader = "X-Simrunner-Signature"

// Report is the terminal result of one assignment.
type Report struct {
	AssignmentID string          `json:"assignment_id"`
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	FailedStage  string          `json:"failed_stage,omitempty"`
	Error        string          `json:"error,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// Client delivers reports to the control plane.
type Client interface {
	ReportResult(ctx context.Context, r Report) error
}

// Nop discards reports. It is used for local one-shot runs.
type Nop struct{}

// ReportResult implements Client.
func (Nop) ReportResult(context.Context, Report) error { return nil }

// HTTPClient posts reports as JSON to <base>/assignments/{id}/result.
type HTTPClient struct {
	baseURL string
	token   string
	secret  string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a control-plane client. Reports are signed when secret
// is non-empty.
func NewHTTPClient(baseURL, token, secret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// ReportResult implements Client.
func (c *HTTPClient) ReportResult(ctx context.Context, r Report) error {
	if r.AssignmentID == "" {
		return fmt.Errorf("report has no assignment id")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	target := fmt.Sprintf("%s/assignments/%s/result", c.baseURL, url.PathEscape(r.AssignmentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, c.secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post report for assignment %s: %w", r.AssignmentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post report for assignment %s: status %d: %s",
			r.AssignmentID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
