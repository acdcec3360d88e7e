package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnreachable marks a notification that failed because the aggregation
// service could not be reached at all. Callers treat it as a warning and
// leave the job parked in aggregating for the recovery monitor; any other
// failure is a real error.
var ErrUnreachable = errors.New("aggregation service unreachable")

// Notifier starts aggregation for a job on the external aggregation service.
type Notifier interface {
	StartAggregation(ctx context.Context, jobID uint64) error
}

// Client is the HTTP client for the aggregation microservice.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the aggregation service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// StartAggregation posts the job ID to the aggregation service. The service
// answers immediately and later calls back the finalize or
// aggregation-failed endpoint.
func (c *Client) StartAggregation(ctx context.Context, jobID uint64) error {
	payload, err := json.Marshal(map[string]uint64{"job_id": jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal aggregation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/aggregate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build aggregation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("aggregation service returned %s: %s", resp.Status, body)
	}
	return nil
}
