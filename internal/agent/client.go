// Package agent implements the worker loop: claim queued jobs, drive the
// sandbox executor, stream logs back in batches, and report terminal status.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks the worker protocol against the coordinator.
type Client struct {
	BaseURL  string
	Token    string
	WorkerID string
	HTTP     *http.Client
}

// NewClient constructs a worker protocol client.
func NewClient(baseURL, token, workerID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		WorkerID: workerID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Job is the coordinator's job snapshot as seen by the worker.
type Job struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	Sandbox        string  `json:"sandbox"`
	Image          *string `json:"image"`
	Command        string  `json:"command"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Chunk is one log record in an append batch. Seq is advisory; the server
// assigns the real sequence.
type Chunk struct {
	Seq    int64     `json:"seq"`
	TS     time.Time `json:"ts"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

type claimResponse struct {
	Job *Job `json:"job"`
}

// StatusError is a non-2xx coordinator response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Claim asks for the next queued job. A nil job means the queue is empty or
// blocked on quotas.
func (c *Client) Claim(ctx context.Context) (*Job, error) {
	var out claimResponse
	if err := c.post(ctx, "/v1/worker/claim", nil, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// AppendLogs ships a batch of chunks for the job.
func (c *Client) AppendLogs(ctx context.Context, jobID string, chunks []Chunk) error {
	body := map[string]any{"chunks": chunks}
	return c.post(ctx, "/v1/worker/jobs/"+jobID+"/logs", body, nil)
}

// Finish reports the job's terminal status.
func (c *Client) Finish(ctx context.Context, jobID, status string, exitCode *int, errMsg *string) error {
	body := map[string]any{"status": status, "exit_code": exitCode, "error": errMsg}
	return c.post(ctx, "/v1/worker/jobs/"+jobID+"/finish", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("op=agent.post: encode: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("op=agent.post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-Token", c.Token)
	req.Header.Set("X-Worker-Id", c.WorkerID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=agent.post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("op=agent.post %s: %w", path, &StatusError{Code: resp.StatusCode, Body: string(b)})
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("op=agent.post %s: decode: %w", path, err)
		}
	}
	return nil
}
