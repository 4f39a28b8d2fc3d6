// ABOUTME: HTTP client for the response-generation backend
// ABOUTME: Covers generate-response, assign-operator and save-salesrep-message

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FallbackSentinel is the generated reply meaning the backend cannot answer
// and the conversation must be handed to a human operator.
const FallbackSentinel = "Come again"

// GenerateResponse is the decoded body of a successful generation call. The
// embedded Status is the only success signal: anything other than 200 is a
// generation failure even when the HTTP layer succeeded.
type GenerateResponse struct {
	Status           int    `json:"status"`
	GeneratedComment string `json:"generated_comment"`
	Username         string `json:"username"`
	Success          bool   `json:"success"`
	Text             string `json:"text"`
}

// Fallback returns true when the backend signalled it cannot answer.
func (r *GenerateResponse) Fallback() bool {
	return r.GeneratedComment == FallbackSentinel
}

// AssignResponse is the decoded body of a successful assign-operator call.
type AssignResponse struct {
	Status         int  `json:"status"`
	AssignOperator bool `json:"assign_operator"`
}

// GenerationError reports a failed generation call: either the network call
// itself failed or the backend returned a non-200 status.
type GenerationError struct {
	ThreadID string
	Status   int // 0 when the call never reached the backend
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generating response for thread %s: %v", e.ThreadID, e.Err)
	}
	return fmt.Sprintf("generating response for thread %s: backend status %d", e.ThreadID, e.Status)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// FallbackAssignmentError reports a failed human-handoff call.
type FallbackAssignmentError struct {
	ThreadID string
	Status   int
	Err      error
}

func (e *FallbackAssignmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assigning operator for thread %s: %v", e.ThreadID, e.Err)
	}
	return fmt.Sprintf("assigning operator for thread %s: backend status %d", e.ThreadID, e.Status)
}

func (e *FallbackAssignmentError) Unwrap() error { return e.Err }

// Client talks to the response-generation backend.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the backend at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Generate submits a joined message batch for the thread and returns the
// backend's verdict. Returns *GenerationError on network failure, non-200 HTTP
// status, or non-200 body status.
func (c *Client) Generate(ctx context.Context, threadID, joined string) (*GenerateResponse, error) {
	url := fmt.Sprintf("%s/instagram/dflow/%s/generate-response/", c.baseURL, threadID)

	var out GenerateResponse
	status, err := c.post(ctx, url, map[string]string{"message": joined}, &out)
	if err != nil {
		return nil, &GenerationError{ThreadID: threadID, Err: err}
	}
	if status != http.StatusOK {
		return nil, &GenerationError{ThreadID: threadID, Status: status}
	}
	if out.Status != http.StatusOK {
		return nil, &GenerationError{ThreadID: threadID, Status: out.Status}
	}
	return &out, nil
}

// AssignOperator routes the thread to a human operator.
func (c *Client) AssignOperator(ctx context.Context, threadID string) (*AssignResponse, error) {
	url := fmt.Sprintf("%s/instagram/fallback/%s/assign-operator/", c.baseURL, threadID)

	var out AssignResponse
	status, err := c.post(ctx, url, map[string]string{"assigned_to": "Human"}, &out)
	if err != nil {
		return nil, &FallbackAssignmentError{ThreadID: threadID, Err: err}
	}
	if status != http.StatusOK {
		return nil, &FallbackAssignmentError{ThreadID: threadID, Status: status}
	}
	return &out, nil
}

// SaveSalesRepMessage persists a self-originated message for the thread.
func (c *Client) SaveSalesRepMessage(ctx context.Context, threadID, text string) error {
	url := fmt.Sprintf("%s/instagram/dm/%s/save-salesrep-message/", c.baseURL, threadID)

	status, err := c.post(ctx, url, map[string]string{"text": text}, nil)
	if err != nil {
		return fmt.Errorf("saving sales rep message for thread %s: %w", threadID, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("saving sales rep message for thread %s: backend status %d", threadID, status)
	}
	return nil
}

// post sends a JSON body and optionally decodes a JSON response. Returns the
// HTTP status code; the body is only decoded on 200.
func (c *Client) post(ctx context.Context, url string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}
