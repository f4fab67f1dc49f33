// Package client is a Go client for the execution endpoint, used by services
// that forward user code to the executor and by cmd/execctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/code-executor/internal/executor"
)

// DefaultTimeout is the per-request ceiling used when New is given zero.
const DefaultTimeout = 5 * time.Second

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Error is a non-2xx answer from the endpoint.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("executor returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("executor returned %d (%s): %s", e.Status, e.Type, e.Message)
}

// Client posts execution requests to one endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL authenticating with token, which is the
// shared secret or a service token signed with it.
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if token == "" {
		return nil, errors.New("client: bearer token is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Execute runs req on the remote executor.
func (c *Client) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("client: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, data)
	}

	var result executor.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("client: decoding response: %w", err)
	}
	return &result, nil
}

func decodeError(status int, data []byte) *Error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		return &Error{Status: status, Message: strings.TrimSpace(string(data))}
	}
	return &Error{Status: status, Type: body.Error, Message: body.Message}
}
