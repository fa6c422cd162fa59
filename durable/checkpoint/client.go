// Package checkpoint is an HTTP client for a remote durable log.
//
// Client implements durable.LogClient, so a handler built with
// durable.WithLogClient(client) checkpoints over the network, and it exposes
// the control calls a host needs to drive executions: starting executions
// and invocations, completing invocations and callbacks, polling for changes
// and resolving operations.
//
//	client, err := checkpoint.New("http://127.0.0.1:9014")
//	if err != nil {
//		return err
//	}
//	inv, err := client.StartExecution(ctx, oplog.StartExecutionRequest{FunctionName: "orders"})
//	out, err := handler(ctx, inv.InvocationInput)
//
// Every error reported by the server is a *StatusError wrapping the sentinel
// its message describes, so errors.Is works across the wire:
//
//	if errors.Is(err, durable.ErrInvalidCheckpointToken) { ... }
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

// DefaultTimeout bounds every request except Poll.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client for the durable log. It is safe for concurrent
// use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for the durable log served at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid durable log url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid durable log url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    http.DefaultClient,
		logger:  slog.New(slog.DiscardHandler),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Checkpoint appends a batch of updates.
func (c *Client) Checkpoint(ctx context.Context, req durable.CheckpointRequest) (*durable.CheckpointResponse, error) {
	var resp durable.CheckpointResponse
	path := "/" + url.PathEscape(req.DurableExecutionArn) + "/checkpoint"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExecutionState reads one page of operations.
func (c *Client) GetExecutionState(ctx context.Context, req durable.StateRequest) (*durable.StateResponse, error) {
	q := url.Values{}
	if req.CheckpointToken != "" {
		q.Set("CheckpointToken", req.CheckpointToken)
	}
	if req.Marker != "" {
		q.Set("Marker", req.Marker)
	}
	if req.MaxItems > 0 {
		q.Set("MaxItems", strconv.Itoa(req.MaxItems))
	}
	var resp durable.StateResponse
	path := "/" + url.PathEscape(req.DurableExecutionArn) + "/state"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartExecution creates an execution and starts its first invocation.
func (c *Client) StartExecution(ctx context.Context, req oplog.StartExecutionRequest) (*oplog.Invocation, error) {
	var inv oplog.Invocation
	if err := c.do(ctx, http.MethodPost, "/start", nil, req, &inv, true); err != nil {
		return nil, err
	}
	return &inv, nil
}

// StartInvocation starts another invocation of a running execution.
func (c *Client) StartInvocation(ctx context.Context, arn string) (*oplog.Invocation, error) {
	var inv oplog.Invocation
	if err := c.do(ctx, http.MethodPost, "/invocations/"+url.PathEscape(arn)+"/start", nil, struct{}{}, &inv, true); err != nil {
		return nil, err
	}
	return &inv, nil
}

// CompleteInvocation reports the outcome of an invocation and returns the
// execution as it stands afterwards.
func (c *Client) CompleteInvocation(ctx context.Context, req oplog.CompleteInvocationRequest) (*ExecutionSummary, error) {
	var out ExecutionSummary
	path := "/invocations/" + url.PathEscape(req.DurableExecutionArn) + "/complete"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll waits for operations changed since the previous poll. It returns an
// empty list when the server's long-poll window elapses first.
func (c *Client) Poll(ctx context.Context, arn string) ([]durable.Operation, error) {
	var resp PollResponse
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(arn)+"/poll", nil, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// UpdateOperation resolves an operation from outside the workflow.
func (c *Client) UpdateOperation(ctx context.Context, arn, operationID string, u oplog.OperationUpdate) (*durable.Operation, error) {
	var resp UpdateOperationResponse
	path := "/executions/" + url.PathEscape(arn) + "/operations/" + url.PathEscape(operationID)
	if err := c.do(ctx, http.MethodPost, path, nil, u, &resp, true); err != nil {
		return nil, err
	}
	return resp.Operation, nil
}

// History returns everything recorded for an execution.
func (c *Client) History(ctx context.Context, arn string) (*History, error) {
	var h History
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(arn)+"/history", nil, nil, &h, true); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListExecutions lists executions, optionally filtered by status.
func (c *Client) ListExecutions(ctx context.Context, status store.ExecutionStatus) ([]ExecutionSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/executions", q, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// SucceedCallback completes a callback. The result is sent as the raw body.
func (c *Client) SucceedCallback(ctx context.Context, callbackID string, result *string) error {
	var body []byte
	if result != nil {
		body = []byte(*result)
	}
	return c.doRaw(ctx, "/callbacks/"+url.PathEscape(callbackID)+"/succeed", body)
}

// FailCallback fails a callback.
func (c *Client) FailCallback(ctx context.Context, callbackID string, e *durable.ErrorObject) error {
	if e == nil {
		e = &durable.ErrorObject{}
	}
	return c.do(ctx, http.MethodPost, "/callbacks/"+url.PathEscape(callbackID)+"/fail", nil, e, nil, true)
}

// HeartbeatCallback records a heartbeat for a callback.
func (c *Client) HeartbeatCallback(ctx context.Context, callbackID string) error {
	return c.do(ctx, http.MethodPost, "/callbacks/"+url.PathEscape(callbackID)+"/heartbeat", nil, struct{}{}, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, bounded bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	return c.send(ctx, method, path, query, body, "application/json", out, bounded)
}

func (c *Client) doRaw(ctx context.Context, path string, data []byte) error {
	return c.send(ctx, http.MethodPost, path, nil, bytes.NewReader(data), "application/octet-stream", nil, true)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any, bounded bool) error {
	if bounded && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	began := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("durable log request",
		"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(began))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if jerr := json.Unmarshal(data, &e); jerr != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
			if e.Message == "" {
				e.Message = http.StatusText(resp.StatusCode)
			}
		}
		return statusError(resp.StatusCode, e.Message)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// IsRemote reports whether err came back from the durable log server rather
// than from the transport.
func IsRemote(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
