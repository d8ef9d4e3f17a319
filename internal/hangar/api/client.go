package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Hangar/common/trace"
)

// DefaultTimeout bounds a single control API call. Synchronous provisioning
// may wait on an image pull, so it is generous.
const DefaultTimeout = 12 * time.Minute

// Client talks to the Hangar control API.
type Client struct {
	baseURL    string
	secret     string
	cronSecret string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithCronSecret sets the bearer token sent on sweep calls.
func WithCronSecret(secret string) Option {
	return func(c *Client) { c.cronSecret = secret }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the API at baseURL
// (e.g. "http://127.0.0.1:8080"). secret is sent as X-Internal-Auth.
func NewClient(baseURL, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx response from the API.
type Error struct {
	Status  int
	Message string
	TraceID string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.TraceID != "" {
		return fmt.Sprintf("hangar → %d: %s (trace %s)", e.Status, msg, e.TraceID)
	}
	return fmt.Sprintf("hangar → %d: %s", e.Status, msg)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	if err := c.get(ctx, "/v1/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	var out User
	if err := c.post(ctx, "/v1/users", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var out User
	if err := c.get(ctx, userPath(id, ""), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GrantCredits adds amount to the user's balance and returns the updated user.
func (c *Client) GrantCredits(ctx context.Context, id string, amount int64, description string) (*User, error) {
	var out User
	req := GrantRequest{Amount: amount, Description: description}
	if err := c.post(ctx, userPath(id, "credits"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyBalance checks the user's balance against the ledger. A mismatch is
// returned as an *Error with status 500.
func (c *Client) VerifyBalance(ctx context.Context, id string) (*Verify, error) {
	var out Verify
	if err := c.get(ctx, userPath(id, "verify"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UserRuntimes(ctx context.Context, id string) ([]Runtime, error) {
	var out []Runtime
	if err := c.get(ctx, userPath(id, "runtimes"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ledger returns the newest entries first. limit <= 0 uses the server default.
func (c *Client) Ledger(ctx context.Context, id string, limit int) ([]LedgerEntry, error) {
	path := userPath(id, "ledger")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []LedgerEntry
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Provision(ctx context.Context, req ProvisionRequest) (*Handle, error) {
	var out Handle
	if err := c.post(ctx, "/v1/runtimes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	var out Runtime
	if err := c.get(ctx, runtimePath(id, ""), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopRuntime(ctx context.Context, id string) (*StopResult, error) {
	var out StopResult
	if err := c.send(ctx, http.MethodDelete, runtimePath(id, ""), nil, &out, c.internalAuth); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ExtendRuntime(ctx context.Context, id string, hours int) (*ExtendResult, error) {
	var out ExtendResult
	if err := c.post(ctx, runtimePath(id, "extend"), ExtendRequest{Hours: hours}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnsureRunning returns the action taken: "none", "started" or "unpaused".
func (c *Client) EnsureRunning(ctx context.Context, id string) (string, error) {
	var out EnsureResult
	if err := c.post(ctx, runtimePath(id, "ensure-running"), nil, &out); err != nil {
		return "", err
	}
	return out.Action, nil
}

// Logs returns the last tail lines. tail <= 0 uses the server default.
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	path := runtimePath(id, "logs")
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out Logs
	if err := c.get(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// EnqueueProvision queues an asynchronous provision and returns the task.
func (c *Client) EnqueueProvision(ctx context.Context, req ProvisionRequest) (*Task, error) {
	var out Task
	if err := c.post(ctx, "/v1/provision-tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask reads a provisioning task. The credential of a succeeded task is
// only present on the first read.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.get(ctx, "/v1/provision-tasks/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep triggers one sweep pass: SweepExpiry, SweepOrphans or SweepDrift.
func (c *Client) Sweep(ctx context.Context, kind string) (*Sweep, error) {
	var out Sweep
	if err := c.send(ctx, http.MethodPost, "/v1/sweeps/"+url.PathEscape(kind), nil, &out, c.cronAuth); err != nil {
		return nil, err
	}
	return &out, nil
}

func userPath(id, action string) string {
	p := "/v1/users/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func runtimePath(id, action string) string {
	p := "/v1/runtimes/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) internalAuth(req *http.Request) {
	if c.secret != "" {
		req.Header.Set(InternalAuthHeader, c.secret)
	}
}

func (c *Client) cronAuth(req *http.Request) {
	if c.cronSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cronSecret)
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, out, c.internalAuth)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPost, path, body, out, c.internalAuth)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any, auth func(*http.Request)) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth(req)
	setTraceHeader(req, ctx)
	return c.do(req, out)
}

// setTraceHeader injects the trace ID from ctx into the X-Trace-ID request header.
func setTraceHeader(req *http.Request, ctx context.Context) {
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.Header, traceID)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode, TraceID: resp.Header.Get(trace.Header)}
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil {
			apiErr.Message = errResp.Error
			if errResp.TraceID != "" {
				apiErr.TraceID = errResp.TraceID
			}
		}
		return apiErr
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
