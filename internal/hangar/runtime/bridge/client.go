package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
)

// Client is a runtime.Backend backed by a remote bridge.
//
// It sets no request timeout of its own: image pulls can run for minutes
// and callers bound every call with the context.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ runtime.Backend = (*Client)(nil)

// NewClient creates a client for the bridge at baseURL
// (e.g. "http://10.0.0.7:9090").
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// remoteError is a decoded bridge failure.
type remoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *remoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge → %d", e.Status)
	}
	return fmt.Sprintf("bridge → %d (%s): %s", e.Status, e.Code, e.Message)
}

func (c *Client) Pull(ctx context.Context, image string) error {
	err := c.post(ctx, "/images/pull", PullRequest{Image: image}, nil)
	return translate(err, "", image)
}

func (c *Client) Create(ctx context.Context, spec runtime.CreationSpec) (string, error) {
	var resp CreateResponse
	if err := c.post(ctx, "/containers", spec, &resp); err != nil {
		return "", translate(err, spec.Name, spec.Image)
	}
	if resp.ID == "" {
		return "", &runtime.CreateError{Name: spec.Name, Image: spec.Image, Err: errors.New("bridge returned an empty id")}
	}
	return resp.ID, nil
}

func (c *Client) Start(ctx context.Context, id string) error {
	return translate(c.post(ctx, containerPath(id, "start"), nil, nil), "", "")
}

func (c *Client) Stop(ctx context.Context, id string, grace time.Duration) error {
	body := StopRequest{GraceMillis: grace.Milliseconds()}
	return translate(c.post(ctx, containerPath(id, "stop"), body, nil), "", "")
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	path := containerPath(id, "") + "?force=" + strconv.FormatBool(force)
	return translate(c.send(ctx, http.MethodDelete, path, nil, nil), "", "")
}

func (c *Client) Unpause(ctx context.Context, id string) error {
	return translate(c.post(ctx, containerPath(id, "unpause"), nil, nil), "", "")
}

func (c *Client) Inspect(ctx context.Context, id string) (runtime.State, error) {
	var st runtime.State
	if err := c.get(ctx, containerPath(id, "inspect"), &st); err != nil {
		return runtime.State{}, translate(err, "", "")
	}
	return st, nil
}

func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	var resp LogsResponse
	path := containerPath(id, "logs") + "?tail=" + strconv.Itoa(tail)
	if err := c.get(ctx, path, &resp); err != nil {
		return "", translate(err, "", "")
	}
	return resp.Logs, nil
}

func (c *Client) List(ctx context.Context) ([]runtime.ResourceInfo, error) {
	var out []runtime.ResourceInfo
	if err := c.get(ctx, "/containers", &out); err != nil {
		return nil, translate(err, "", "")
	}
	return out, nil
}

// Health calls GET /health. Used by startup checks.
func (c *Client) Health(ctx context.Context) error {
	return translate(c.get(ctx, "/health", nil), "", "")
}

func containerPath(id, action string) string {
	p := "/containers/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// translate maps transport and bridge failures onto the runtime taxonomy.
func translate(err error, name, image string) error {
	if err == nil {
		return nil
	}
	var re *remoteError
	if !errors.As(err, &re) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", runtime.ErrBackendUnavailable, err)
	}
	switch {
	case re.Code == CodeNotFound:
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, re.Message)
	case re.Code == CodeCreateFailed:
		return &runtime.CreateError{Name: name, Image: image, Err: errors.New(re.Message)}
	case re.Code == CodeUnavailable,
		re.Status == http.StatusBadGateway,
		re.Status == http.StatusServiceUnavailable,
		re.Status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", runtime.ErrBackendUnavailable, re)
	}
	return re
}

// --- internal helpers ---

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPost, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
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
	req.Header.Set(APIKeyHeader, c.apiKey)
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
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, ctxErr)
		}
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		re := &remoteError{Status: resp.StatusCode}
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil {
			re.Code, re.Message = errResp.Code, errResp.Error
		}
		return re
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
