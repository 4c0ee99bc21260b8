package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wingetdash/fleet/internal/httputil"
)

// APIKeyHeader carries the shared fleet API key on every request.
const APIKeyHeader = "X-API-Key"

// ErrNetworkUnavailable wraps every failure to reach an endpoint at all:
// dial errors, timeouts, and retryable statuses that never cleared.
var ErrNetworkUnavailable = errors.New("network unavailable")

// StatusError is a definitive non-2xx reply from the server.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
}

// IsUnreachable reports whether err means the endpoint could not serve the
// request: the network failed or the server answered with a 5xx.
func IsUnreachable(err error) bool {
	if errors.Is(err, ErrNetworkUnavailable) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}

// Client talks to one fleet server endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: httputil.PollRetryConfig(),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithRetry replaces the retry policy.
func (c *Client) WithRetry(cfg httputil.RetryConfig) *Client {
	c.retry = cfg
	return c
}

// BaseURL returns the endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchTasks claims and returns the host's pending tasks.
func (c *Client) FetchTasks(ctx context.Context, hostname string) ([]Task, error) {
	var tasks []Task
	err := c.do(ctx, "fetch tasks", http.MethodGet, "/api/tasks/"+url.PathEscape(hostname), nil, &tasks)
	return tasks, err
}

// ReportResult posts the outcome of one task.
func (c *Client) ReportResult(ctx context.Context, result TaskResult) error {
	return c.do(ctx, "report result", http.MethodPost, "/api/tasks/result", result, nil)
}

// SendReport posts a full inventory snapshot.
func (c *Client) SendReport(ctx context.Context, report *InventoryReport) error {
	return c.do(ctx, "send report", http.MethodPost, "/api/report", report, nil)
}

// ReportUpdateStatus posts the outcome of a self-update.
func (c *Client) ReportUpdateStatus(ctx context.Context, report UpdateStatusReport) error {
	return c.do(ctx, "report update status", http.MethodPost, "/api/agent/update_status", report, nil)
}

// Blacklist returns the server-side blacklist keywords.
func (c *Client) Blacklist(ctx context.Context) ([]string, error) {
	var bl Blacklist
	if err := c.do(ctx, "fetch blacklist", http.MethodGet, "/api/settings/blacklist", nil, &bl); err != nil {
		return nil, err
	}
	return bl.Keywords, nil
}

// CurrentBundle returns the descriptor of the published agent bundle.
func (c *Client) CurrentBundle(ctx context.Context) (*BundleInfo, error) {
	var info BundleInfo
	if err := c.do(ctx, "fetch bundle info", http.MethodGet, "/api/agent/bundle", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Download streams the resource at rawURL, which must live on this server,
// into w. The API key is sent along.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return 0, err
	}

	headers := http.Header{}
	headers.Set(APIKeyHeader, c.apiKey)
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, target, nil, headers, c.retry)
	if err != nil {
		return 0, fmt.Errorf("download: %w: %w", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, readStatusError("download", resp)
	}
	return io.Copy(w, resp.Body)
}

// resolve turns a relative bundle URL into an absolute one and rejects
// URLs pointing at a different host, so the API key never leaks.
func (c *Client) resolve(rawURL string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid download url: %w", err)
	}
	abs := base.ResolveReference(ref)
	if !strings.EqualFold(abs.Host, base.Host) {
		return "", fmt.Errorf("download url host %q does not match server host %q", abs.Host, base.Host)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported download scheme %q", abs.Scheme)
	}
	return abs.String(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
	}

	headers := http.Header{}
	headers.Set(APIKeyHeader, c.apiKey)
	headers.Set("Accept", "application/json")
	if body != nil {
		headers.Set("Content-Type", "application/json")
	}

	resp, err := httputil.Do(ctx, c.httpClient, method, c.baseURL+path, body, headers, c.retry)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func readStatusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}
