package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kilupskalvis/wfr/internal/models"
)

// ReportClient defines the contract for talking to a wfr-server.
type ReportClient interface {
	CheckLogs(ctx context.Context, hashes []string) (*LogCheckResponse, error)
	UploadLog(ctx context.Context, hash string, data []byte) error
	DownloadLog(ctx context.Context, hash string) ([]byte, error)

	UploadRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int, workflow string) ([]*RunSummary, error)
}

// HTTPClient implements ReportClient over HTTP.
type HTTPClient struct {
	baseURL    string
	project    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based report client for one project.
func NewHTTPClient(baseURL, project, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		project:    project,
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *HTTPClient) projectURL(path string) string {
	return fmt.Sprintf("%s/api/v1/projects/%s%s", c.baseURL, url.PathEscape(c.project), path)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// CheckLogs asks the server which step logs it already has.
func (c *HTTPClient) CheckLogs(ctx context.Context, hashes []string) (*LogCheckResponse, error) {
	req := &LogCheckRequest{Hashes: hashes}
	var resp LogCheckResponse
	if err := c.doJSON(ctx, "POST", c.projectURL("/logs/have"), req, &resp); err != nil {
		return nil, fmt.Errorf("check logs: %w", err)
	}
	return &resp, nil
}

// UploadLog sends one step log. The server verifies data against hash.
func (c *HTTPClient) UploadLog(ctx context.Context, hash string, data []byte) error {
	headers := map[string]string{"Content-Type": "application/octet-stream"}

	resp, err := c.do(ctx, "POST", c.projectURL("/logs/"+hash), bytes.NewReader(data), headers)
	if err != nil {
		return fmt.Errorf("upload log %s: %w", hash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	return nil
}

// DownloadLog fetches one step log by hash.
func (c *HTTPClient) DownloadLog(ctx context.Context, hash string) ([]byte, error) {
	resp, err := c.do(ctx, "GET", c.projectURL("/logs/"+hash), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("download log %s: %w", hash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", hash, err)
	}
	return data, nil
}

// UploadRun sends a run report to the server with gzip compression.
func (c *HTTPClient) UploadRun(ctx context.Context, run *models.Run) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(&RunReport{Project: c.project, Run: run}); err != nil {
		gz.Close()
		return fmt.Errorf("encode run report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress run report: %w", err)
	}

	headers := map[string]string{
		"Content-Type":     "application/json",
		"Content-Encoding": "gzip",
	}

	resp, err := c.do(ctx, "POST", c.projectURL("/runs"), &buf, headers)
	if err != nil {
		return fmt.Errorf("upload run %s: %w", run.ShortID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	return nil
}

// GetRun retrieves one run from the server.
func (c *HTTPClient) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.doJSON(ctx, "GET", c.projectURL("/runs/"+id), nil, &run); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns the newest runs on the server, optionally for one workflow.
func (c *HTTPClient) ListRuns(ctx context.Context, limit int, workflow string) ([]*RunSummary, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if workflow != "" {
		q.Set("workflow", workflow)
	}
	u := c.projectURL("/runs")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var runs []*RunSummary
	if err := c.doJSON(ctx, "GET", u, nil, &runs); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
