package seqera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// DefaultURL is the Seqera Platform cloud API endpoint.
const DefaultURL = "https://api.cloud.seqera.io"

// API abstracts the Seqera Platform workflow endpoints for testability.
type API interface {
	Launch(ctx context.Context, launch Launch) (workflowID string, err error)
	Describe(ctx context.Context, workflowID string) (*Workflow, error)
}

// Workflow states reported by the platform.
const (
	StatusSubmitted = "SUBMITTED"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusUnknown   = "UNKNOWN"
)

// Launch is the body of a workflow launch request.
type Launch struct {
	ComputeEnvID   string   `json:"computeEnvId,omitempty"`
	Pipeline       string   `json:"pipeline"`
	Revision       string   `json:"revision,omitempty"`
	WorkDir        string   `json:"workDir,omitempty"`
	ParamsText     string   `json:"paramsText,omitempty"`
	ConfigProfiles []string `json:"configProfiles,omitempty"`
	RunName        string   `json:"runName,omitempty"`
}

// Workflow is the subset of a workflow description the optimizer reads.
type Workflow struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Duration int64    `json:"duration"` // milliseconds
	Progress Progress `json:"-"`
}

// Progress holds the aggregate task counters and the accrued cost.
type Progress struct {
	Succeeded int     `json:"succeeded"`
	Cached    int     `json:"cached"`
	Failed    int     `json:"failed"`
	Cost      float64 `json:"cost"`
}

// Elapsed returns the wall-clock duration reported for the workflow.
func (w *Workflow) Elapsed() time.Duration {
	return time.Duration(w.Duration) * time.Millisecond
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the platform refused the request without acting
// on it, so that sending it again cannot start a second workflow.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ClientConfig holds Seqera Platform connection settings.
type ClientConfig struct {
	URL         string
	Token       string
	WorkspaceID string
	// TracerProvider receives a client span per request. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// Client implements API over the Seqera Platform REST interface.
type Client struct {
	cfg    ClientConfig
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a client targeting cfg.URL.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	var opts []otelhttp.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, opts...)},
		logger: logger.With("component", "seqera"),
	}
}

type launchRequest struct {
	Launch Launch `json:"launch"`
}

type launchResponse struct {
	WorkflowID string `json:"workflowId"`
}

type describeResponse struct {
	Workflow Workflow `json:"workflow"`
	Progress struct {
		WorkflowProgress Progress `json:"workflowProgress"`
	} `json:"progress"`
}

// Launch starts a workflow and returns its ID.
func (c *Client) Launch(ctx context.Context, launch Launch) (string, error) {
	var resp launchResponse
	if err := c.do(ctx, http.MethodPost, "/workflow/launch", launchRequest{Launch: launch}, &resp); err != nil {
		return "", err
	}
	if resp.WorkflowID == "" {
		return "", fmt.Errorf("launch %s: response carried no workflowId", launch.RunName)
	}
	c.logger.Debug("workflow launched", "run_name", launch.RunName, "workflow_id", resp.WorkflowID)
	return resp.WorkflowID, nil
}

// Describe returns the current state and progress of a workflow.
func (c *Client) Describe(ctx context.Context, workflowID string) (*Workflow, error) {
	var resp describeResponse
	if err := c.do(ctx, http.MethodGet, "/workflow/"+url.PathEscape(workflowID), nil, &resp); err != nil {
		return nil, err
	}
	wf := resp.Workflow
	if wf.ID == "" {
		wf.ID = workflowID
	}
	wf.Progress = resp.Progress.WorkflowProgress
	return &wf, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u := c.cfg.URL + path
	if c.cfg.WorkspaceID != "" {
		u += "?workspaceId=" + url.QueryEscape(c.cfg.WorkspaceID)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", path, err)
	}
	return nil
}
