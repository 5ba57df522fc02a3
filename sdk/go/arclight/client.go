package arclight

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Arclight server (e.g. "http://localhost:8080").
	BaseURL string

	// TenantID identifies the tenant for authentication.
	TenantID uuid.UUID

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Streaming invocations ignore it; pass a context deadline instead.
	Timeout time.Duration
}

// Client is an HTTP client for the Arclight control plane API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, TenantID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("arclight: BaseURL is required")
	}
	if cfg.TenantID == uuid.Nil {
		return nil, fmt.Errorf("arclight: TenantID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("arclight: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.TenantID, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// CreateAgent registers a new agent identity.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents lists the tenant's agents.
func (c *Client) ListAgents(ctx context.Context, opts *ListOptions) ([]Agent, *Page, error) {
	var agents []Agent
	page, err := c.getList(ctx, "/v1/agents"+listQuery(opts), &agents)
	if err != nil {
		return nil, nil, err
	}
	return agents, page, nil
}

// GetAgent retrieves one agent. Soft-deleted agents read as not found.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, "/v1/agents/"+agentID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateAgent applies a partial update to an agent.
func (c *Client) UpdateAgent(ctx context.Context, agentID uuid.UUID, req UpdateAgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.patch(ctx, "/v1/agents/"+agentID.String(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteAgent soft-deletes an agent and tears down its provider resources.
// Returns nil on success (204 No Content).
func (c *Client) DeleteAgent(ctx context.Context, agentID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/agents/"+agentID.String(), nil)
}

// DisableAgent stops routing invocations to the agent without deleting it.
func (c *Client) DisableAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents/"+agentID.String()+"/disable", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnableAgent re-enables a disabled agent.
func (c *Client) EnableAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents/"+agentID.String()+"/enable", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Deployments
// ---------------------------------------------------------------------------

// deployBody is the wire format for POST /v1/agents/{id}/deploy: the
// artifact travels base64-encoded.
type deployBody struct {
	Artifact        string         `json:"artifact"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	RuntimeProvider string         `json:"runtime_provider,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// Deploy starts a new rollout. The returned deployment is in the deploying
// state; poll ListDeployments (or watch the agent's active pointer) for the
// outcome.
func (c *Client) Deploy(ctx context.Context, agentID uuid.UUID, in DeployInput) (*Deployment, error) {
	if len(in.Artifact) == 0 {
		return nil, fmt.Errorf("arclight: artifact is required")
	}
	body := deployBody{
		Artifact:        base64.StdEncoding.EncodeToString(in.Artifact),
		ProtocolVersion: in.ProtocolVersion,
		RuntimeProvider: in.RuntimeProvider,
		Config:          in.Config,
	}
	var resp Deployment
	if err := c.post(ctx, "/v1/agents/"+agentID.String()+"/deploy", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDeployments lists an agent's deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, agentID uuid.UUID, opts *ListOptions) ([]Deployment, *Page, error) {
	var deployments []Deployment
	page, err := c.getList(ctx, "/v1/agents/"+agentID.String()+"/deployments"+listQuery(opts), &deployments)
	if err != nil {
		return nil, nil, err
	}
	return deployments, page, nil
}

// ActivateDeployment points the agent's routing at a previously active
// deployment (rollback / roll-forward).
func (c *Client) ActivateDeployment(ctx context.Context, agentID, deploymentID uuid.UUID) (*Deployment, error) {
	path := "/v1/agents/" + agentID.String() + "/deployments/" + deploymentID.String() + "/activate"
	var resp Deployment
	if err := c.post(ctx, path, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForDeployment polls until the deployment leaves the deploying state or
// the context expires.
func (c *Client) WaitForDeployment(ctx context.Context, agentID, deploymentID uuid.UUID, interval time.Duration) (*Deployment, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		deployments, _, err := c.ListDeployments(ctx, agentID, &ListOptions{Limit: 50})
		if err != nil {
			return nil, err
		}
		for i := range deployments {
			d := &deployments[i]
			if d.ID == deploymentID && d.Status != DeploymentDeploying {
				return d, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("arclight: wait for deployment: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// Invoke calls the agent's active deployment synchronously.
func (c *Client) Invoke(ctx context.Context, agentID uuid.UUID, req InvokeRequest) (*InvokeResult, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("arclight: marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/invoke/"+agentID.String(), bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("arclight: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("arclight: POST %s: %w", httpReq.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arclight: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// Invoke responses are the raw agent output, not the data envelope.
	return &InvokeResult{
		TraceID: resp.Header.Get("X-Trace-Id"),
		Body:    bodyBytes,
	}, nil
}

// InvokeStream calls the agent's active deployment and delivers server-sent
// events to fn in arrival order. Returning an error from fn stops the stream
// and returns that error.
func (c *Client) InvokeStream(ctx context.Context, agentID uuid.UUID, req InvokeRequest, fn func(StreamEvent) error) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("arclight: marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/invoke/"+agentID.String()+"/stream", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("arclight: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("arclight: POST %s: %w", httpReq.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		bodyBytes, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return fmt.Errorf("arclight: read error body: %w", rerr)
		}
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	return readSSE(resp.Body, fn)
}

// readSSE parses "event:"/"data:" frames separated by blank lines.
func readSSE(r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev StreamEvent
	flush := func() error {
		if ev.Type == "" {
			return nil
		}
		err := fn(ev)
		ev = StreamEvent{}
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("arclight: read event stream: %w", err)
	}
	return flush()
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

// Telemetry report headers. These match what the ingest endpoint expects
// from runtime-side reporters.
const (
	headerTelemetryDeployment = "X-Telemetry-Deployment-Id"
	headerTelemetrySignature  = "X-Telemetry-Signature"
)

// ReportTelemetry submits a usage report on behalf of a running deployment,
// signed with the deployment's telemetry secret. This is the runtime side of
// the ingest contract; control-plane callers normally never need it.
func (c *Client) ReportTelemetry(ctx context.Context, deploymentID uuid.UUID, secret []byte, report TelemetryReport) (*IngestResult, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("arclight: marshal telemetry report: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	signature := "v1=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/telemetry/report", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("arclight: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTelemetryDeployment, deploymentID.String())
	req.Header.Set(headerTelemetrySignature, signature)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arclight: POST /v1/telemetry/report: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result IngestResult
	if err := handleResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ---------------------------------------------------------------------------
// Usage, metrics, and health
// ---------------------------------------------------------------------------

// Usage retrieves the current billing period's usage snapshot.
func (c *Client) Usage(ctx context.Context) (*UsageResponse, error) {
	var resp UsageResponse
	if err := c.get(ctx, "/v1/usage/current", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MetricsOptions are optional filters for RecentMetrics.
type MetricsOptions struct {
	AgentID uuid.UUID
	Since   time.Time
	Limit   int
}

// RecentMetrics retrieves recent raw telemetry events, newest first.
func (c *Client) RecentMetrics(ctx context.Context, opts *MetricsOptions) ([]MetricsEvent, error) {
	params := url.Values{}
	if opts != nil {
		if opts.AgentID != uuid.Nil {
			params.Set("agent_id", opts.AgentID.String())
		}
		if !opts.Since.IsZero() {
			params.Set("since_ms", strconv.FormatInt(opts.Since.UnixMilli(), 10))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/v1/metrics/recent"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []MetricsEvent
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func listQuery(opts *ListOptions) string {
	if opts == nil {
		return ""
	}
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated list wrapper.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("arclight: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("arclight: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("arclight: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("arclight: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("arclight: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("arclight: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("arclight: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("arclight: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) getList(ctx context.Context, path string, dest any) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("arclight: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arclight: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arclight: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("arclight: decode list envelope: %w", err)
	}
	if envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return nil, fmt.Errorf("arclight: decode list data: %w", err)
		}
	}
	return &Page{HasMore: envelope.HasMore, Limit: envelope.Limit, Offset: envelope.Offset}, nil
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("arclight: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("arclight: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("arclight: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Retryable = envelope.Error.Retryable
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
