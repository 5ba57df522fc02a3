// Package edgeworker implements the runtime provider interface against an
// edge worker platform's management API. Scripts are uploaded by PUT under a
// deterministic name derived from the deployment id, so deploy retries
// converge on the same resources instead of erroring.
package edgeworker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/provider"
)

// ProviderName is the label stored on agents and deployments.
const ProviderName = "edgeworker"

const scriptPrefix = "arclight-"

// maxErrorSummary bounds how much of a vendor error body is carried into a
// taxonomy error. Vendor payloads can contain request ids and tokens; they
// never pass this boundary intact.
const maxErrorSummary = 200

// Adapter talks to the edge worker management API.
type Adapter struct {
	baseURL       string
	invokeBaseURL string
	accountID     string
	apiToken      string
	httpClient    *http.Client
	logger        *slog.Logger
}

// Options configures an Adapter.
type Options struct {
	BaseURL       string
	InvokeBaseURL string
	AccountID     string
	APIToken      string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// New creates an edge worker adapter.
func New(opts Options) *Adapter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		invokeBaseURL: strings.TrimRight(opts.InvokeBaseURL, "/"),
		accountID:     opts.AccountID,
		apiToken:      opts.APIToken,
		httpClient:    client,
		logger:        logger,
	}
}

// Name returns the provider label.
func (a *Adapter) Name() string { return ProviderName }

// ScriptName returns the provider-side script name for a deployment input.
func ScriptName(in provider.DeployInput) string {
	return scriptPrefix + in.DeploymentID.String()
}

// Deploy uploads the artifact and injects the telemetry secret plus
// attribution bindings. Both uploads are PUTs against names derived from the
// deployment id, so a retried deploy updates in place.
func (a *Adapter) Deploy(ctx context.Context, in provider.DeployInput) (provider.DeployOutput, error) {
	script := ScriptName(in)

	status, body, err := a.do(ctx, http.MethodPut,
		fmt.Sprintf("%s/accounts/%s/workers/scripts/%s", a.baseURL, a.accountID, script),
		"application/javascript", in.Artifact,
	)
	if err != nil {
		return provider.DeployOutput{}, model.Wrap(model.ErrCodeRuntimeError, "edgeworker: script upload failed", err).Retry()
	}
	if status < 200 || status >= 300 {
		return provider.DeployOutput{}, a.apiError("script upload", status, body)
	}

	bindings := map[string]string{
		"ARCLIGHT_TELEMETRY_SECRET":   base64.RawURLEncoding.EncodeToString(in.TelemetrySecret),
		"ARCLIGHT_TENANT_ID":          in.TenantID.String(),
		"ARCLIGHT_AGENT_ID":           in.AgentID.String(),
		"ARCLIGHT_DEPLOYMENT_ID":      in.DeploymentID.String(),
		"ARCLIGHT_RUNTIME_PROVIDER":   ProviderName,
		"ARCLIGHT_TELEMETRY_ENDPOINT": in.TelemetryEndpoint,
	}
	for name, value := range bindings {
		if err := a.putSecret(ctx, script, name, value); err != nil {
			return provider.DeployOutput{}, err
		}
	}
	for _, name := range in.SecretNames {
		// Declared env keys are bound as empty placeholders; tenants
		// populate values through the provider's own tooling.
		if err := a.putSecret(ctx, script, name, ""); err != nil {
			return provider.DeployOutput{}, err
		}
	}

	a.logger.Info("edgeworker: deployed script",
		"script", script,
		"deployment_id", in.DeploymentID,
		"artifact_bytes", len(in.Artifact),
	)
	return provider.DeployOutput{
		ProviderRef: script,
		LogsRef:     fmt.Sprintf("%s/accounts/%s/workers/scripts/%s/tails", a.baseURL, a.accountID, script),
	}, nil
}

func (a *Adapter) putSecret(ctx context.Context, script, name, value string) error {
	payload, err := json.Marshal(map[string]string{"name": name, "text": value, "type": "secret_text"})
	if err != nil {
		return model.Wrap(model.ErrCodeInternalError, "edgeworker: marshal secret", err)
	}
	status, body, err := a.do(ctx, http.MethodPut,
		fmt.Sprintf("%s/accounts/%s/workers/scripts/%s/secrets", a.baseURL, a.accountID, script),
		"application/json", payload,
	)
	if err != nil {
		return model.Wrap(model.ErrCodeRuntimeError, "edgeworker: secret injection failed", err).Retry()
	}
	if status < 200 || status >= 300 {
		return a.apiError("secret injection", status, body)
	}
	return nil
}

// Invoke forwards the normalized request body to the running worker. Inbound
// credentials never reach the workload; only the trace id is propagated.
func (a *Adapter) Invoke(ctx context.Context, in provider.InvokeInput) (provider.InvokeOutput, error) {
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", a.invokeBaseURL, in.ProviderRef), bytes.NewReader(in.Body))
	if err != nil {
		return provider.InvokeOutput{}, model.Wrap(model.ErrCodeInternalError, "edgeworker: create invoke request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if in.TraceID != "" {
		req.Header.Set("X-Trace-Id", in.TraceID)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.InvokeOutput{}, model.Wrap(model.ErrCodeRuntimeError, "edgeworker: invoke failed", err).Retry()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.InvokeOutput{}, model.Wrap(model.ErrCodeRuntimeError, "edgeworker: read invoke response", err).Retry()
	}
	return provider.InvokeOutput{StatusCode: resp.StatusCode, Body: body}, nil
}

// Cleanup deletes the worker script and its secrets. A 404 means someone got
// here first; that counts as success.
func (a *Adapter) Cleanup(ctx context.Context, providerRef string) (provider.CleanupResult, error) {
	status, body, err := a.do(ctx, http.MethodDelete,
		fmt.Sprintf("%s/accounts/%s/workers/scripts/%s", a.baseURL, a.accountID, providerRef),
		"", nil,
	)
	if err != nil {
		return provider.CleanupResult{}, model.Wrap(model.ErrCodeRuntimeError, "edgeworker: cleanup failed", err).Retry()
	}
	switch {
	case status == http.StatusNotFound:
		return provider.CleanupResult{}, nil
	case status < 200 || status >= 300:
		return provider.CleanupResult{}, a.apiError("cleanup", status, body)
	}
	// Secrets are deleted with the script.
	return provider.CleanupResult{WorkersRemoved: 1, SecretsRemoved: 1}, nil
}

// HealthCheck verifies the management API is reachable with the configured
// credentials.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	status, body, err := a.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/accounts/%s/workers/scripts", a.baseURL, a.accountID),
		"", nil,
	)
	if err != nil {
		return model.Wrap(model.ErrCodeRuntimeError, "edgeworker: health check failed", err).Retry()
	}
	if status < 200 || status >= 300 {
		return a.apiError("health check", status, body)
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, method, url, contentType string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// apiError translates a management API failure into a taxonomy error with a
// bounded summary. 5xx and 429 are retryable; everything else is not.
func (a *Adapter) apiError(op string, status int, body []byte) *model.Error {
	summary := string(body)
	if len(summary) > maxErrorSummary {
		summary = summary[:maxErrorSummary]
	}
	a.logger.Warn("edgeworker: api error", "op", op, "status", status)

	e := model.Ef(model.ErrCodeRuntimeError, "edgeworker: %s returned status %d: %s", op, status, model.SanitizeMessage(summary))
	if status >= 500 || status == http.StatusTooManyRequests {
		return e.Retry()
	}
	return e
}
