// Package gateway routes invocations to running deployments. Routing is
// pointer-only: the agent's active deployment id is the single legal route,
// and there is no fallback to a newer or older version. The gateway also
// owns protocol normalization and the request-limit hard stop.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arclight-dev/arclight/internal/entitlements"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/provider"
	"github.com/arclight-dev/arclight/internal/storage"
	"github.com/arclight-dev/arclight/internal/telemetry"
)

// Service is the invocation gateway.
type Service struct {
	db             *storage.DB
	providers      *provider.Registry
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         *slog.Logger

	invocations metric.Int64Counter
	latency     metric.Float64Histogram
}

// New creates a gateway Service.
func New(db *storage.DB, providers *provider.Registry, defaultTimeout, maxTimeout time.Duration, logger *slog.Logger) *Service {
	meter := telemetry.Meter("arclight/gateway")
	invocations, _ := meter.Int64Counter("arclight.invocations",
		metric.WithDescription("Invocations routed through the gateway"),
	)
	latency, _ := meter.Float64Histogram("arclight.invocation.duration",
		metric.WithDescription("End-to-end invocation latency (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:             db,
		providers:      providers,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		logger:         logger,
		invocations:    invocations,
		latency:        latency,
	}
}

// Result is a completed non-streaming invocation.
type Result struct {
	TraceID string
	Body    json.RawMessage
}

// StreamEvent is one element of an emulated streaming response.
type StreamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Stream event types, in emission order. An error event terminates the
// sequence; events already emitted stay valid.
const (
	EventMeta  = "meta"
	EventDelta = "delta"
	EventUsage = "usage"
	EventDone  = "done"
	EventError = "error"
)

// Invoke routes a request to the agent's active deployment and returns the
// provider response body.
func (s *Service) Invoke(ctx context.Context, tenant model.Tenant, agentID uuid.UUID, req model.InvokeRequest) (Result, error) {
	start := time.Now()

	normalized, traceID, err := s.normalize(req)
	if err != nil {
		return Result{}, err
	}

	d, err := s.route(ctx, tenant.ID, agentID)
	if err != nil {
		return Result{}, err
	}

	if err := s.reserve(ctx, tenant); err != nil {
		return Result{}, err
	}

	adapter, err := s.providers.Get(d.RuntimeProvider)
	if err != nil {
		return Result{}, model.Wrap(model.ErrCodeInternalError, "no adapter for routed deployment", err)
	}

	out, err := adapter.Invoke(ctx, provider.InvokeInput{
		ProviderRef: deref(d.ProviderRef),
		Body:        normalized,
		TraceID:     traceID,
		Timeout:     s.timeout(req.TimeoutMs),
	})
	if err != nil {
		return Result{}, err
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		e := model.Ef(model.ErrCodeRuntimeError, "deployment returned status %d", out.StatusCode)
		if out.StatusCode >= 500 {
			e = e.Retry()
		}
		return Result{}, e
	}

	s.invocations.Add(ctx, 1)
	s.latency.Record(ctx, float64(time.Since(start).Milliseconds()))
	return Result{TraceID: traceID, Body: out.Body}, nil
}

// InvokeStream emulates a streaming invocation over a single buffered
// provider call: meta, delta, usage (when present), done. On failure at any
// point it emits exactly one error event and stops; emit errors (caller
// disconnect) stop emission without retraction.
func (s *Service) InvokeStream(ctx context.Context, tenant model.Tenant, agentID uuid.UUID, req model.InvokeRequest, emit func(StreamEvent) error) {
	normalized, traceID, err := s.normalize(req)
	if err != nil {
		s.emitError(emit, err)
		return
	}

	d, err := s.route(ctx, tenant.ID, agentID)
	if err != nil {
		s.emitError(emit, err)
		return
	}

	if err := s.reserve(ctx, tenant); err != nil {
		s.emitError(emit, err)
		return
	}

	if err := emit(StreamEvent{Type: EventMeta, Data: map[string]any{
		"trace_id":      traceID,
		"agent_id":      d.AgentID,
		"deployment_id": d.ID,
	}}); err != nil {
		return
	}

	adapter, err := s.providers.Get(d.RuntimeProvider)
	if err != nil {
		s.emitError(emit, model.Wrap(model.ErrCodeInternalError, "no adapter for routed deployment", err))
		return
	}

	// The single suspension point: one buffered upstream call. Everything
	// after this is synchronous, ordered emission.
	out, err := adapter.Invoke(ctx, provider.InvokeInput{
		ProviderRef: deref(d.ProviderRef),
		Body:        normalized,
		TraceID:     traceID,
		Timeout:     s.timeout(req.TimeoutMs),
	})
	if err != nil {
		s.emitError(emit, err)
		return
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		e := model.Ef(model.ErrCodeRuntimeError, "deployment returned status %d", out.StatusCode)
		if out.StatusCode >= 500 {
			e = e.Retry()
		}
		s.emitError(emit, e)
		return
	}

	text, usage := extractOutput(out.Body)
	if err := emit(StreamEvent{Type: EventDelta, Data: map[string]any{"text": text}}); err != nil {
		return
	}
	if usage != nil {
		if err := emit(StreamEvent{Type: EventUsage, Data: usage}); err != nil {
			return
		}
	}
	s.invocations.Add(ctx, 1)
	_ = emit(StreamEvent{Type: EventDone})
}

// normalize validates the request and produces the canonical body forwarded
// to the adapter, assigning a trace id when the caller omitted one.
func (s *Service) normalize(req model.InvokeRequest) ([]byte, string, error) {
	protocol := req.ProtocolVersion
	if protocol == "" {
		protocol = model.ProtocolV1
	}
	if !model.SupportedProtocol(protocol) {
		return nil, "", model.Ef(model.ErrCodeInvalidRequest, "unsupported protocol version %q", protocol)
	}

	hasPrompt := req.Prompt != nil && *req.Prompt != ""
	hasMessages := len(req.Messages) > 0
	switch {
	case !hasPrompt && !hasMessages:
		return nil, "", model.E(model.ErrCodeInvalidRequest, "either prompt or messages is required")
	case hasPrompt && hasMessages:
		return nil, "", model.E(model.ErrCodeInvalidRequest, "prompt and messages are mutually exclusive")
	}
	if hasPrompt && len(*req.Prompt) > model.MaxPromptLen {
		return nil, "", model.Ef(model.ErrCodeInvalidRequest, "prompt exceeds %d bytes", model.MaxPromptLen)
	}
	if hasMessages {
		if len(req.Messages) > model.MaxMessages {
			return nil, "", model.Ef(model.ErrCodeInvalidRequest, "at most %d messages allowed", model.MaxMessages)
		}
		for i, m := range req.Messages {
			if m.Role == "" || m.Content == "" {
				return nil, "", model.Ef(model.ErrCodeInvalidRequest, "message %d: role and content are required", i)
			}
		}
	}
	if req.TimeoutMs < 0 {
		return nil, "", model.E(model.ErrCodeInvalidRequest, "timeout_ms must be non-negative")
	}

	traceID := ""
	if req.TraceID != nil {
		traceID = *req.TraceID
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	body := map[string]any{
		"protocol_version": protocol,
		"trace_id":         traceID,
	}
	if hasPrompt {
		body["prompt"] = *req.Prompt
	} else {
		body["messages"] = req.Messages
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = model.SanitizeDetails(req.Metadata)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, "", model.Wrap(model.ErrCodeInternalError, "encode invocation body", err)
	}
	return encoded, traceID, nil
}

// route resolves the agent's active deployment. Deleted agents read as not
// found, disabled as forbidden, and a missing or non-active target as a
// retryable conflict.
func (s *Service) route(ctx context.Context, tenantID, agentID uuid.UUID) (model.Deployment, error) {
	agent, err := s.db.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return model.Deployment{}, err
	}
	if agent.DeletedAt != nil || agent.Status == model.AgentDeleted {
		return model.Deployment{}, storage.ErrNotFound
	}
	if agent.Status == model.AgentDisabled {
		return model.Deployment{}, model.E(model.ErrCodeForbidden, "agent is disabled")
	}
	if agent.ActiveDeploymentID == nil {
		return model.Deployment{}, model.E(model.ErrCodeConflict, "agent has no active deployment")
	}

	d, err := s.db.GetDeployment(ctx, tenantID, *agent.ActiveDeploymentID)
	if err != nil {
		return model.Deployment{}, err
	}
	// The pointer and the row must agree; a divergence here means corrupted
	// state, not a routing decision.
	if d.AgentID != agent.ID || d.TenantID != tenantID {
		return model.Deployment{}, model.E(model.ErrCodeInternalError, "routing pointer does not match deployment")
	}
	if d.Status != model.DeploymentActive {
		return model.Deployment{}, model.E(model.ErrCodeConflict, "active deployment is not routable").Retry()
	}
	return d, nil
}

// reserve performs the hard request-limit stop and the soft post-hoc
// ceilings in that order. The request counter is an atomic single-statement
// reserve; token and compute ceilings trail telemetry and are checked
// against the aggregated bucket.
func (s *Service) reserve(ctx context.Context, tenant model.Tenant) error {
	ents := entitlements.ForTier(tenant.Tier)
	period := model.CurrentPeriod()

	usage, err := s.db.GetBillingUsage(ctx, tenant.ID, period)
	if err != nil {
		return err
	}
	if violations := entitlements.Check(ents, usage); len(violations) > 0 {
		return model.Ef(model.ErrCodeRateLimited, "usage ceiling reached: %s", violations[0])
	}

	if _, err := s.db.ReserveRequest(ctx, tenant.ID, period, ents.RequestsPerPeriod); err != nil {
		if errors.Is(err, storage.ErrLimitExceeded) {
			return model.Ef(model.ErrCodeRateLimited, "request limit reached for period %s", period)
		}
		return err
	}
	return nil
}

func (s *Service) timeout(timeoutMs int) time.Duration {
	t := s.defaultTimeout
	if timeoutMs > 0 {
		t = time.Duration(timeoutMs) * time.Millisecond
	}
	if t > s.maxTimeout {
		t = s.maxTimeout
	}
	return t
}

func (s *Service) emitError(emit func(StreamEvent) error, err error) {
	detail := model.ErrorDetail{
		Code:      model.CodeOf(err),
		Message:   model.SanitizeMessage(err.Error()),
		Retryable: model.IsRetryable(err),
	}
	if detail.Code == model.ErrCodeInternalError {
		detail.Message = "internal error"
	}
	_ = emit(StreamEvent{Type: EventError, Data: detail})
}

// extractOutput pulls the best-effort text delta and optional usage block
// out of a provider response. Unrecognized payloads are passed through
// verbatim as the delta.
func extractOutput(body []byte) (any, any) {
	var parsed struct {
		Output *struct {
			Text string `json:"text"`
		} `json:"output"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Output != nil {
		var usage any
		if parsed.Usage != nil {
			usage = parsed.Usage
		}
		return parsed.Output.Text, usage
	}
	return json.RawMessage(body), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
