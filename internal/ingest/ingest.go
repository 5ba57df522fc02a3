// Package ingest verifies and records telemetry reports from running
// deployments. Authentication is per-deployment HMAC over the exact raw
// request bytes; every verification failure collapses into one generic
// unauthorized error so the endpoint leaks nothing about which step failed.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arclight-dev/arclight/internal/cryptoutil"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/storage"
	"github.com/arclight-dev/arclight/internal/telemetry"
)

// Telemetry report headers.
const (
	HeaderDeploymentID = "X-Telemetry-Deployment-Id"
	HeaderSignature    = "X-Telemetry-Signature"
)

// Service ingests signed telemetry reports.
type Service struct {
	db            *storage.DB
	encryptionKey []byte
	logger        *slog.Logger

	accepted metric.Int64Counter
	deduped  metric.Int64Counter
	rejected metric.Int64Counter
}

// New creates an ingest Service.
func New(db *storage.DB, encryptionKey []byte, logger *slog.Logger) *Service {
	meter := telemetry.Meter("arclight/ingest")
	accepted, _ := meter.Int64Counter("arclight.telemetry.accepted",
		metric.WithDescription("Telemetry reports accepted"),
	)
	deduped, _ := meter.Int64Counter("arclight.telemetry.deduped",
		metric.WithDescription("Telemetry reports rejected as duplicates"),
	)
	rejected, _ := meter.Int64Counter("arclight.telemetry.rejected",
		metric.WithDescription("Telemetry reports rejected"),
	)
	return &Service{
		db:            db,
		encryptionKey: encryptionKey,
		logger:        logger,
		accepted:      accepted,
		deduped:       deduped,
		rejected:      rejected,
	}
}

// errUnauthorized is the single answer for every verification failure. A
// missing deployment, a malformed envelope, and a bad signature must be
// indistinguishable to the caller.
func errUnauthorized() *model.Error {
	return model.E(model.ErrCodeUnauthorized, "telemetry report rejected")
}

// Ingest verifies a signed report and records it. The signature covers the
// exact raw body bytes; the body is only parsed after verification.
func (s *Service) Ingest(ctx context.Context, deploymentIDHeader, signatureHeader string, rawBody []byte) (model.IngestResult, error) {
	if deploymentIDHeader == "" || signatureHeader == "" {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, errUnauthorized()
	}

	deploymentID, err := uuid.Parse(deploymentIDHeader)
	if err != nil {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, errUnauthorized()
	}

	d, err := s.db.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.rejected.Add(ctx, 1)
			return model.IngestResult{}, errUnauthorized()
		}
		return model.IngestResult{}, err
	}
	if d.TelemetryAuthRef == nil || *d.TelemetryAuthRef == "" {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, errUnauthorized()
	}

	secret, err := cryptoutil.Decrypt(s.encryptionKey, *d.TelemetryAuthRef)
	if err != nil {
		s.logger.Error("ingest: telemetry secret decrypt failed", "deployment_id", d.ID, "error", err)
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, errUnauthorized()
	}

	if !cryptoutil.VerifySignature(secret, rawBody, signatureHeader) {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, errUnauthorized()
	}

	var report model.TelemetryReport
	if err := json.Unmarshal(rawBody, &report); err != nil {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, model.E(model.ErrCodeInvalidRequest, "report body is not valid JSON")
	}
	if err := report.Validate(); err != nil {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, model.Wrap(model.ErrCodeInvalidRequest, "invalid report", err)
	}

	// The signed body must claim exactly the identity it was verified
	// against. A mismatch is a hard rejection, never a silent correction.
	if report.TenantID != d.TenantID || report.AgentID != d.AgentID ||
		report.DeploymentID != d.ID || report.RuntimeProvider != d.RuntimeProvider {
		s.rejected.Add(ctx, 1)
		return model.IngestResult{}, model.E(model.ErrCodeForbidden, "report identity does not match deployment")
	}

	event := model.MetricsEvent{
		TenantID:           report.TenantID,
		AgentID:            report.AgentID,
		DeploymentID:       report.DeploymentID,
		RuntimeProvider:    report.RuntimeProvider,
		EventID:            report.EventID,
		TraceID:            report.TraceID,
		Timestamp:          time.UnixMilli(report.TimestampMs).UTC(),
		Requests:           report.Requests,
		Tokens:             report.Tokens,
		ComputeMs:          report.ComputeMs,
		ToolCalls:          report.ToolCalls,
		EstimatedCostMicro: report.EstimatedCostMicro,
		ErrorClass:         report.ErrorClass,
		Metadata:           model.SanitizeDetails(report.Metadata),
	}

	result, err := s.db.InsertEventWithUsage(ctx, event, report.DedupKey())
	if err != nil {
		return model.IngestResult{}, err
	}
	if result.Deduped {
		s.deduped.Add(ctx, 1)
	} else {
		s.accepted.Add(ctx, 1)
	}
	return result, nil
}
