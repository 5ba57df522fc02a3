package server

import (
	"io"
	"net/http"

	"github.com/arclight-dev/arclight/internal/ingest"
)

// HandleTelemetryReport handles POST /v1/telemetry/report. The body is read
// raw and passed to the ingest pipeline untouched: the HMAC covers the exact
// bytes on the wire, so any reparse or reserialize here would break
// verification.
func (h *Handlers) HandleTelemetryReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.ingestSvc.Ingest(r.Context(),
		r.Header.Get(ingest.HeaderDeploymentID),
		r.Header.Get(ingest.HeaderSignature),
		body,
	)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusAccepted
	if result.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, r, status, result)
}
