package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arclight-dev/arclight/internal/ctxutil"
	"github.com/arclight-dev/arclight/internal/gateway"
	"github.com/arclight-dev/arclight/internal/model"
)

// HandleInvoke handles POST /v1/invoke/{agent_id}.
func (h *Handlers) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	var req model.InvokeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.gatewaySvc.Invoke(r.Context(), tenant, agentID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Trace-Id", result.TraceID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// HandleInvokeStream handles POST /v1/invoke/{agent_id}/stream. Events are
// SSE frames: an `event:` line, a `data:` line with JSON, and a blank line.
// Errors after the stream has started arrive as a terminal error event, not
// as an HTTP status.
func (h *Handlers) HandleInvokeStream(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	var req model.InvokeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported", false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, slow upstream calls are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h.gatewaySvc.InvokeStream(r.Context(), tenant, agentID, req, func(ev gateway.StreamEvent) error {
		if _, err := w.Write([]byte("event: " + ev.Type + "\n")); err != nil {
			return err
		}
		payload := []byte("{}")
		if ev.Data != nil {
			var err error
			if payload, err = json.Marshal(ev.Data); err != nil {
				return err
			}
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}
