package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/storage"
)

// statusForCode maps the taxonomy to HTTP status codes in one place.
func statusForCode(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeConflict:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeRuntimeError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates service and storage errors to the envelope.
// Storage sentinels are mapped to taxonomy codes here so handlers never
// inspect them individually; untyped errors become a generic 500 and are
// logged with the request id.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found", false)
		return
	case errors.Is(err, storage.ErrDeployInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "deployment already in progress", false)
		return
	case errors.Is(err, storage.ErrAgentUnusable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is deleted or disabled", false)
		return
	case errors.Is(err, storage.ErrStaleFinalize):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "deployment is not in a finalizable state", false)
		return
	case errors.Is(err, storage.ErrNotActivatable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "deployment is not active", false)
		return
	case errors.Is(err, storage.ErrLimitExceeded):
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "request limit reached", false)
		return
	}

	var e *model.Error
	if errors.As(err, &e) {
		msg := model.SanitizeMessage(e.Message)
		if e.Code == model.ErrCodeInternalError {
			logger.Error("internal error", "error", err, "request_id", RequestIDFromContext(r.Context()))
			msg = "internal error"
		}
		writeError(w, r, statusForCode(e.Code), e.Code, msg, e.Retryable)
		return
	}

	logger.Error("unhandled error", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error", false)
}
