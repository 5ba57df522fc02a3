package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/arclight-dev/arclight/internal/ctxutil"
	"github.com/arclight-dev/arclight/internal/model"
)

// agentIDFromPath parses the {agent_id} path value.
func agentIDFromPath(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("agent_id"))
	return id, err == nil
}

// parsePagination reads limit/offset query params with defaults.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// recordAuditBestEffort writes a mutation audit entry. Failure to audit is
// logged but never blocks the response.
func (h *Handlers) recordAuditBestEffort(r *http.Request, e model.AuditEntry) {
	e.RequestID = RequestIDFromContext(r.Context())
	if e.Actor == "" {
		e.Actor = "tenant"
	}
	if err := h.db.RecordAudit(r.Context(), e); err != nil {
		h.logger.Error("failed to record audit entry",
			"operation", e.Operation, "tenant_id", e.TenantID, "error", err)
	}
}

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())

	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentName(req.Name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error(), false)
		return
	}
	if len(req.EnvKeys) > model.MaxEnvKeys {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "too many env keys", false)
		return
	}
	for _, k := range req.EnvKeys {
		if err := model.ValidateEnvKey(k); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error(), false)
			return
		}
	}

	agent, err := h.db.CreateAgent(r.Context(), model.Agent{
		TenantID:        tenant.ID,
		Name:            req.Name,
		Description:     req.Description,
		EnvKeys:         req.EnvKeys,
		RuntimeProvider: req.RuntimeProvider,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.recordAuditBestEffort(r, model.AuditEntry{
		TenantID:  tenant.ID,
		AgentID:   &agent.ID,
		Operation: model.AuditOpCreateAgent,
		ToStatus:  string(agent.Status),
	})
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	limit, offset := parsePagination(r)

	agents, total, err := h.db.ListAgents(r.Context(), tenant.ID, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeList(w, r, agents, total, limit, offset)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}. Soft-deleted agents read
// as not found.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	agent, err := h.db.GetAgent(r.Context(), tenant.ID, agentID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if agent.DeletedAt != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found", false)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PATCH /v1/agents/{agent_id}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	var req model.UpdateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name != nil {
		if err := model.ValidateAgentName(*req.Name); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error(), false)
			return
		}
	}
	if req.EnvKeys != nil {
		if len(*req.EnvKeys) > model.MaxEnvKeys {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "too many env keys", false)
			return
		}
		for _, k := range *req.EnvKeys {
			if err := model.ValidateEnvKey(k); err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error(), false)
				return
			}
		}
	}

	agent, err := h.db.UpdateAgent(r.Context(), tenant.ID, agentID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.recordAuditBestEffort(r, model.AuditEntry{
		TenantID:  tenant.ID,
		AgentID:   &agent.ID,
		Operation: model.AuditOpUpdateAgent,
	})
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}. Deletion is a soft
// delete; provider-side cleanup is enqueued best-effort and its failures
// never surface here.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	if err := h.db.SoftDeleteAgent(r.Context(), tenant.ID, agentID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.recordAuditBestEffort(r, model.AuditEntry{
		TenantID:  tenant.ID,
		AgentID:   &agentID,
		Operation: model.AuditOpDeleteAgent,
		ToStatus:  string(model.AgentDeleted),
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleDisableAgent handles POST /v1/agents/{agent_id}/disable.
func (h *Handlers) HandleDisableAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentEnabled(w, r, false)
}

// HandleEnableAgent handles POST /v1/agents/{agent_id}/enable.
func (h *Handlers) HandleEnableAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentEnabled(w, r, true)
}

func (h *Handlers) setAgentEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	agent, err := h.db.SetAgentEnabled(r.Context(), tenant.ID, agentID, enabled)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	op := model.AuditOpDisableAgent
	if enabled {
		op = model.AuditOpEnableAgent
	}
	h.recordAuditBestEffort(r, model.AuditEntry{
		TenantID:  tenant.ID,
		AgentID:   &agent.ID,
		Operation: op,
		ToStatus:  string(agent.Status),
	})
	writeJSON(w, r, http.StatusOK, agent)
}
