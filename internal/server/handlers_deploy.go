package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/arclight-dev/arclight/internal/ctxutil"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/orchestrator"
)

// HandleDeploy handles POST /v1/agents/{agent_id}/deploy. Returns 202: the
// deployment row is created synchronously but provider rollout continues in
// the background worker.
func (h *Handlers) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	var req model.DeployRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	deployment, err := h.orchSvc.Deploy(r.Context(), orchestrator.DeployInput{
		Tenant:    tenant,
		AgentID:   agentID,
		Request:   req,
		RequestID: RequestIDFromContext(r.Context()),
		Actor:     "tenant",
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, deployment)
}

// HandleListDeployments handles GET /v1/agents/{agent_id}/deployments.
func (h *Handlers) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}

	// Resolve the agent first so an unknown or deleted agent reads as not
	// found instead of an empty list.
	agent, err := h.db.GetAgent(r.Context(), tenant.ID, agentID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if agent.DeletedAt != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found", false)
		return
	}

	limit, offset := parsePagination(r)
	deployments, total, err := h.db.ListDeployments(r.Context(), tenant.ID, agentID, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if deployments == nil {
		deployments = []model.Deployment{}
	}
	writeList(w, r, deployments, total, limit, offset)
}

// HandleActivateDeployment handles
// POST /v1/agents/{agent_id}/deployments/{deployment_id}/activate.
func (h *Handlers) HandleActivateDeployment(w http.ResponseWriter, r *http.Request) {
	tenant, _ := ctxutil.TenantFromContext(r.Context())
	agentID, ok := agentIDFromPath(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid agent id", false)
		return
	}
	deploymentID, err := uuid.Parse(r.PathValue("deployment_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid deployment id", false)
		return
	}

	deployment, err := h.orchSvc.Activate(r.Context(), tenant.ID, agentID, deploymentID,
		RequestIDFromContext(r.Context()), "tenant")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusOK, deployment)
}
