package arclight

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubServer is a minimal Arclight API double. Each test registers the
// routes it needs; everything else 404s.
type stubServer struct {
	t          *testing.T
	mux        *http.ServeMux
	server     *httptest.Server
	authCalls  atomic.Int64
	validToken string
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{t: t, mux: http.NewServeMux(), validToken: "tok-" + uuid.NewString()}
	s.mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		s.authCalls.Add(1)
		var req struct {
			TenantID uuid.UUID `json:"tenant_id"`
			APIKey   string    `json:"api_key"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != "ak_valid" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"invalid credentials"}}`))
			return
		}
		writeData(w, map[string]any{
			"token":      s.validToken,
			"expires_at": time.Now().Add(time.Hour).UTC(),
		})
	})
	s.server = httptest.NewServer(s.mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubServer) requireAuth(r *http.Request) {
	s.t.Helper()
	require.Equal(s.t, "Bearer "+s.validToken, r.Header.Get("Authorization"))
}

func (s *stubServer) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:  s.server.URL,
		TenantID: uuid.New(),
		APIKey:   "ak_valid",
	})
	require.NoError(t, err)
	return c
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{TenantID: uuid.New(), APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", TenantID: uuid.New()})
	assert.Error(t, err)
}

func TestTokenIsCachedAcrossRequests(t *testing.T) {
	s := newStubServer(t)
	agentID := uuid.New()
	s.mux.HandleFunc("GET /v1/agents/"+agentID.String(), func(w http.ResponseWriter, r *http.Request) {
		s.requireAuth(r)
		writeData(w, Agent{ID: agentID, Name: "cached"})
	})

	c := s.client(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.GetAgent(ctx, agentID)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), s.authCalls.Load())
}

func TestAuthFailureSurfaces(t *testing.T) {
	s := newStubServer(t)
	c, err := NewClient(Config{BaseURL: s.server.URL, TenantID: uuid.New(), APIKey: "ak_wrong"})
	require.NoError(t, err)

	_, err = c.GetAgent(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}

func TestDeployEncodesArtifact(t *testing.T) {
	s := newStubServer(t)
	agentID := uuid.New()
	artifact := []byte("export default { fetch() {} }")

	s.mux.HandleFunc("POST /v1/agents/"+agentID.String()+"/deploy", func(w http.ResponseWriter, r *http.Request) {
		s.requireAuth(r)
		var body struct {
			Artifact string         `json:"artifact"`
			Config   map[string]any `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		decoded, err := base64.StdEncoding.DecodeString(body.Artifact)
		require.NoError(t, err)
		assert.Equal(t, artifact, decoded)
		assert.Equal(t, "worker.js", body.Config["entrypoint"])

		w.WriteHeader(http.StatusAccepted)
		writeData(w, Deployment{ID: uuid.New(), AgentID: agentID, Version: 1, Status: DeploymentDeploying})
	})

	d, err := s.client(t).Deploy(context.Background(), agentID, DeployInput{
		Artifact: artifact,
		Config:   map[string]any{"entrypoint": "worker.js"},
	})
	require.NoError(t, err)
	assert.Equal(t, DeploymentDeploying, d.Status)

	_, err = s.client(t).Deploy(context.Background(), agentID, DeployInput{})
	assert.Error(t, err, "empty artifact must be rejected client-side")
}

func TestErrorEnvelopeParsing(t *testing.T) {
	s := newStubServer(t)
	agentID := uuid.New()
	s.mux.HandleFunc("POST /v1/agents/"+agentID.String()+"/deploy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFLICT","message":"deployment already in progress","retryable":false}}`))
	})

	_, err := s.client(t).Deploy(context.Background(), agentID, DeployInput{Artifact: []byte("x")})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsRetryable(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "CONFLICT", apiErr.Code)
	assert.Equal(t, "deployment already in progress", apiErr.Message)
}

func TestListDeploymentsPagination(t *testing.T) {
	s := newStubServer(t)
	agentID := uuid.New()
	s.mux.HandleFunc("GET /v1/agents/"+agentID.String()+"/deployments", func(w http.ResponseWriter, r *http.Request) {
		s.requireAuth(r)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":     []Deployment{{Version: 3}, {Version: 2}},
			"has_more": true,
			"limit":    2,
			"offset":   0,
		})
	})

	deployments, page, err := s.client(t).ListDeployments(context.Background(), agentID, &ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, deployments, 2)
	assert.Equal(t, 3, deployments[0].Version)
	assert.True(t, page.HasMore)
}

func TestInvokeReturnsRawBody(t *testing.T) {
	s := newStubServer(t)
	agentID := uuid.New()
	s.mux.HandleFunc("POST /v1/invoke/"+agentID.String(), func(w http.ResponseWriter, r *http.Request) {
		s.requireAuth(r)
		w.Header().Set("X-Trace-Id", "trace-123")
		_, _ = w.Write([]byte(`{"output":"hello"}`))
	})

	prompt := "hi"
	res, err := s.client(t).Invoke(context.Background(), agentID, InvokeRequest{Prompt: &prompt})
	require.NoError(t, err)
	assert.Equal(t, "trace-123", res.TraceID)
	assert.JSONEq(t, `{"output":"hello"}`, string(res.Body))
}

func TestInvokeStreamParsesEvents(t *testing.T) {
	s := newStubServer(t)
	agentID := uuid.New()
	s.mux.HandleFunc("POST /v1/invoke/"+agentID.String()+"/stream", func(w http.ResponseWriter, r *http.Request) {
		s.requireAuth(r)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join([]string{
			"event: meta",
			`data: {"trace_id":"trace-9"}`,
			"",
			"event: delta",
			`data: {"text":"partial"}`,
			"",
			"event: done",
			`data: {}`,
			"",
		}, "\n"))
	})

	var types []string
	err := s.client(t).InvokeStream(context.Background(), agentID, InvokeRequest{}, func(ev StreamEvent) error {
		types = append(types, ev.Type)
		if ev.Type == EventMeta {
			var meta struct {
				TraceID string `json:"trace_id"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &meta))
			assert.Equal(t, "trace-9", meta.TraceID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{EventMeta, EventDelta, EventDone}, types)
}

func TestReportTelemetrySignsBody(t *testing.T) {
	s := newStubServer(t)
	deploymentID := uuid.New()
	secret := []byte("telemetry-secret-telemetry-12345")

	s.mux.HandleFunc("POST /v1/telemetry/report", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, deploymentID.String(), r.Header.Get("X-Telemetry-Deployment-Id"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mac := hmac.New(sha256.New, secret)
		mac.Write(body)
		assert.Equal(t, "v1="+hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-Telemetry-Signature"))

		w.WriteHeader(http.StatusAccepted)
		writeData(w, IngestResult{EventID: uuid.New(), Deduped: false})
	})

	res, err := s.client(t).ReportTelemetry(context.Background(), deploymentID, secret, TelemetryReport{
		TenantID:     uuid.New(),
		AgentID:      uuid.New(),
		DeploymentID: deploymentID,
		TimestampMs:  time.Now().UnixMilli(),
		Requests:     1,
		Tokens:       42,
	})
	require.NoError(t, err)
	assert.False(t, res.Deduped)
}

func TestHealthSkipsAuth(t *testing.T) {
	s := newStubServer(t)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeData(w, HealthResponse{Status: "healthy", Postgres: "connected"})
	})

	// Even a client with bad credentials can reach /health.
	c, err := NewClient(Config{BaseURL: s.server.URL, TenantID: uuid.New(), APIKey: "ak_wrong"})
	require.NoError(t, err)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int64(0), s.authCalls.Load())
}
