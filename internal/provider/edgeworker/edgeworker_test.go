package edgeworker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/provider"
)

func testInput() provider.DeployInput {
	return provider.DeployInput{
		TenantID:          uuid.New(),
		AgentID:           uuid.New(),
		DeploymentID:      uuid.New(),
		Artifact:          []byte("export default { fetch() {} }"),
		SecretNames:       []string{"OPENAI_API_KEY"},
		TelemetrySecret:   []byte("0123456789abcdef0123456789abcdef"),
		TelemetryEndpoint: "https://arclight.example.com/v1/telemetry/report",
	}
}

func TestDeployUploadsScriptAndSecrets(t *testing.T) {
	in := testInput()
	script := ScriptName(in)

	var mu sync.Mutex
	var scriptPuts, secretPuts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/accounts/acc-1/workers/scripts/"+script:
			scriptPuts++
		case r.Method == http.MethodPut && r.URL.Path == "/accounts/acc-1/workers/scripts/"+script+"/secrets":
			secretPuts++
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, AccountID: "acc-1", APIToken: "test-token"})

	out, err := a.Deploy(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, script, out.ProviderRef)
	assert.Contains(t, out.LogsRef, script)
	assert.Equal(t, 1, scriptPuts)
	// Six attribution bindings plus one declared env key placeholder.
	assert.Equal(t, 7, secretPuts)

	// A retried deploy converges on the same resources.
	_, err = a.Deploy(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, scriptPuts)
}

func TestDeployUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	_, err := a.Deploy(context.Background(), testInput())
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeRuntimeError, model.CodeOf(err))
	assert.True(t, model.IsRetryable(err))
}

func TestDeployErrorSummaryIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		for range 100 {
			fmt.Fprint(w, "vendor-request-id-abcdef0123456789 ")
		}
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	_, err := a.Deploy(context.Background(), testInput())
	require.Error(t, err)
	assert.False(t, model.IsRetryable(err))
	assert.Less(t, len(err.Error()), 400)
}

func TestInvokeForwardsBodyAndTrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/arclight-dep-1", r.URL.Path)
		assert.Equal(t, "trace-123", r.Header.Get("X-Trace-Id"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"output":{"text":"hi"}}`)
	}))
	defer srv.Close()

	a := New(Options{BaseURL: "http://unused", InvokeBaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	out, err := a.Invoke(context.Background(), provider.InvokeInput{
		ProviderRef: "arclight-dep-1",
		Body:        []byte(`{"prompt":"hello"}`),
		TraceID:     "trace-123",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.JSONEq(t, `{"output":{"text":"hi"}}`, string(out.Body))
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	a := New(Options{InvokeBaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	_, err := a.Invoke(context.Background(), provider.InvokeInput{
		ProviderRef: "arclight-dep-1",
		Body:        []byte(`{}`),
		Timeout:     50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeRuntimeError, model.CodeOf(err))
	assert.True(t, model.IsRetryable(err))
}

func TestInvokePassesThroughUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(Options{InvokeBaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	out, err := a.Invoke(context.Background(), provider.InvokeInput{ProviderRef: "r", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, out.StatusCode)
}

func TestCleanupTreatsGoneAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	res, err := a.Cleanup(context.Background(), "arclight-gone")
	require.NoError(t, err)
	assert.Zero(t, res.WorkersRemoved)
}

func TestCleanupRemoves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	res, err := a.Cleanup(context.Background(), "arclight-dep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.WorkersRemoved)
}

func TestHealthCheck(t *testing.T) {
	var status = http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := New(Options{BaseURL: srv.URL, AccountID: "acc-1", APIToken: "t"})

	require.NoError(t, a.HealthCheck(context.Background()))

	status = http.StatusUnauthorized
	require.Error(t, a.HealthCheck(context.Background()))
}
