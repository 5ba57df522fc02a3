package orchestrator_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/artifact"
	"github.com/arclight-dev/arclight/internal/cryptoutil"
	"github.com/arclight-dev/arclight/internal/manifest"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/orchestrator"
	"github.com/arclight-dev/arclight/internal/provider"
	"github.com/arclight-dev/arclight/internal/storage"
	"github.com/arclight-dev/arclight/internal/testutil"
)

var (
	testDB  *storage.DB
	testKey []byte
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testKey = make([]byte, cryptoutil.KeyLen)
	if _, err := rand.Read(testKey); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// fakeRuntime records every Deploy and Cleanup call. The worker shares the
// database across tests, so assertions key on deployment id rather than call
// counts.
type fakeRuntime struct {
	mu            sync.Mutex
	name          string
	deployErr     error
	failRemaining int // deploys to fail with deployErr; negative means all
	deploys       []provider.DeployInput
	cleanups      []string
}

func (f *fakeRuntime) Name() string {
	if f.name == "" {
		return "edgeworker"
	}
	return f.name
}

func (f *fakeRuntime) Deploy(_ context.Context, in provider.DeployInput) (provider.DeployOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, in)
	if f.deployErr != nil && f.failRemaining != 0 {
		if f.failRemaining > 0 {
			f.failRemaining--
		}
		return provider.DeployOutput{}, f.deployErr
	}
	return provider.DeployOutput{
		ProviderRef: "ew-" + in.DeploymentID.String(),
		LogsRef:     "logs/" + in.DeploymentID.String(),
	}, nil
}

func (f *fakeRuntime) Invoke(_ context.Context, _ provider.InvokeInput) (provider.InvokeOutput, error) {
	return provider.InvokeOutput{StatusCode: 200, Body: []byte(`{}`)}, nil
}

func (f *fakeRuntime) Cleanup(_ context.Context, providerRef string) (provider.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, providerRef)
	return provider.CleanupResult{WorkersRemoved: 1, SecretsRemoved: 1}, nil
}

func (f *fakeRuntime) HealthCheck(context.Context) error { return nil }

func (f *fakeRuntime) deploysFor(deploymentID uuid.UUID) []provider.DeployInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.DeployInput
	for _, in := range f.deploys {
		if in.DeploymentID == deploymentID {
			out = append(out, in)
		}
	}
	return out
}

func (f *fakeRuntime) cleanedUp(providerRef string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range f.cleanups {
		if ref == providerRef {
			return true
		}
	}
	return false
}

type env struct {
	svc   *orchestrator.Service
	fake  *fakeRuntime
	reg   *provider.Registry
	store artifact.Store
}

func newEnv(t *testing.T, extra ...provider.RuntimeProvider) *env {
	t.Helper()
	fake := &fakeRuntime{}
	reg := provider.NewRegistry(append([]provider.RuntimeProvider{fake}, extra...)...)
	store := artifact.NewDirStore(t.TempDir())
	validator, err := manifest.NewValidator()
	require.NoError(t, err)
	return &env{
		svc:   orchestrator.New(testDB, reg, store, validator, testutil.TestLogger()),
		fake:  fake,
		reg:   reg,
		store: store,
	}
}

func (e *env) startWorker(t *testing.T) {
	t.Helper()
	w := orchestrator.NewWorker(testDB, e.reg, e.store, testKey,
		"https://arclight.example/v1/telemetry/report",
		testutil.TestLogger(), 25*time.Millisecond, 10)
	w.Start(context.Background())
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Drain(drainCtx)
	})
}

func newTenant(t *testing.T, tier model.Tier) model.Tenant {
	t.Helper()
	tenant, err := testDB.CreateTenant(context.Background(), model.Tenant{Tier: tier})
	require.NoError(t, err)
	return tenant
}

func newAgent(t *testing.T, tenantID uuid.UUID) model.Agent {
	t.Helper()
	agent, err := testDB.CreateAgent(context.Background(), model.Agent{
		TenantID:        tenantID,
		Name:            "orch-" + uuid.NewString()[:8],
		EnvKeys:         []string{"OPENAI_API_KEY"},
		RuntimeProvider: "edgeworker",
	})
	require.NoError(t, err)
	return agent
}

var workerSource = []byte(`export default { fetch() { return new Response("ok") } }`)

func deployRequest() model.DeployRequest {
	return model.DeployRequest{
		Artifact: base64.StdEncoding.EncodeToString(workerSource),
		Config: map[string]any{
			"entrypoint": "worker.js",
			"memory_mb":  128,
		},
	}
}

func waitForStatus(t *testing.T, tenantID, deploymentID uuid.UUID, want model.DeploymentStatus) model.Deployment {
	t.Helper()
	var d model.Deployment
	require.Eventually(t, func() bool {
		var err error
		d, err = testDB.GetDeployment(context.Background(), tenantID, deploymentID)
		return err == nil && d.Status == want
	}, 15*time.Second, 25*time.Millisecond, "deployment never reached %s", want)
	return d
}

func TestDeployCreatesDeployment(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)

	d, err := e.svc.Deploy(context.Background(), orchestrator.DeployInput{
		Tenant:    tenant,
		AgentID:   agent.ID,
		Request:   deployRequest(),
		RequestID: "req-1",
		Actor:     "test",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, d.Version)
	assert.Equal(t, model.DeploymentDeploying, d.Status)
	assert.Equal(t, model.ProtocolV1, d.ProtocolVersion)
	assert.Equal(t, "edgeworker", d.RuntimeProvider)

	stored, err := e.store.Get(context.Background(), d.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, workerSource, stored)
}

func TestDeployValidation(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)

	oversize := base64.StdEncoding.EncodeToString(make([]byte, model.MaxArtifactBytes+1))

	cases := map[string]struct {
		mutate func(*model.DeployRequest)
		code   model.ErrorCode
	}{
		"unsupported protocol": {
			mutate: func(r *model.DeployRequest) { r.ProtocolVersion = "v2" },
			code:   model.ErrCodeInvalidRequest,
		},
		"missing artifact": {
			mutate: func(r *model.DeployRequest) { r.Artifact = "" },
			code:   model.ErrCodeInvalidRequest,
		},
		"artifact not base64": {
			mutate: func(r *model.DeployRequest) { r.Artifact = "%%%not-base64%%%" },
			code:   model.ErrCodeInvalidRequest,
		},
		"artifact too large": {
			mutate: func(r *model.DeployRequest) { r.Artifact = oversize },
			code:   model.ErrCodeInvalidRequest,
		},
		"unknown provider": {
			mutate: func(r *model.DeployRequest) { r.RuntimeProvider = "lambda" },
			code:   model.ErrCodeInvalidRequest,
		},
		"config rejected by schema": {
			mutate: func(r *model.DeployRequest) { r.Config = map[string]any{"memory_mb": 16} },
			code:   model.ErrCodeInvalidRequest,
		},
		"config with unknown field": {
			mutate: func(r *model.DeployRequest) { r.Config = map[string]any{"replicas": 3} },
			code:   model.ErrCodeInvalidRequest,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := deployRequest()
			tc.mutate(&req)
			_, err := e.svc.Deploy(context.Background(), orchestrator.DeployInput{
				Tenant:  tenant,
				AgentID: agent.ID,
				Request: req,
			})
			require.Error(t, err)
			assert.Equal(t, tc.code, model.CodeOf(err))
		})
	}

	// None of the rejected requests may have created a deployment.
	_, total, err := testDB.ListDeployments(context.Background(), tenant.ID, agent.ID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDeployTierProviderRestriction(t *testing.T) {
	gpufarm := &fakeRuntime{name: "gpufarm"}
	e := newEnv(t, gpufarm)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)

	req := deployRequest()
	req.RuntimeProvider = "gpufarm"
	_, err := e.svc.Deploy(context.Background(), orchestrator.DeployInput{
		Tenant:  tenant,
		AgentID: agent.ID,
		Request: req,
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeForbidden, model.CodeOf(err))
}

func TestDeployRefusedWhileDeploying(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)
	ctx := context.Background()

	_, err := e.svc.Deploy(ctx, orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.NoError(t, err)

	_, err = e.svc.Deploy(ctx, orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.ErrorIs(t, err, storage.ErrDeployInProgress)
}

func TestWorkerFinalizesSuccessfulDeploy(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)
	ctx := context.Background()

	d, err := e.svc.Deploy(ctx, orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.NoError(t, err)

	e.startWorker(t)
	final := waitForStatus(t, tenant.ID, d.ID, model.DeploymentActive)

	require.NotNil(t, final.ProviderRef)
	assert.Equal(t, "ew-"+d.ID.String(), *final.ProviderRef)
	assert.NotNil(t, final.FinishedAt)

	calls := e.fake.deploysFor(d.ID)
	require.Len(t, calls, 1)
	in := calls[0]
	assert.Equal(t, workerSource, in.Artifact)
	assert.Equal(t, []string{"OPENAI_API_KEY"}, in.SecretNames)
	assert.Equal(t, "https://arclight.example/v1/telemetry/report", in.TelemetryEndpoint)
	assert.NotEmpty(t, in.TelemetrySecret)

	// The stored telemetry auth ref decrypts to the secret the provider saw.
	var envelope string
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT telemetry_auth_ref FROM deployments WHERE id = $1`, d.ID,
	).Scan(&envelope))
	secret, err := cryptoutil.Decrypt(testKey, envelope)
	require.NoError(t, err)
	assert.Equal(t, in.TelemetrySecret, secret)

	got, err := testDB.GetAgent(ctx, tenant.ID, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveDeploymentID)
	assert.Equal(t, d.ID, *got.ActiveDeploymentID)
}

func TestWorkerFinalizesFailedDeploy(t *testing.T) {
	e := newEnv(t)
	e.fake.deployErr = model.E(model.ErrCodeRuntimeError, "provider exploded")
	e.fake.failRemaining = -1
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)
	ctx := context.Background()

	d, err := e.svc.Deploy(ctx, orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.NoError(t, err)

	e.startWorker(t)
	final := waitForStatus(t, tenant.ID, d.ID, model.DeploymentFailed)

	assert.Nil(t, final.ProviderRef)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "provider exploded")

	got, err := testDB.GetAgent(ctx, tenant.ID, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ActiveDeploymentID)
}

func TestWorkerRetriesRetryableFailure(t *testing.T) {
	e := newEnv(t)
	e.fake.deployErr = model.E(model.ErrCodeRuntimeError, "transient upstream failure").Retry()
	e.fake.failRemaining = 1
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)

	d, err := e.svc.Deploy(context.Background(), orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.NoError(t, err)

	e.startWorker(t)
	waitForStatus(t, tenant.ID, d.ID, model.DeploymentActive)

	assert.Len(t, e.fake.deploysFor(d.ID), 2)
}

func TestWorkerCleansUpDeletedAgent(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)
	ctx := context.Background()

	d, err := e.svc.Deploy(ctx, orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.NoError(t, err)

	e.startWorker(t)
	waitForStatus(t, tenant.ID, d.ID, model.DeploymentActive)

	require.NoError(t, testDB.SoftDeleteAgent(ctx, tenant.ID, agent.ID))

	require.Eventually(t, func() bool {
		return e.fake.cleanedUp("ew-" + d.ID.String())
	}, 15*time.Second, 25*time.Millisecond, "cleanup never reached the provider")
}

func TestActivateFlipsRoutingPointer(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)
	ctx := context.Background()

	deploy := func() model.Deployment {
		d, err := e.svc.Deploy(ctx, orchestrator.DeployInput{
			Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
		})
		require.NoError(t, err)
		require.NoError(t, testDB.FinalizeDeploySuccess(ctx, d.ID, "ew-"+d.ID.String(), "auth-"+d.ID.String()))
		return d
	}

	v1 := deploy()
	v2 := deploy()

	got, err := testDB.GetAgent(ctx, tenant.ID, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveDeploymentID)
	require.Equal(t, v2.ID, *got.ActiveDeploymentID)

	activated, err := e.svc.Activate(ctx, tenant.ID, agent.ID, v1.ID, "req-rb", "test")
	require.NoError(t, err)
	assert.Equal(t, v1.Version, activated.Version)

	got, err = testDB.GetAgent(ctx, tenant.ID, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveDeploymentID)
	assert.Equal(t, v1.ID, *got.ActiveDeploymentID)
}

func TestSweeperDeletesExpiredEvents(t *testing.T) {
	e := newEnv(t)
	tenant := newTenant(t, model.TierFree)
	agent := newAgent(t, tenant.ID)
	ctx := context.Background()

	d, err := e.svc.Deploy(ctx, orchestrator.DeployInput{
		Tenant: tenant, AgentID: agent.ID, Request: deployRequest(),
	})
	require.NoError(t, err)
	require.NoError(t, testDB.FinalizeDeploySuccess(ctx, d.ID, "ew-"+d.ID.String(), "auth-"+d.ID.String()))

	res, err := testDB.InsertEventWithUsage(ctx, model.MetricsEvent{
		TenantID:        tenant.ID,
		AgentID:         agent.ID,
		DeploymentID:    d.ID,
		RuntimeProvider: "edgeworker",
		Timestamp:       time.Now().UTC(),
		Requests:        1,
		Tokens:          100,
	}, "sweep-"+uuid.NewString())
	require.NoError(t, err)

	// Age the event past the free tier's 30-day retention window.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE metrics_events SET created_at = now() - interval '40 days' WHERE id = $1`,
		res.EventID,
	)
	require.NoError(t, err)

	sweeper := orchestrator.NewSweeper(testDB, testutil.TestLogger(), 25*time.Millisecond)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		events, err := testDB.RecentEvents(ctx, tenant.ID, nil, nil, 10)
		return err == nil && len(events) == 0
	}, 10*time.Second, 25*time.Millisecond, "expired event was never swept")

	// Aggregated billing usage survives the sweep.
	usage, err := testDB.GetBillingUsage(ctx, tenant.ID, model.CurrentPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.Tokens)
}
