package ingest_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/cryptoutil"
	"github.com/arclight-dev/arclight/internal/ingest"
	"github.com/arclight-dev/arclight/internal/model"
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

// fixture is a tenant, agent, and active deployment whose telemetry secret is
// known to the test.
type fixture struct {
	tenant     model.Tenant
	agent      model.Agent
	deployment model.Deployment
	secret     []byte
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	tenant, err := testDB.CreateTenant(ctx, model.Tenant{Tier: model.TierFree})
	require.NoError(t, err)

	agent, err := testDB.CreateAgent(ctx, model.Agent{
		TenantID:        tenant.ID,
		Name:            "ingest-" + uuid.NewString()[:8],
		RuntimeProvider: "edgeworker",
	})
	require.NoError(t, err)

	d, err := testDB.CreateDeployment(ctx, storage.CreateDeploymentParams{
		TenantID:        tenant.ID,
		AgentID:         agent.ID,
		ProtocolVersion: "1.0",
		RuntimeProvider: "edgeworker",
		ArtifactRef:     "artifacts/" + uuid.NewString(),
	})
	require.NoError(t, err)

	secret, err := cryptoutil.NewTelemetrySecret()
	require.NoError(t, err)
	sealed, err := cryptoutil.Encrypt(testKey, secret)
	require.NoError(t, err)

	require.NoError(t, testDB.FinalizeDeploySuccess(ctx, d.ID, "ew-"+d.ID.String(), sealed))

	deployment, err := testDB.GetDeployment(ctx, tenant.ID, d.ID)
	require.NoError(t, err)

	return fixture{tenant: tenant, agent: agent, deployment: deployment, secret: secret}
}

func (f fixture) report() model.TelemetryReport {
	eventID := uuid.NewString()
	return model.TelemetryReport{
		TenantID:        f.tenant.ID,
		AgentID:         f.agent.ID,
		DeploymentID:    f.deployment.ID,
		RuntimeProvider: "edgeworker",
		EventID:         &eventID,
		TimestampMs:     time.Now().UnixMilli(),
		Requests:        1,
		Tokens:          200,
		ComputeMs:       40,
	}
}

func (f fixture) signedBody(t *testing.T, report model.TelemetryReport) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(report)
	require.NoError(t, err)
	return body, cryptoutil.Sign(f.secret, body)
}

func newService() *ingest.Service {
	return ingest.New(testDB, testKey, testutil.TestLogger())
}

func TestIngestAcceptsSignedReport(t *testing.T) {
	f := newFixture(t)
	svc := newService()

	body, sig := f.signedBody(t, f.report())
	res, err := svc.Ingest(context.Background(), f.deployment.ID.String(), sig, body)
	require.NoError(t, err)
	assert.False(t, res.Deduped)
	assert.NotEqual(t, uuid.Nil, res.EventID)

	period := model.PeriodKey(time.Now().UTC())
	usage, err := testDB.GetBillingUsage(context.Background(), f.tenant.ID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(200), usage.Tokens)
}

func TestIngestDedupsReplays(t *testing.T) {
	f := newFixture(t)
	svc := newService()

	body, sig := f.signedBody(t, f.report())

	res, err := svc.Ingest(context.Background(), f.deployment.ID.String(), sig, body)
	require.NoError(t, err)
	assert.False(t, res.Deduped)
	originalID := res.EventID

	res, err = svc.Ingest(context.Background(), f.deployment.ID.String(), sig, body)
	require.NoError(t, err)
	assert.True(t, res.Deduped)
	assert.Equal(t, originalID, res.EventID, "the replay must reference the stored event")

	period := model.PeriodKey(time.Now().UTC())
	usage, err := testDB.GetBillingUsage(context.Background(), f.tenant.ID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Requests)
}

func TestIngestAuthFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	svc := newService()
	ctx := context.Background()

	body, sig := f.signedBody(t, f.report())

	cases := map[string]struct {
		deploymentID string
		signature    string
		body         []byte
	}{
		"missing deployment header": {"", sig, body},
		"missing signature":         {f.deployment.ID.String(), "", body},
		"malformed deployment id":   {"not-a-uuid", sig, body},
		"unknown deployment":        {uuid.NewString(), sig, body},
		"wrong signature":           {f.deployment.ID.String(), "v1=" + uuid.NewString(), body},
		"tampered body":             {f.deployment.ID.String(), sig, append([]byte(nil), append(body, ' ')...)},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tc.deploymentID, tc.signature, tc.body)
			require.Error(t, err)
			assert.Equal(t, model.ErrCodeUnauthorized, model.CodeOf(err))
			assert.Equal(t, "telemetry report rejected", err.(*model.Error).Message)
		})
	}
}

func TestIngestRejectsIdentityMismatch(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	svc := newService()

	// A report signed with f's secret but claiming other's identity.
	report := f.report()
	report.TenantID = other.tenant.ID
	report.AgentID = other.agent.ID
	report.DeploymentID = other.deployment.ID

	body, sig := f.signedBody(t, report)
	_, err := svc.Ingest(context.Background(), f.deployment.ID.String(), sig, body)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeForbidden, model.CodeOf(err))
}

func TestIngestRejectsInvalidReport(t *testing.T) {
	f := newFixture(t)
	svc := newService()

	report := f.report()
	report.Tokens = -5
	body, sig := f.signedBody(t, report)

	_, err := svc.Ingest(context.Background(), f.deployment.ID.String(), sig, body)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeInvalidRequest, model.CodeOf(err))
}

func TestIngestRejectsDeployingDeployment(t *testing.T) {
	ctx := context.Background()
	tenant, err := testDB.CreateTenant(ctx, model.Tenant{Tier: model.TierFree})
	require.NoError(t, err)
	agent, err := testDB.CreateAgent(ctx, model.Agent{
		TenantID:        tenant.ID,
		Name:            "pending-" + uuid.NewString()[:8],
		RuntimeProvider: "edgeworker",
	})
	require.NoError(t, err)

	// Still deploying: no telemetry auth ref exists yet.
	d, err := testDB.CreateDeployment(ctx, storage.CreateDeploymentParams{
		TenantID: tenant.ID, AgentID: agent.ID,
		ProtocolVersion: "1.0", RuntimeProvider: "edgeworker", ArtifactRef: "a",
	})
	require.NoError(t, err)

	svc := newService()
	_, err = svc.Ingest(ctx, d.ID.String(), "v1=00", []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeUnauthorized, model.CodeOf(err))
}
