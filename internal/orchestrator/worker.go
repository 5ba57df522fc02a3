package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/arclight-dev/arclight/internal/artifact"
	"github.com/arclight-dev/arclight/internal/cryptoutil"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/provider"
	"github.com/arclight-dev/arclight/internal/storage"
	"github.com/arclight-dev/arclight/internal/telemetry"
)

// taskLease must exceed the per-batch deadline so a slow batch is not picked
// up by a second worker while still running.
const (
	taskLease     = 120 * time.Second
	batchDeadline = 90 * time.Second
)

// Worker drains the orchestration task queue: provider deploys and cleanups
// run here, after the transactions that enqueued them have committed. Every
// task is at-least-once; both handlers are idempotent end to end.
type Worker struct {
	db            *storage.DB
	providers     *provider.Registry
	artifacts     artifact.Store
	encryptionKey []byte
	telemetryURL  string
	logger        *slog.Logger
	pollInterval  time.Duration
	batchSize     int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	lastSweep  time.Time
	drainCh    chan context.Context
}

// NewWorker creates an orchestration worker.
func NewWorker(db *storage.DB, providers *provider.Registry, artifacts artifact.Store, encryptionKey []byte, telemetryURL string, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		db:            db,
		providers:     providers,
		artifacts:     artifacts,
		encryptionKey: encryptionKey,
		telemetryURL:  telemetryURL,
		logger:        logger,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		done:          make(chan struct{}),
		drainCh:       make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("orchestrator worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining tasks, and blocks
// until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("orchestrator worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, batchDeadline)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	tasks, err := w.db.LeaseTasks(ctx, w.batchSize, taskLease)
	if err != nil {
		w.logger.Error("orchestrator worker: lease tasks", "error", err)
		return
	}

	for _, task := range tasks {
		var err error
		switch task.Kind {
		case storage.TaskDeploy:
			err = w.runDeploy(ctx, task)
		case storage.TaskCleanup:
			err = w.runCleanup(ctx, task)
		default:
			err = fmt.Errorf("unknown task kind %q", task.Kind)
		}

		if err != nil {
			w.logger.Warn("orchestrator worker: task failed",
				"task_id", task.ID,
				"kind", task.Kind,
				"attempts", task.Attempts+1,
				"error", err,
			)
			if ferr := w.db.FailTask(ctx, task.ID, err.Error()); ferr != nil {
				w.logger.Error("orchestrator worker: record task failure", "task_id", task.ID, "error", ferr)
			}
			continue
		}
		if cerr := w.db.CompleteTask(ctx, task.ID); cerr != nil {
			w.logger.Error("orchestrator worker: complete task", "task_id", task.ID, "error", cerr)
		}
	}

	if time.Since(w.lastSweep) > time.Hour {
		if n, err := w.db.SweepDeadLetterTasks(ctx); err != nil {
			w.logger.Error("orchestrator worker: sweep dead-letter tasks", "error", err)
		} else if n > 0 {
			w.logger.Info("orchestrator worker: swept dead-letter tasks", "deleted", n)
		}
		w.lastSweep = time.Now()
	}
}

// runDeploy drives one provider deploy and finalizes the deployment. A
// returned error means "retry later"; terminal provider failures finalize
// the deployment as failed and consume the task instead.
func (w *Worker) runDeploy(ctx context.Context, task storage.Task) error {
	if task.DeploymentID == nil {
		return errors.New("deploy task missing deployment id")
	}
	d, err := w.db.GetDeploymentByID(ctx, *task.DeploymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Row gone; nothing to do.
			return nil
		}
		return fmt.Errorf("load deployment: %w", err)
	}
	if d.Status != model.DeploymentDeploying {
		// Already finalized by a previous attempt.
		return nil
	}

	agent, err := w.db.GetAgent(ctx, d.TenantID, d.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	artifactBytes, err := w.artifacts.Get(ctx, d.ArtifactRef)
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}

	adapter, err := w.providers.Get(d.RuntimeProvider)
	if err != nil {
		return w.finalizeFailure(ctx, d, err)
	}

	secret, err := cryptoutil.NewTelemetrySecret()
	if err != nil {
		return fmt.Errorf("generate telemetry secret: %w", err)
	}
	envelope, err := cryptoutil.Encrypt(w.encryptionKey, secret)
	if err != nil {
		return fmt.Errorf("encrypt telemetry secret: %w", err)
	}

	out, err := adapter.Deploy(ctx, provider.DeployInput{
		TenantID:          d.TenantID,
		AgentID:           d.AgentID,
		DeploymentID:      d.ID,
		Artifact:          artifactBytes,
		SecretNames:       agent.EnvKeys,
		TelemetrySecret:   secret,
		TelemetryEndpoint: w.telemetryURL,
	})
	if err != nil {
		if model.IsRetryable(err) && task.Attempts+1 < storage.MaxTaskAttempts {
			return fmt.Errorf("provider deploy: %w", err)
		}
		return w.finalizeFailure(ctx, d, err)
	}

	if err := w.db.FinalizeDeploySuccess(ctx, d.ID, out.ProviderRef, envelope); err != nil {
		switch {
		case errors.Is(err, storage.ErrStaleFinalize):
			// Lost a race with another finalize; the provider-side update
			// was idempotent, so nothing to undo.
			return nil
		case errors.Is(err, storage.ErrDivergentWrite):
			w.logger.Error("orchestrator worker: divergent finalize rejected",
				"deployment_id", d.ID, "provider_ref", out.ProviderRef)
			return nil
		default:
			return fmt.Errorf("finalize success: %w", err)
		}
	}

	w.logger.Info("orchestrator worker: deployment finalized",
		"deployment_id", d.ID,
		"agent_id", d.AgentID,
		"version", d.Version,
		"provider_ref", out.ProviderRef,
	)
	return nil
}

func (w *Worker) finalizeFailure(ctx context.Context, d model.Deployment, cause error) error {
	if err := w.db.FinalizeDeployFailure(ctx, d.ID, cause.Error()); err != nil {
		if errors.Is(err, storage.ErrStaleFinalize) {
			return nil
		}
		return fmt.Errorf("finalize failure: %w", err)
	}
	w.logger.Warn("orchestrator worker: deployment failed",
		"deployment_id", d.ID,
		"agent_id", d.AgentID,
		"version", d.Version,
	)
	return nil
}

// runCleanup tears down provider-side resources for a deployment. Cleanup is
// best-effort and must treat already-gone resources as success.
func (w *Worker) runCleanup(ctx context.Context, task storage.Task) error {
	if task.DeploymentID == nil {
		return errors.New("cleanup task missing deployment id")
	}
	d, err := w.db.GetDeploymentByID(ctx, *task.DeploymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load deployment: %w", err)
	}
	if d.ProviderRef == nil || *d.ProviderRef == "" {
		return nil
	}

	adapter, err := w.providers.Get(d.RuntimeProvider)
	if err != nil {
		w.logger.Warn("orchestrator worker: no adapter for cleanup",
			"deployment_id", d.ID, "provider", d.RuntimeProvider)
		return nil
	}

	res, err := adapter.Cleanup(ctx, *d.ProviderRef)
	if err != nil {
		return fmt.Errorf("provider cleanup: %w", err)
	}
	w.logger.Info("orchestrator worker: cleaned up deployment",
		"deployment_id", d.ID,
		"workers_removed", res.WorkersRemoved,
		"secrets_removed", res.SecretsRemoved,
	)
	return nil
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("arclight/orchestrator")

	_, _ = meter.Int64ObservableGauge("arclight.tasks.depth",
		metric.WithDescription("Number of pending orchestration tasks"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.db.CountPendingTasks(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(n)
			return nil
		}),
	)
}
