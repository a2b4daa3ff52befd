// Package jobs runs background work over Asynq: queued matching runs and the
// periodic rescan of open reconciliations.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/concilio/concilio/internal/recon"
	"github.com/concilio/concilio/internal/recon/match"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueRecon carries matching runs so they never starve behind other work.
	QueueRecon = "recon"
	// TaskMatchingRun pairs one reconciliation's sources in the background.
	TaskMatchingRun = "recon:match"
	// TaskRescan re-runs matching for every open reconciliation.
	TaskRescan = "recon:rescan"
)

// MatchingRunPayload identifies the reconciliation to match.
type MatchingRunPayload struct {
	ReconciliationID uuid.UUID `json:"reconciliationId"`
}

// NewMatchingRunTask constructs an Asynq task for one matching run.
func NewMatchingRunTask(payload MatchingRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMatchingRun, data), nil
}

// NewRescanTask constructs the periodic rescan task.
func NewRescanTask() *asynq.Task {
	return asynq.NewTask(TaskRescan, nil)
}

type matchingService interface {
	List(ctx context.Context, filter recon.ListFilter) ([]recon.Reconciliation, int, error)
	RunMatchingFromSources(ctx context.Context, id uuid.UUID, cfg match.Config) (recon.MatchOutcome, error)
}

type jobObserver interface {
	ObserveJob(task string, err error)
}

// Handlers processes reconciliation background tasks.
type Handlers struct {
	service  matchingService
	defaults match.Config
	logger   *slog.Logger
	observer jobObserver
}

// NewHandlers constructs the task handlers. The observer may be nil.
func NewHandlers(service matchingService, defaults match.Config, logger *slog.Logger, observer jobObserver) *Handlers {
	return &Handlers{service: service, defaults: defaults, logger: logger, observer: observer}
}

// HandleMatchingRun processes TaskMatchingRun tasks.
func (h *Handlers) HandleMatchingRun(ctx context.Context, t *asynq.Task) error {
	var payload MatchingRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	out, err := h.service.RunMatchingFromSources(ctx, payload.ReconciliationID, h.defaults)
	h.observe(TaskMatchingRun, err)
	if err != nil {
		// A reconciliation closed between enqueue and execution is not a
		// failure worth retrying.
		if errors.Is(err, recon.ErrReconciliationClosed) {
			h.logger.Info("skipping matching for closed reconciliation",
				slog.String("reconciliation_id", payload.ReconciliationID.String()))
			return nil
		}
		if errors.Is(err, recon.ErrNotFound) {
			return asynq.SkipRetry
		}
		return err
	}
	h.logger.Info("background matching run completed",
		slog.String("reconciliation_id", payload.ReconciliationID.String()),
		slog.Int("pairs", len(out.Pairs)),
		slog.Int("divergences", len(out.Divergences)))
	return nil
}

// HandleRescan re-runs matching for every IN_PROGRESS reconciliation so
// source items imported after the last run get surfaced.
func (h *Handlers) HandleRescan(ctx context.Context, _ *asynq.Task) error {
	recs, _, err := h.service.List(ctx, recon.ListFilter{Status: recon.StatusInProgress})
	if err != nil {
		h.observe(TaskRescan, err)
		return err
	}
	var failed int
	for _, rec := range recs {
		if _, err := h.service.RunMatchingFromSources(ctx, rec.ID, h.defaults); err != nil {
			if errors.Is(err, recon.ErrReconciliationClosed) || errors.Is(err, recon.ErrConcurrentModification) {
				continue
			}
			failed++
			h.logger.Error("rescan matching failed",
				slog.String("reconciliation_id", rec.ID.String()),
				slog.Any("error", err))
		}
	}
	h.observe(TaskRescan, nil)
	h.logger.Info("rescan completed", slog.Int("scanned", len(recs)), slog.Int("failed", failed))
	if failed > 0 {
		return errors.New("jobs: rescan had failures")
	}
	return nil
}

func (h *Handlers) observe(task string, err error) {
	if h.observer != nil {
		h.observer.ObserveJob(task, err)
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueMatching enqueues a matching run for one reconciliation. The task
// id makes repeat requests within the retention window idempotent.
func (c *Client) EnqueueMatching(ctx context.Context, reconciliationID uuid.UUID) error {
	task, err := NewMatchingRunTask(MatchingRunPayload{ReconciliationID: reconciliationID})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueRecon),
		asynq.TaskID("recon:match:"+reconciliationID.String()),
		asynq.Retention(time.Minute))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
