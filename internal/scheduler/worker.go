package scheduler

import (
	"context"
	"fmt"
	"time"

	"maklerportal_backend/internal/reconciliation/service"
	"maklerportal_backend/platform/config"
	"maklerportal_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Runner executes one reconciliation pass.
type Runner interface {
	Run(ctx context.Context, opts service.RunOptions) (service.RunSummary, error)
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, runner Runner, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		runner: runner,
		log:    log,
	}

	mux.HandleFunc(TaskReconcileRun, w.handleReconcileRun)

	return w, nil
}

func (w *Worker) handleReconcileRun(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseReconcileRunPayload(task)
	if err != nil {
		return err
	}

	var opts service.RunOptions
	if payload.LeadID != "" {
		id, err := uuid.Parse(payload.LeadID)
		if err != nil {
			return fmt.Errorf("invalid lead id in task payload: %w", err)
		}
		opts.LeadID = &id
	}
	if payload.PropertyRef != "" {
		ref := payload.PropertyRef
		opts.PropertyRef = &ref
	}

	summary, err := w.runner.Run(ctx, opts)
	if err != nil {
		// Fatal runs are worth a retry; asynq backs off between attempts.
		return err
	}

	w.log.Info("queued reconciliation run finished",
		"status", summary.Status,
		"matched", summary.LeadsMatched,
		"updated", summary.LeadsUpdated,
	)
	return nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

// RunPeriodicEnqueue queues a full-pool pass every interval until the context
// is cancelled. The unique option on the task makes overlapping enqueues from
// several scheduler replicas harmless.
func RunPeriodicEnqueue(ctx context.Context, client RunEnqueuer, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.EnqueueReconcileRun(ctx, ReconcileRunPayload{}); err != nil {
				log.Error("failed to enqueue reconciliation run", "error", err)
			}
		}
	}
}
