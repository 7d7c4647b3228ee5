package worker

import (
	"context"
	"encoding/json"
	"time"

	"blendfarm/internal/orchestrator"
	"blendfarm/internal/pkg/errors"
	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/render"
	"blendfarm/internal/repositories"
	"blendfarm/internal/worker/queue"
	"blendfarm/internal/workflow"
)

const promoteInterval = 5 * time.Second

// Run consumes render run ids from the queue and drives each through the
// orchestrator. Suspended runs are parked on the delayed set and promoted
// back once their wake time passes, so one worker slot is never held across
// a render's multi-minute poll sleeps.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	q := queue.NewRedisQueue(d.RDB, d.QueueName)
	runs := repositories.NewRunRepository(d.Pool)
	store := workflow.NewPGStore(d.Pool)
	orch := orchestrator.New(d.Sandboxes, d.SP, d.Config, log)

	go promoteLoop(ctx, q, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		runID, err := q.Pop(popCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			time.Sleep(1 * time.Second)
			continue
		}
		if runID == "" {
			continue
		}

		processRun(logger.ContextWithRunID(ctx, runID), runID, runs, store, orch, q, log.WithRunID(runID))
	}
}

func processRun(
	ctx context.Context,
	runID string,
	runs *repositories.RunRepository,
	store workflow.Store,
	orch *orchestrator.Orchestrator,
	q *queue.RedisQueue,
	log *logger.Logger,
) {
	run, err := runs.Get(ctx, runID)
	if err != nil {
		log.Error("run not found, dropping", "error", err.Error())
		return
	}

	var req render.Request
	if err := json.Unmarshal([]byte(run.ParamsJSON), &req); err != nil {
		log.Error("invalid run params", "error", err.Error())
		_ = runs.MarkFailed(ctx, runID, string(errors.CodeValidation), "invalid run params: "+err.Error())
		return
	}

	if err := runs.MarkRunning(ctx, runID); err != nil {
		log.Error("failed to mark run running", "error", err.Error())
		return
	}

	log.Info("processing run", "sandbox_id", req.SandboxID, "parallelism", req.Parallelism)
	start := time.Now()

	res, err := orch.Execute(ctx, workflow.NewRun(runID, store), req)
	switch {
	case err == nil:
		if err := runs.MarkDone(ctx, runID, res.ObjectKey, res.Provider); err != nil {
			log.Error("failed to mark run done", "error", err.Error())
			return
		}
		log.Info("run completed",
			"object_key", res.ObjectKey,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	default:
		if suspend, ok := workflow.AsSuspend(err); ok {
			if err := runs.MarkSleeping(ctx, runID, suspend.WakeAt); err != nil {
				log.Error("failed to mark run sleeping", "error", err.Error())
			}
			if err := q.PushDelayed(ctx, runID, suspend.WakeAt); err != nil {
				log.Error("failed to park suspended run", "error", err.Error())
			}
			log.Debug("run suspended", "wake_at", suspend.WakeAt.Format(time.RFC3339))
			return
		}

		code := errors.GetCode(err)
		if markErr := runs.MarkFailed(ctx, runID, string(code), err.Error()); markErr != nil {
			log.Error("failed to mark run failed", "error", markErr.Error())
		}
		log.Error("run failed",
			"code", string(code),
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// promoteLoop periodically moves due suspended runs back onto the ready list.
func promoteLoop(ctx context.Context, q *queue.RedisQueue, log *logger.Logger) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.PromoteDue(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("failed to promote due runs", "error", err.Error())
				}
				continue
			}
			if n > 0 {
				log.Debug("promoted due runs", "count", n)
			}
		}
	}
}
