package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnyy99/giggle/internal/domain"
	"github.com/cnyy99/giggle/internal/eventbus"
	"github.com/cnyy99/giggle/internal/platform/recovery"
	"github.com/cnyy99/giggle/internal/taskrepo"
)

const (
	recoverStuckTasksLock = "recover_stuck_tasks_lock"

	failNoNodeMessage    = "No available nodes after 10 retry attempts"
	failReclaimedMessage = "Task failed after 10 recovery attempts"
)

func pendingTaskProcessKey(taskID string) string { return "pending_task_process:" + taskID }
func taskRecoverKey(taskID string) string        { return "task_recover:" + taskID }

// RunPendingDrain sweeps the global pending queue on a fixed interval,
// with an initial 0-second delay (the first drain runs immediately).
func (d *Dispatcher) RunPendingDrain(ctx context.Context) {
	recovery.Guard("dispatcher.pending_drain", func() { d.drainOneTick(ctx) })

	ticker := time.NewTicker(d.tuning.PendingDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovery.Guard("dispatcher.pending_drain", func() { d.drainOneTick(ctx) })
		}
	}
}

// drainOneTick pops exactly one envelope from the tail of the pending
// queue and processes it.
func (d *Dispatcher) drainOneTick(ctx context.Context) {
	env, ok, err := d.broker.PopPendingTail(ctx)
	if err != nil {
		slog.Error("dispatcher: pop pending", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	d.processPendingEnvelope(ctx, env)
}

func (d *Dispatcher) processPendingEnvelope(ctx context.Context, env domain.PendingTask) {
	lockName := pendingTaskProcessKey(env.TaskID)

	_, acquired, err := d.locks.TryLock(ctx, lockName, d.tuning.PendingTaskProcessLockTTL, d.tuning.PendingTaskProcessLockWait)
	if err != nil {
		slog.Error("dispatcher: pending process lock", slog.String("task_id", env.TaskID), slog.String("error", err.Error()))
		return
	}
	if !acquired {
		return
	}
	defer func() { _ = d.locks.Unlock(context.Background(), lockName) }()

	task, ok, err := d.repo.Find(ctx, env.TaskID)
	if err != nil {
		slog.Error("dispatcher: pending find", slog.String("task_id", env.TaskID), slog.String("error", err.Error()))
		return
	}
	if !ok || task.Status != domain.TaskPending {
		return
	}

	node, ok, err := d.nodes.SelectOptimal(ctx, time.Now().UnixMilli())
	if err != nil {
		slog.Error("dispatcher: pending select_optimal", slog.String("task_id", env.TaskID), slog.String("error", err.Error()))
	}
	if ok {
		err := d.handoff(ctx, task, node)
		if err == nil {
			return
		}
		if errors.Is(err, ErrDispatchInFlight) {
			slog.Error("dispatcher: handoff post-push update failed, leaving task dispatching",
				slog.String("task_id", env.TaskID), slog.String("node_id", node.ID), slog.String("error", err.Error()))
			return
		}
	}

	d.requeueOrFail(ctx, env)
}

// requeueOrFail implements the shared retry-ceiling check for both "no
// node available" and "handoff failed": the task's lifetime PENDING→
// PROCESSING transition count is bounded by max_retry_attempts+1 (11)
// regardless of which of the two caused this requeue decision. Either
// branch persists the incremented retry_count to the repository row, not
// just the ephemeral pending-queue envelope — retry_count never decreases
// and is readable via Find/ListTasks throughout the cycle, not only once
// the task reaches FAILED.
func (d *Dispatcher) requeueOrFail(ctx context.Context, env domain.PendingTask) {
	if env.RetryCount >= d.tuning.MaxRetryAttempts {
		d.failTask(ctx, env.TaskID, failNoNodeMessage, env.RetryCount)
		return
	}

	newRetry := env.RetryCount + 1
	if _, err := d.repo.UpdateStatus(ctx, env.TaskID, taskrepo.Update{
		Status:             domain.TaskPending,
		PreconditionStatus: domain.TaskPending,
		RetryCount:         &newRetry,
	}); err != nil {
		slog.Error("dispatcher: requeue retry_count", slog.String("task_id", env.TaskID), slog.String("error", err.Error()))
		return
	}
	if err := d.parkPending(ctx, env.TaskID, newRetry); err != nil {
		slog.Error("dispatcher: requeue pending", slog.String("task_id", env.TaskID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) failTask(ctx context.Context, taskID, message string, retryCount int) {
	if _, err := d.repo.UpdateStatus(ctx, taskID, taskrepo.Update{
		Status:       domain.TaskFailed,
		ErrorMessage: &message,
		RetryCount:   &retryCount,
	}); err != nil {
		slog.Error("dispatcher: fail task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	d.events.PublishBestEffort(ctx, eventbus.Event{TaskID: taskID, To: string(domain.TaskFailed), Detail: message, At: time.Now()})
}

// RunStuckReclaimer runs the stuck-task reclaimer on a fixed interval,
// with an initial delay equal to that same interval (no immediate run).
func (d *Dispatcher) RunStuckReclaimer(ctx context.Context) {
	ticker := time.NewTicker(d.tuning.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovery.Guard("dispatcher.stuck_reclaimer", func() { d.reclaimTick(ctx) })
		}
	}
}

// reclaimTick holds the global recover_stuck_tasks_lock for the duration
// of one sweep; if another instance already holds it, this tick is
// skipped entirely (wait=0).
func (d *Dispatcher) reclaimTick(ctx context.Context) {
	_, acquired, err := d.locks.TryLock(ctx, recoverStuckTasksLock, d.tuning.RecoverLockTTL, d.tuning.RecoverLockWait)
	if err != nil {
		slog.Error("dispatcher: reclaim lock", slog.String("error", err.Error()))
		return
	}
	if !acquired {
		return
	}
	defer func() { _ = d.locks.Unlock(context.Background(), recoverStuckTasksLock) }()

	threshold := time.Now().Add(-d.tuning.StuckThreshold)
	stuck, err := d.repo.ListStuck(ctx, threshold)
	if err != nil {
		slog.Error("dispatcher: list stuck", slog.String("error", err.Error()))
		return
	}

	for _, task := range stuck {
		d.reclaimOne(ctx, task, threshold)
	}
}

func (d *Dispatcher) reclaimOne(ctx context.Context, task domain.Task, threshold time.Time) {
	lockName := taskRecoverKey(task.ID)

	_, acquired, err := d.locks.TryLock(ctx, lockName, d.tuning.TaskRecoverLockTTL, d.tuning.TaskRecoverLockWait)
	if err != nil {
		slog.Error("dispatcher: reclaim lock", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if !acquired {
		return
	}
	defer func() { _ = d.locks.Unlock(context.Background(), lockName) }()

	fresh, ok, err := d.repo.Find(ctx, task.ID)
	if err != nil {
		slog.Error("dispatcher: reclaim find", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if !ok || fresh.Status != domain.TaskProcessing || !fresh.UpdatedAt.Before(threshold) {
		return
	}

	newRetry := fresh.RetryCount + 1
	if newRetry <= d.tuning.MaxRetryAttempts {
		if _, err := d.repo.UpdateStatus(ctx, task.ID, taskrepo.Update{
			Status:            domain.TaskPending,
			ClearAssignedNode: true,
			RetryCount:        &newRetry,
		}); err != nil {
			slog.Error("dispatcher: reclaim re-pend", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			return
		}
		if err := d.parkPending(ctx, task.ID, newRetry); err != nil {
			slog.Error("dispatcher: reclaim enqueue", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		d.events.PublishBestEffort(ctx, eventbus.Event{
			TaskID: task.ID, NodeID: fresh.AssignedNodeID, From: string(domain.TaskProcessing), To: string(domain.TaskPending),
			Detail: fmt.Sprintf("reclaimed, retry_count=%d", newRetry), At: time.Now(),
		})
		return
	}

	d.failTask(ctx, task.ID, failReclaimedMessage, newRetry)
}
