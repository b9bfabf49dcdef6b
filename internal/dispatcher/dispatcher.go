// Package dispatcher is the scheduler and task-state-machine driver: the
// synchronous dispatch fast-path, the per-node handoff critical section,
// and cancellation. The two background sweepers live in sweepers.go.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnyy99/giggle/internal/domain"
	"github.com/cnyy99/giggle/internal/eventbus"
	"github.com/cnyy99/giggle/internal/taskrepo"
)

// ErrDispatchInFlight is returned by handoff (wrapped) when PushWork has
// already succeeded and the follow-up status update fails. The work
// message is already on its way to the worker; re-parking the task would
// dispatch it a second time while the first delivery is still in flight,
// so callers must leave the task as DISPATCHING and let the worker's
// required idempotent PROCESSING transition resolve it.
var ErrDispatchInFlight = errors.New("dispatcher: work already pushed, status update failed")

// Tuning holds every Dispatcher knob spec.md §6's Configuration paragraph
// names. Zero-valued fields fall back to the defaults below — callers that
// only care about overriding one or two knobs can leave the rest at zero.
type Tuning struct {
	TaskDispatchLockTTL  time.Duration
	TaskDispatchLockWait time.Duration

	NodeDispatchLockTTL  time.Duration
	NodeDispatchLockWait time.Duration

	PerNodeCapacity  int
	MaxRetryAttempts int

	PendingDrainInterval       time.Duration
	PendingTaskProcessLockTTL  time.Duration
	PendingTaskProcessLockWait time.Duration

	ReclaimInterval     time.Duration
	StuckThreshold      time.Duration
	TaskRecoverLockTTL  time.Duration
	TaskRecoverLockWait time.Duration
	RecoverLockTTL      time.Duration
	RecoverLockWait     time.Duration
}

func defaultTuning() Tuning {
	return Tuning{
		TaskDispatchLockTTL:  10 * time.Second,
		TaskDispatchLockWait: 2 * time.Second,

		NodeDispatchLockTTL:  5 * time.Second,
		NodeDispatchLockWait: 1 * time.Second,

		PerNodeCapacity:  10,
		MaxRetryAttempts: 10,

		PendingDrainInterval:       30 * time.Second,
		PendingTaskProcessLockTTL:  10 * time.Second,
		PendingTaskProcessLockWait: 5 * time.Second,

		ReclaimInterval:     300 * time.Second,
		StuckThreshold:      30 * time.Minute,
		TaskRecoverLockTTL:  10 * time.Second,
		TaskRecoverLockWait: 1 * time.Second,
		RecoverLockTTL:      60 * time.Second,
		RecoverLockWait:     0 * time.Second,
	}
}

// withDefaults fills every zero-valued field of t from defaultTuning(),
// following the same override-or-fallback shape as config.applyDefaults.
func (t Tuning) withDefaults() Tuning {
	d := defaultTuning()
	if t.TaskDispatchLockTTL <= 0 {
		t.TaskDispatchLockTTL = d.TaskDispatchLockTTL
	}
	if t.TaskDispatchLockWait <= 0 {
		t.TaskDispatchLockWait = d.TaskDispatchLockWait
	}
	if t.NodeDispatchLockTTL <= 0 {
		t.NodeDispatchLockTTL = d.NodeDispatchLockTTL
	}
	if t.NodeDispatchLockWait <= 0 {
		t.NodeDispatchLockWait = d.NodeDispatchLockWait
	}
	if t.PerNodeCapacity <= 0 {
		t.PerNodeCapacity = d.PerNodeCapacity
	}
	if t.MaxRetryAttempts <= 0 {
		t.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if t.PendingDrainInterval <= 0 {
		t.PendingDrainInterval = d.PendingDrainInterval
	}
	if t.PendingTaskProcessLockTTL <= 0 {
		t.PendingTaskProcessLockTTL = d.PendingTaskProcessLockTTL
	}
	if t.PendingTaskProcessLockWait <= 0 {
		t.PendingTaskProcessLockWait = d.PendingTaskProcessLockWait
	}
	if t.ReclaimInterval <= 0 {
		t.ReclaimInterval = d.ReclaimInterval
	}
	if t.StuckThreshold <= 0 {
		t.StuckThreshold = d.StuckThreshold
	}
	if t.TaskRecoverLockTTL <= 0 {
		t.TaskRecoverLockTTL = d.TaskRecoverLockTTL
	}
	if t.TaskRecoverLockWait <= 0 {
		t.TaskRecoverLockWait = d.TaskRecoverLockWait
	}
	if t.RecoverLockTTL <= 0 {
		t.RecoverLockTTL = d.RecoverLockTTL
	}
	return t
}

func taskDispatchKey(taskID string) string { return "task_dispatch:" + taskID }
func nodeDispatchKey(nodeID string) string { return "node_dispatch:" + nodeID }

type locker interface {
	TryLock(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error)
	Unlock(ctx context.Context, name string) error
}

type repository interface {
	Find(ctx context.Context, id string) (domain.Task, bool, error)
	UpdateStatus(ctx context.Context, id string, u taskrepo.Update) (bool, error)
	ListStuck(ctx context.Context, threshold time.Time) ([]domain.Task, error)
	CountProcessingForNode(ctx context.Context, nodeID string) (int, error)
}

type selector interface {
	SelectOptimal(ctx context.Context, shardKey int64) (domain.Node, bool, error)
}

type workBroker interface {
	PushWork(ctx context.Context, nodeID string, msg domain.WorkMessage) error
	PushControl(ctx context.Context, nodeID string, msg domain.ControlMessage) error
	PushPendingHead(ctx context.Context, env domain.PendingTask) error
	PopPendingTail(ctx context.Context) (domain.PendingTask, bool, error)
}

type publisher interface {
	PublishBestEffort(ctx context.Context, ev eventbus.Event)
}

// noopPublisher is used when the caller wires no event bus; Dispatcher
// always has something to call so the hot path never branches on nil.
type noopPublisher struct{}

func (noopPublisher) PublishBestEffort(ctx context.Context, ev eventbus.Event) {}

type Dispatcher struct {
	locks  locker
	repo   repository
	nodes  selector
	broker workBroker
	events publisher
	tuning Tuning
}

// New wires a Dispatcher. tuning is variadic so existing callers that don't
// care about overriding any knob can omit it entirely; passing more than one
// value is a programmer error and only the first is used.
func New(locks locker, repo repository, nodes selector, broker workBroker, events publisher, tuning ...Tuning) *Dispatcher {
	if events == nil {
		events = noopPublisher{}
	}
	t := defaultTuning()
	if len(tuning) > 0 {
		t = tuning[0].withDefaults()
	}
	return &Dispatcher{locks: locks, repo: repo, nodes: nodes, broker: broker, events: events, tuning: t}
}

// Dispatch is the synchronous fast-path run from the task-creation caller.
// It returns only an error: there is no running/queued distinction in the
// return value — callers observe that through the Task Repository.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) error {
	lockName := taskDispatchKey(taskID)

	_, acquired, err := d.locks.TryLock(ctx, lockName, d.tuning.TaskDispatchLockTTL, d.tuning.TaskDispatchLockWait)
	if err != nil {
		return fmt.Errorf("dispatcher: dispatch lock %s: %w", taskID, err)
	}
	if !acquired {
		// Not dispatched; the pending-drain sweeper will eventually pick
		// this task up if it never left PENDING.
		return nil
	}
	defer func() { _ = d.locks.Unlock(context.Background(), lockName) }()

	task, ok, err := d.repo.Find(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: dispatch find %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("dispatcher: dispatch %s: %w", taskID, domain.ErrTaskNotFound)
	}
	if task.Status != domain.TaskPending {
		return nil
	}

	if _, err := d.repo.UpdateStatus(ctx, taskID, taskrepo.Update{
		Status:             domain.TaskDispatching,
		PreconditionStatus: domain.TaskPending,
	}); err != nil {
		return fmt.Errorf("dispatcher: mark dispatching %s: %w", taskID, err)
	}
	d.events.PublishBestEffort(ctx, eventbus.Event{
		TaskID: taskID, From: string(domain.TaskPending), To: string(domain.TaskDispatching), At: time.Now(),
	})

	node, ok, err := d.nodes.SelectOptimal(ctx, time.Now().UnixMilli())
	if err != nil {
		slog.Error("dispatcher: select_optimal", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	if ok {
		err := d.handoff(ctx, task, node)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDispatchInFlight) {
			slog.Error("dispatcher: handoff post-push update failed, leaving task dispatching",
				slog.String("task_id", taskID), slog.String("node_id", node.ID), slog.String("error", err.Error()))
			return nil
		}
		// Handoff failed before any message was sent (lock busy, node at
		// capacity): fall through to park in the pending queue, same as if
		// no node had been available.
	}

	// No node took the task: revert the durable status back to PENDING so
	// the pending-drain sweeper's status=PENDING precondition still holds
	// for this envelope, then park it.
	if _, err := d.repo.UpdateStatus(ctx, taskID, taskrepo.Update{
		Status:             domain.TaskPending,
		PreconditionStatus: domain.TaskDispatching,
	}); err != nil {
		return fmt.Errorf("dispatcher: revert to pending %s: %w", taskID, err)
	}

	return d.parkPending(ctx, taskID, 0)
}

// handoff is the per-node critical section: re-check capacity, push the
// work message, and flip the task to PROCESSING.
func (d *Dispatcher) handoff(ctx context.Context, task domain.Task, node domain.Node) error {
	lockName := nodeDispatchKey(node.ID)

	_, acquired, err := d.locks.TryLock(ctx, lockName, d.tuning.NodeDispatchLockTTL, d.tuning.NodeDispatchLockWait)
	if err != nil {
		return fmt.Errorf("dispatcher: handoff lock %s: %w", node.ID, err)
	}
	if !acquired {
		return domain.ErrLockBusy
	}
	defer func() { _ = d.locks.Unlock(context.Background(), lockName) }()

	count, err := d.repo.CountProcessingForNode(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("dispatcher: handoff recount %s: %w", node.ID, err)
	}
	if count >= d.tuning.PerNodeCapacity {
		return domain.ErrNodeAtCapacity
	}

	work := domain.WorkMessage{
		TaskID:           task.ID,
		AudioFilePath:    task.AudioFilePath,
		TextContent:      task.TextContent,
		SourceLanguage:   task.SourceLanguage,
		TargetLanguages:  task.TargetLanguages,
		OriginalTextHint: task.OriginalTextHint,
	}
	if err := d.broker.PushWork(ctx, node.ID, work); err != nil {
		return fmt.Errorf("dispatcher: handoff push work %s: %w", task.ID, err)
	}

	nodeID := node.ID
	if _, err := d.repo.UpdateStatus(ctx, task.ID, taskrepo.Update{
		Status:         domain.TaskProcessing,
		AssignedNodeID: &nodeID,
	}); err != nil {
		return fmt.Errorf("dispatcher: handoff update status %s: %w: %w", task.ID, err, ErrDispatchInFlight)
	}
	d.events.PublishBestEffort(ctx, eventbus.Event{
		TaskID: task.ID, NodeID: node.ID, From: string(domain.TaskDispatching), To: string(domain.TaskProcessing), At: time.Now(),
	})

	return nil
}

// parkPending appends a PendingTask envelope with the given retry count to
// the global pending queue's head.
func (d *Dispatcher) parkPending(ctx context.Context, taskID string, retryCount int) error {
	if err := d.broker.PushPendingHead(ctx, domain.PendingTask{
		TaskID:     taskID,
		RetryCount: retryCount,
		EnqueuedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("dispatcher: park pending %s: %w", taskID, err)
	}
	return nil
}

// Cancel pushes a CANCEL_TASK control message to the node's control queue.
// It does not touch the task's status — callers set CANCELLED in the
// repository first and send this afterward.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, nodeID string) error {
	if err := d.broker.PushControl(ctx, nodeID, domain.ControlMessage{
		Action:    domain.ControlCancelTask,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}); err != nil {
		return fmt.Errorf("dispatcher: cancel %s: %w", taskID, err)
	}
	return nil
}
