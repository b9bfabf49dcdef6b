package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cnyy99/giggle/internal/domain"
	"github.com/cnyy99/giggle/internal/taskrepo"
)

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (f *fakeLocker) TryLock(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[name] {
		return "", false, nil
	}
	f.held[name] = true
	return "tok", true, nil
}

func (f *fakeLocker) Unlock(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, name)
	return nil
}

type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newFakeRepo(tasks ...domain.Task) *fakeRepo {
	r := &fakeRepo{tasks: map[string]domain.Task{}}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeRepo) Find(ctx context.Context, id string) (domain.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id string, u taskrepo.Update) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, nil
	}
	if u.PreconditionStatus != "" && t.Status != u.PreconditionStatus {
		return false, nil
	}
	t.Status = u.Status
	t.UpdatedAt = time.Now()
	if u.ClearAssignedNode {
		t.AssignedNodeID = ""
	} else if u.AssignedNodeID != nil {
		t.AssignedNodeID = *u.AssignedNodeID
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.RetryCount != nil {
		t.RetryCount = *u.RetryCount
	}
	r.tasks[id] = t
	return true, nil
}

func (r *fakeRepo) ListStuck(ctx context.Context, threshold time.Time) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.Status == domain.TaskProcessing && t.UpdatedAt.Before(threshold) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeRepo) CountProcessingForNode(ctx context.Context, nodeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.AssignedNodeID == nodeID && t.Status == domain.TaskProcessing {
			n++
		}
	}
	return n, nil
}

type fakeSelector struct {
	mu   sync.Mutex
	node domain.Node
	ok   bool
	err  error
}

func (s *fakeSelector) SelectOptimal(ctx context.Context, shardKey int64) (domain.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node, s.ok, s.err
}

type fakeWorkBroker struct {
	mu      sync.Mutex
	work    []domain.WorkMessage
	control []domain.ControlMessage
	pending []domain.PendingTask
}

func (b *fakeWorkBroker) PushWork(ctx context.Context, nodeID string, msg domain.WorkMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.work = append(b.work, msg)
	return nil
}

func (b *fakeWorkBroker) PushControl(ctx context.Context, nodeID string, msg domain.ControlMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.control = append(b.control, msg)
	return nil
}

func (b *fakeWorkBroker) PushPendingHead(ctx context.Context, env domain.PendingTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([]domain.PendingTask{env}, b.pending...)
	return nil
}

func (b *fakeWorkBroker) PopPendingTail(ctx context.Context) (domain.PendingTask, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return domain.PendingTask{}, false, nil
	}
	last := b.pending[len(b.pending)-1]
	b.pending = b.pending[:len(b.pending)-1]
	return last, true, nil
}

func TestDispatchHappyPathReachesProcessing(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending, SourceLanguage: "en", TargetLanguages: []string{"zh"}})
	broker := &fakeWorkBroker{}
	selector := &fakeSelector{ok: true, node: domain.Node{ID: "n1"}}
	d := New(newFakeLocker(), repo, selector, broker, nil)

	if err := d.Dispatch(context.Background(), "t1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskProcessing {
		t.Fatalf("expected PROCESSING, got %s", task.Status)
	}
	if task.AssignedNodeID != "n1" {
		t.Fatalf("expected assigned_node_id=n1, got %s", task.AssignedNodeID)
	}
	if len(broker.work) != 1 {
		t.Fatalf("expected one work message queued, got %d", len(broker.work))
	}
}

func TestDispatchNoNodeRevertsToPendingAndParks(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending})
	broker := &fakeWorkBroker{}
	selector := &fakeSelector{ok: false}
	d := New(newFakeLocker(), repo, selector, broker, nil)

	if err := d.Dispatch(context.Background(), "t1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskPending {
		t.Fatalf("expected status reverted to PENDING, got %s", task.Status)
	}
	if len(broker.pending) != 1 || broker.pending[0].TaskID != "t1" {
		t.Fatalf("expected one pending envelope, got %v", broker.pending)
	}
}

// failingUpdateRepo fails exactly one UpdateStatus transition, letting a
// test simulate a write failure after PushWork has already succeeded.
type failingUpdateRepo struct {
	*fakeRepo
	failStatus domain.TaskStatus
}

func (r *failingUpdateRepo) UpdateStatus(ctx context.Context, id string, u taskrepo.Update) (bool, error) {
	if u.Status == r.failStatus {
		return false, errors.New("update failed")
	}
	return r.fakeRepo.UpdateStatus(ctx, id, u)
}

func TestHandoffPostPushUpdateFailureLeavesTaskDispatchingWithoutRequeue(t *testing.T) {
	repo := &failingUpdateRepo{fakeRepo: newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending}), failStatus: domain.TaskProcessing}
	broker := &fakeWorkBroker{}
	selector := &fakeSelector{ok: true, node: domain.Node{ID: "n1"}}
	d := New(newFakeLocker(), repo, selector, broker, nil)

	if err := d.Dispatch(context.Background(), "t1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskDispatching {
		t.Fatalf("expected task left DISPATCHING after in-flight push, got %s", task.Status)
	}
	if len(broker.work) != 1 {
		t.Fatalf("expected exactly one work message pushed, got %d", len(broker.work))
	}
	if len(broker.pending) != 0 {
		t.Fatalf("expected no re-park: the message is already in flight, got %v", broker.pending)
	}
}

func TestHandoffRejectsNodeAtCapacity(t *testing.T) {
	repo := newFakeRepo(
		domain.Task{ID: "t1", Status: domain.TaskPending},
	)
	for i := 0; i < 10; i++ {
		repo.tasks[string(rune('a'+i))] = domain.Task{ID: string(rune('a' + i)), Status: domain.TaskProcessing, AssignedNodeID: "n1"}
	}
	broker := &fakeWorkBroker{}
	selector := &fakeSelector{ok: true, node: domain.Node{ID: "n1"}}
	d := New(newFakeLocker(), repo, selector, broker, nil)

	if err := d.Dispatch(context.Background(), "t1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskPending {
		t.Fatalf("expected task parked back to PENDING when node at capacity, got %s", task.Status)
	}
	if len(broker.work) != 0 {
		t.Fatalf("expected no work pushed to an at-capacity node")
	}
}

func TestDispatchIsAtMostOnceUnderConcurrency(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending})
	broker := &fakeWorkBroker{}
	selector := &fakeSelector{ok: true, node: domain.Node{ID: "n1"}}
	locks := newFakeLocker()
	d := New(locks, repo, selector, broker, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), "t1")
		}()
	}
	wg.Wait()

	if len(broker.work) != 1 {
		t.Fatalf("expected exactly one work message across concurrent dispatches, got %d", len(broker.work))
	}
}

func TestPendingDrainLivenessOnOneTick(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending})
	broker := &fakeWorkBroker{pending: []domain.PendingTask{{TaskID: "t1", RetryCount: 0}}}
	selector := &fakeSelector{ok: true, node: domain.Node{ID: "n1"}}
	d := New(newFakeLocker(), repo, selector, broker, nil)

	d.drainOneTick(context.Background())

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskProcessing {
		t.Fatalf("expected PROCESSING after one drain tick, got %s", task.Status)
	}
}

func TestStuckTaskReclaimedToPendingWithIncrementedRetry(t *testing.T) {
	stuckSince := time.Now().Add(-45 * time.Minute)
	repo := newFakeRepo(domain.Task{
		ID: "t1", Status: domain.TaskProcessing, AssignedNodeID: "n1", RetryCount: 0, UpdatedAt: stuckSince,
	})
	broker := &fakeWorkBroker{}
	d := New(newFakeLocker(), repo, &fakeSelector{}, broker, nil)

	d.reclaimTick(context.Background())

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskPending {
		t.Fatalf("expected PENDING after reclaim, got %s", task.Status)
	}
	if task.AssignedNodeID != "" {
		t.Fatalf("expected assigned_node_id cleared, got %s", task.AssignedNodeID)
	}
	if task.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", task.RetryCount)
	}
	if len(broker.pending) != 1 {
		t.Fatalf("expected a fresh pending envelope, got %v", broker.pending)
	}
}

func TestStuckTaskAtRetryCeilingFails(t *testing.T) {
	stuckSince := time.Now().Add(-45 * time.Minute)
	repo := newFakeRepo(domain.Task{
		ID: "t1", Status: domain.TaskProcessing, AssignedNodeID: "n1", RetryCount: defaultTuning().MaxRetryAttempts, UpdatedAt: stuckSince,
	})
	d := New(newFakeLocker(), repo, &fakeSelector{}, &fakeWorkBroker{}, nil)

	d.reclaimTick(context.Background())

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected FAILED once retry ceiling is exceeded, got %s", task.Status)
	}
	if task.ErrorMessage != failReclaimedMessage {
		t.Fatalf("expected reclaim failure message, got %q", task.ErrorMessage)
	}
}

func TestPendingEnvelopeFailsAfterRetryCeiling(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending})
	d := New(newFakeLocker(), repo, &fakeSelector{ok: false}, &fakeWorkBroker{}, nil)

	d.processPendingEnvelope(context.Background(), domain.PendingTask{TaskID: "t1", RetryCount: defaultTuning().MaxRetryAttempts})

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected FAILED at retry ceiling, got %s", task.Status)
	}
	if task.ErrorMessage != failNoNodeMessage {
		t.Fatalf("expected no-node failure message, got %q", task.ErrorMessage)
	}
	if task.RetryCount != defaultTuning().MaxRetryAttempts {
		t.Fatalf("expected retry_count=%d on the terminal row, got %d", defaultTuning().MaxRetryAttempts, task.RetryCount)
	}
}

func TestPendingEnvelopeRequeuePersistsRetryCountToRepository(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskPending, RetryCount: 3})
	broker := &fakeWorkBroker{}
	d := New(newFakeLocker(), repo, &fakeSelector{ok: false}, broker, nil)

	d.processPendingEnvelope(context.Background(), domain.PendingTask{TaskID: "t1", RetryCount: 3})

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskPending {
		t.Fatalf("expected task to remain PENDING while requeued, got %s", task.Status)
	}
	if task.RetryCount != 4 {
		t.Fatalf("expected retry_count persisted to the repository row as 4, got %d", task.RetryCount)
	}
	if len(broker.pending) != 1 || broker.pending[0].RetryCount != 4 {
		t.Fatalf("expected re-parked envelope with retry_count=4, got %v", broker.pending)
	}
}

func TestCancelPushesControlMessageWithoutTouchingStatus(t *testing.T) {
	repo := newFakeRepo(domain.Task{ID: "t1", Status: domain.TaskCancelled})
	broker := &fakeWorkBroker{}
	d := New(newFakeLocker(), repo, &fakeSelector{}, broker, nil)

	if err := d.Cancel(context.Background(), "t1", "n1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if len(broker.control) != 1 || broker.control[0].Action != domain.ControlCancelTask {
		t.Fatalf("expected one CANCEL_TASK control message, got %v", broker.control)
	}

	task, _, _ := repo.Find(context.Background(), "t1")
	if task.Status != domain.TaskCancelled {
		t.Fatalf("expected cancel to leave status untouched, got %s", task.Status)
	}
}
