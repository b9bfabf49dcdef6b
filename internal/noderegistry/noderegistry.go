// Package noderegistry turns the broker's raw view of worker nodes into a
// ranked list of dispatch candidates, re-validating each candidate's live
// task count against the Task Repository and evicting stale entries as it
// goes.
package noderegistry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cnyy99/giggle/internal/domain"
)

// heartbeatLayout matches the worker's `datetime.now().isoformat()` style
// timestamp: local time, no zone offset, optional microseconds.
const heartbeatLayout = "2006-01-02T15:04:05.999999"

// Tuning holds every Registry knob spec.md §6's Configuration paragraph
// names. Zero-valued fields fall back to the defaults below.
type Tuning struct {
	LivenessWindow time.Duration

	SelectionShardCount int64
	SelectionLockTTL    time.Duration
	SelectionLockWait   time.Duration

	PerNodeCapacity int
}

func defaultTuning() Tuning {
	return Tuning{
		LivenessWindow: 5 * time.Minute,

		SelectionShardCount: 5,
		SelectionLockTTL:    3 * time.Second,
		SelectionLockWait:   1 * time.Second,

		PerNodeCapacity: 10,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := defaultTuning()
	if t.LivenessWindow <= 0 {
		t.LivenessWindow = d.LivenessWindow
	}
	if t.SelectionShardCount <= 0 {
		t.SelectionShardCount = d.SelectionShardCount
	}
	if t.SelectionLockTTL <= 0 {
		t.SelectionLockTTL = d.SelectionLockTTL
	}
	if t.SelectionLockWait <= 0 {
		t.SelectionLockWait = d.SelectionLockWait
	}
	if t.PerNodeCapacity <= 0 {
		t.PerNodeCapacity = d.PerNodeCapacity
	}
	return t
}

type nodeBroker interface {
	ActiveNodeIDs(ctx context.Context) ([]string, error)
	NodeHash(ctx context.Context, nodeID string) (map[string]string, bool, error)
	NodeRankingScore(ctx context.Context, nodeID string) (float64, bool, error)
	RankedNodeIDs(ctx context.Context) ([]string, error)
	RemoveFromRanking(ctx context.Context, nodeID string) error
	RemoveNodeEntirely(ctx context.Context, nodeID string) error
}

type taskCounter interface {
	CountProcessingForNode(ctx context.Context, nodeID string) (int, error)
}

type locker interface {
	TryLock(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error)
	Unlock(ctx context.Context, name string) error
}

type Registry struct {
	broker nodeBroker
	tasks  taskCounter
	locks  locker
	tuning Tuning

	// now is overridden in tests to make heartbeat-freshness checks
	// deterministic; production code leaves it nil and falls back to
	// time.Now.
	now func() time.Time
}

// New wires a Registry. tuning is variadic so existing callers that don't
// care about overriding any knob can omit it entirely; passing more than one
// value is a programmer error and only the first is used.
func New(broker nodeBroker, tasks taskCounter, locks locker, tuning ...Tuning) *Registry {
	t := defaultTuning()
	if len(tuning) > 0 {
		t = tuning[0].withDefaults()
	}
	return &Registry{broker: broker, tasks: tasks, locks: locks, tuning: t}
}

func (r *Registry) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// ListAll returns every node currently advertised, regardless of status. A
// broker failure is logged and folded into an empty result, per the
// documented failure semantics — callers treat "no nodes" as backpressure.
func (r *Registry) ListAll(ctx context.Context) []domain.Node {
	ids, err := r.broker.ActiveNodeIDs(ctx)
	if err != nil {
		slog.Error("noderegistry: list_all", slog.String("error", err.Error()))
		return nil
	}

	nodes := make([]domain.Node, 0, len(ids))
	for _, id := range ids {
		fields, ok, err := r.broker.NodeHash(ctx, id)
		if err != nil {
			slog.Error("noderegistry: node hash", slog.String("node_id", id), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		nodes = append(nodes, parseNode(id, fields))
	}
	return nodes
}

// IsHealthy reports ONLINE + active-set membership + a heartbeat inside the
// liveness window.
func (r *Registry) IsHealthy(ctx context.Context, nodeID string) (bool, error) {
	ids, err := r.broker.ActiveNodeIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("noderegistry: is_healthy %s: %w", nodeID, err)
	}
	if !contains(ids, nodeID) {
		return false, nil
	}

	fields, ok, err := r.broker.NodeHash(ctx, nodeID)
	if err != nil {
		return false, fmt.Errorf("noderegistry: is_healthy %s: %w", nodeID, err)
	}
	if !ok {
		return false, nil
	}

	n := parseNode(nodeID, fields)
	return r.isEligible(n), nil
}

func (r *Registry) isEligible(n domain.Node) bool {
	if n.Status != domain.NodeOnline {
		return false
	}
	if n.LastHeartbeat.IsZero() {
		return false
	}
	return r.clock().Sub(n.LastHeartbeat) <= r.tuning.LivenessWindow
}

// ListAvailable returns eligible nodes only, performing the inline cleanup
// spec.md assigns to this call: ranking members absent from the active set
// are fully removed, active-set members failing eligibility are fully
// removed, and nodes with no hash entries are dropped from both structures.
func (r *Registry) ListAvailable(ctx context.Context) []domain.Node {
	activeIDs, err := r.broker.ActiveNodeIDs(ctx)
	if err != nil {
		slog.Error("noderegistry: list_available", slog.String("error", err.Error()))
		return nil
	}
	activeSet := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = struct{}{}
	}

	rankedIDs, err := r.broker.RankedNodeIDs(ctx)
	if err != nil {
		slog.Error("noderegistry: ranked node ids", slog.String("error", err.Error()))
	}
	for _, id := range rankedIDs {
		if _, stillActive := activeSet[id]; !stillActive {
			if err := r.broker.RemoveNodeEntirely(ctx, id); err != nil {
				slog.Error("noderegistry: evict orphaned ranking entry", slog.String("node_id", id), slog.String("error", err.Error()))
			}
		}
	}

	available := make([]domain.Node, 0, len(activeIDs))
	for _, id := range activeIDs {
		fields, ok, err := r.broker.NodeHash(ctx, id)
		if err != nil {
			slog.Error("noderegistry: node hash", slog.String("node_id", id), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			if err := r.broker.RemoveNodeEntirely(ctx, id); err != nil {
				slog.Error("noderegistry: evict hashless node", slog.String("node_id", id), slog.String("error", err.Error()))
			}
			continue
		}

		n := parseNode(id, fields)
		if !r.isEligible(n) {
			if err := r.broker.RemoveNodeEntirely(ctx, id); err != nil {
				slog.Error("noderegistry: evict unhealthy node", slog.String("node_id", id), slog.String("error", err.Error()))
			}
			continue
		}
		available = append(available, n)
	}
	return available
}

// SelectOptimal returns the single best dispatch candidate, or ok=false if
// none qualifies. The whole operation runs under the sharded
// node_selection:{shard} lock so at most a handful of concurrent selections
// proceed in parallel across the fleet.
func (r *Registry) SelectOptimal(ctx context.Context, shardKey int64) (domain.Node, bool, error) {
	lockName := "node_selection:" + strconv.FormatInt(shardKey%r.tuning.SelectionShardCount, 10)

	_, acquired, err := r.locks.TryLock(ctx, lockName, r.tuning.SelectionLockTTL, r.tuning.SelectionLockWait)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("noderegistry: select_optimal lock: %w", err)
	}
	if !acquired {
		return domain.Node{}, false, nil
	}
	defer func() { _ = r.locks.Unlock(context.Background(), lockName) }()

	candidates := r.ListAvailable(ctx)
	if len(candidates) == 0 {
		return domain.Node{}, false, nil
	}

	if err := r.refreshActiveCounts(ctx, candidates); err != nil {
		return domain.Node{}, false, fmt.Errorf("noderegistry: select_optimal refresh counts: %w", err)
	}

	underCapacity := candidates[:0]
	for _, n := range candidates {
		if n.ActiveTaskCount < r.tuning.PerNodeCapacity {
			underCapacity = append(underCapacity, n)
		}
	}
	if len(underCapacity) == 0 {
		return domain.Node{}, false, nil
	}

	ranked, err := r.broker.RankedNodeIDs(ctx)
	if err != nil {
		slog.Error("noderegistry: ranked node ids for tie-break", slog.String("error", err.Error()))
	}

	best := underCapacity[pickBest(underCapacity, ranked)]
	return best, true, nil
}

// refreshActiveCounts overwrites each candidate's self-reported
// ActiveTaskCount with the authoritative count from the Task Repository,
// fanning the re-fetch out concurrently.
func (r *Registry) refreshActiveCounts(ctx context.Context, candidates []domain.Node) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		i := i
		g.Go(func() error {
			n, err := r.tasks.CountProcessingForNode(gctx, candidates[i].ID)
			if err != nil {
				return err
			}
			candidates[i].ActiveTaskCount = n
			return nil
		})
	}
	return g.Wait()
}

// RemoveFromRanking evicts a single node from the ranking only.
func (r *Registry) RemoveFromRanking(ctx context.Context, nodeID string) error {
	return r.broker.RemoveFromRanking(ctx, nodeID)
}

// RemoveCompletely evicts a node from the active set, its hash, and the
// ranking.
func (r *Registry) RemoveCompletely(ctx context.Context, nodeID string) error {
	return r.broker.RemoveNodeEntirely(ctx, nodeID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func parseNode(id string, fields map[string]string) domain.Node {
	n := domain.Node{
		ID:     id,
		Host:   fields["host"],
		Status: domain.ParseNodeStatus(fields["status"]),
	}

	n.Port = atoiOr(fields["port"], 0)
	n.MemoryTotal = atoi64Or(fields["memory_total"], 0)
	n.MemoryUsed = atoi64Or(fields["memory_used"], 0)
	n.CPUUsage = atofOr(fields["cpu_usage"], 0)
	n.ActiveTaskCount = atoiOr(fields["active_task_count"], 0)
	n.GPUAvailable = parseBoolString(fields["gpu_available"])
	n.GPUMemoryTotal = atoi64Or(fields["gpu_memory_total"], 0)
	n.GPUMemoryUsed = atoi64Or(fields["gpu_memory_used"], 0)
	n.GPUMemoryPercent = atofOr(fields["gpu_memory_percent"], 0)

	if raw, ok := fields["last_heartbeat"]; ok && raw != "" {
		if t, err := time.ParseInLocation(heartbeatLayout, raw, time.Local); err == nil {
			n.LastHeartbeat = t
		}
	}

	return n
}

func parseBoolString(raw string) bool {
	switch raw {
	case "1", "true", "True", "TRUE":
		return true
	default:
		return false
	}
}

func atoiOr(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func atoi64Or(raw string, fallback int64) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func atofOr(raw string, fallback float64) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
