// Package broker wraps the Redis keyspace that the dispatch core shares
// with worker nodes: the active-node set, per-node hashes, the node
// ranking, per-node work/control queues, and the global pending-task
// queue. The broker holds only hints — the Task Repository is always the
// source of truth for task state.
package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cnyy99/giggle/internal/domain"
)

const (
	keyActiveNodes     = "active_nodes"
	keyNodeRankings    = "node_rankings"
	keyPendingTasks    = "pending_tasks"
	workerNodePrefix   = "worker_nodes:"
	taskQueuePrefix    = "task_queue:"
	controlQueuePrefix = "control_queue:"
)

// cmdable is the narrow slice of redis.Cmdable the broker needs; satisfied
// directly by *redis.Client and by hand-written fakes in tests.
type cmdable interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
}

type Broker struct {
	rdb cmdable
}

func New(rdb cmdable) *Broker {
	return &Broker{rdb: rdb}
}

func workerNodeKey(nodeID string) string   { return workerNodePrefix + nodeID }
func taskQueueKey(nodeID string) string    { return taskQueuePrefix + nodeID }
func controlQueueKey(nodeID string) string { return controlQueuePrefix + nodeID }

// ActiveNodeIDs returns the membership of the active-node set. A Redis
// failure is logged by the caller and treated as "no nodes" per spec.md §4.2
// failure semantics — this method returns the error so callers can decide.
func (b *Broker) ActiveNodeIDs(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, keyActiveNodes).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: active node ids: %w", err)
	}
	return ids, nil
}

// NodeHash returns the raw hash fields for a node, or ok=false if the hash
// is empty or missing.
func (b *Broker) NodeHash(ctx context.Context, nodeID string) (map[string]string, bool, error) {
	fields, err := b.rdb.HGetAll(ctx, workerNodeKey(nodeID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("broker: node hash %s: %w", nodeID, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// NodeRankingScore returns the node's score in node_rankings, or ok=false
// if it is not a member.
func (b *Broker) NodeRankingScore(ctx context.Context, nodeID string) (float64, bool, error) {
	score, err := b.rdb.ZScore(ctx, keyNodeRankings, nodeID).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("broker: ranking score %s: %w", nodeID, err)
	}
	return score, true, nil
}

// RankedNodeIDs returns every member of node_rankings in ascending score
// order — the natural tie-break order the Node Registry's selection policy
// falls back to.
func (b *Broker) RankedNodeIDs(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.ZRange(ctx, keyNodeRankings, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: ranked node ids: %w", err)
	}
	return ids, nil
}

// RemoveFromRanking evicts a single node from node_rankings without
// touching its hash or active-set membership.
func (b *Broker) RemoveFromRanking(ctx context.Context, nodeID string) error {
	if err := b.rdb.ZRem(ctx, keyNodeRankings, nodeID).Err(); err != nil {
		return fmt.Errorf("broker: remove from ranking %s: %w", nodeID, err)
	}
	return nil
}

// RemoveNodeEntirely evicts a node from the active set, its hash, and the
// ranking — the broker-side effect of Node Registry's remove_completely.
func (b *Broker) RemoveNodeEntirely(ctx context.Context, nodeID string) error {
	if err := b.rdb.SRem(ctx, keyActiveNodes, nodeID).Err(); err != nil {
		return fmt.Errorf("broker: remove active node %s: %w", nodeID, err)
	}
	if err := b.rdb.ZRem(ctx, keyNodeRankings, nodeID).Err(); err != nil {
		return fmt.Errorf("broker: remove ranking %s: %w", nodeID, err)
	}
	if err := b.rdb.Del(ctx, workerNodeKey(nodeID)).Err(); err != nil {
		return fmt.Errorf("broker: delete node hash %s: %w", nodeID, err)
	}
	return nil
}

// PushWork serializes a work message and pushes it onto the head of the
// node's per-node work queue.
func (b *Broker) PushWork(ctx context.Context, nodeID string, msg domain.WorkMessage) error {
	raw, err := encodeWorkMessage(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, taskQueueKey(nodeID), raw).Err(); err != nil {
		return fmt.Errorf("broker: push work %s: %w", nodeID, err)
	}
	return nil
}

// PushControl serializes a control message and pushes it onto the head of
// the node's control queue. Fire-and-forget: callers should not fail a
// durable state transition because this push failed.
func (b *Broker) PushControl(ctx context.Context, nodeID string, msg domain.ControlMessage) error {
	raw, err := encodeControlMessage(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, controlQueueKey(nodeID), raw).Err(); err != nil {
		return fmt.Errorf("broker: push control %s: %w", nodeID, err)
	}
	return nil
}

// PushPendingHead pushes a PendingTask envelope onto the head of the global
// pending queue — used both for the initial park-on-creation path and for
// every requeue. Since PopPendingTail takes from the other end, a requeued
// envelope is retried after every envelope already waiting.
func (b *Broker) PushPendingHead(ctx context.Context, env domain.PendingTask) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, keyPendingTasks, raw).Err(); err != nil {
		return fmt.Errorf("broker: push pending: %w", err)
	}
	return nil
}

// PopPendingTail pops exactly one envelope from the tail of the global
// pending queue (FIFO by arrival; a requeued envelope counts as a new
// arrival). ok is false if the queue is empty.
func (b *Broker) PopPendingTail(ctx context.Context) (domain.PendingTask, bool, error) {
	raw, err := b.rdb.RPop(ctx, keyPendingTasks).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.PendingTask{}, false, nil
		}
		return domain.PendingTask{}, false, fmt.Errorf("broker: pop pending: %w", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		// Malformed envelope: log-and-drop per spec.md §7 fatal-kind
		// treatment. The caller logs; this returns ok=false so the tick
		// moves on without crashing.
		return domain.PendingTask{}, false, err
	}
	return env, true, nil
}
