// Package reconciler runs the heartbeat sweeper: a ticker-driven goroutine
// that evicts every active-set node whose hash is empty or missing or whose
// status resolves to OFFLINE, removing it from the active set, its hash, and
// the ranking. It does not look at heartbeat age; that check is made by the
// Node Registry's ListAvailable.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cnyy99/giggle/internal/domain"
	"github.com/cnyy99/giggle/internal/platform/recovery"
)

const defaultInterval = 30 * time.Second

type nodeBroker interface {
	ActiveNodeIDs(ctx context.Context) ([]string, error)
	NodeHash(ctx context.Context, nodeID string) (map[string]string, bool, error)
	RemoveNodeEntirely(ctx context.Context, nodeID string) error
}

type Reconciler struct {
	broker   nodeBroker
	interval time.Duration
}

func New(broker nodeBroker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{broker: broker, interval: interval}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovery.Guard("reconciler.sweep", func() { r.sweep(ctx) })
		}
	}
}

// sweep fetches the hash of every advertised node and evicts any whose
// hash is empty/missing or whose status resolves to OFFLINE/SHUTTING_DOWN.
// Purely reactive: it never touches tasks.
func (r *Reconciler) sweep(ctx context.Context) {
	ids, err := r.broker.ActiveNodeIDs(ctx)
	if err != nil {
		slog.Error("reconciler: active node ids", slog.String("error", err.Error()))
		return
	}

	var evicted int
	for _, id := range ids {
		fields, ok, err := r.broker.NodeHash(ctx, id)
		if err != nil {
			slog.Error("reconciler: node hash", slog.String("node_id", id), slog.String("error", err.Error()))
			continue
		}

		dead := !ok || len(fields) == 0
		if !dead {
			status := domain.ParseNodeStatus(fields["status"])
			dead = status == domain.NodeOffline
		}
		if !dead {
			continue
		}

		if err := r.broker.RemoveNodeEntirely(ctx, id); err != nil {
			slog.Error("reconciler: evict node", slog.String("node_id", id), slog.String("error", err.Error()))
			continue
		}
		evicted++
	}

	if evicted > 0 {
		slog.Info("reconciler: sweep complete", slog.Int("evicted", evicted))
	}
}
