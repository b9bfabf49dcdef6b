package reconciler

import (
	"context"
	"testing"
)

type fakeBroker struct {
	active  []string
	hashes  map[string]map[string]string
	removed []string
}

func (f *fakeBroker) ActiveNodeIDs(ctx context.Context) ([]string, error) {
	return f.active, nil
}

func (f *fakeBroker) NodeHash(ctx context.Context, nodeID string) (map[string]string, bool, error) {
	h, ok := f.hashes[nodeID]
	if !ok || len(h) == 0 {
		return nil, false, nil
	}
	return h, true, nil
}

func (f *fakeBroker) RemoveNodeEntirely(ctx context.Context, nodeID string) error {
	f.removed = append(f.removed, nodeID)
	return nil
}

func TestSweepEvictsHashlessNode(t *testing.T) {
	b := &fakeBroker{active: []string{"ghost"}, hashes: map[string]map[string]string{}}
	r := New(b, 0)

	r.sweep(context.Background())

	if len(b.removed) != 1 || b.removed[0] != "ghost" {
		t.Fatalf("expected ghost evicted, got %v", b.removed)
	}
}

func TestSweepEvictsOfflineNode(t *testing.T) {
	b := &fakeBroker{
		active: []string{"n1"},
		hashes: map[string]map[string]string{"n1": {"status": "OFFLINE"}},
	}
	r := New(b, 0)

	r.sweep(context.Background())

	if len(b.removed) != 1 || b.removed[0] != "n1" {
		t.Fatalf("expected n1 evicted, got %v", b.removed)
	}
}

func TestSweepEvictsShuttingDownNode(t *testing.T) {
	b := &fakeBroker{
		active: []string{"n1"},
		hashes: map[string]map[string]string{"n1": {"status": "SHUTTING_DOWN"}},
	}
	r := New(b, 0)

	r.sweep(context.Background())

	if len(b.removed) != 1 {
		t.Fatalf("expected shutting-down node evicted, got %v", b.removed)
	}
}

func TestSweepLeavesOnlineNodeAlone(t *testing.T) {
	b := &fakeBroker{
		active: []string{"n1"},
		hashes: map[string]map[string]string{"n1": {"status": "ONLINE"}},
	}
	r := New(b, 0)

	r.sweep(context.Background())

	if len(b.removed) != 0 {
		t.Fatalf("expected no eviction for an online node, got %v", b.removed)
	}
}

func TestSweepIsIdempotentOnUnchangingState(t *testing.T) {
	b := &fakeBroker{
		active: []string{"n1", "n2"},
		hashes: map[string]map[string]string{
			"n1": {"status": "ONLINE"},
			"n2": {"status": "ONLINE"},
		},
	}
	r := New(b, 0)

	r.sweep(context.Background())
	r.sweep(context.Background())
	r.sweep(context.Background())

	if len(b.removed) != 0 {
		t.Fatalf("expected repeated sweeps over unchanging state to evict nothing, got %v", b.removed)
	}
}
