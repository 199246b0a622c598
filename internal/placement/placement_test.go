package placement

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/model"
)

func newTestEngine(t *testing.T, rf int) (*Engine, *metastore.Store, *devices.Registry) {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "fabricd-placement-test")
	os.RemoveAll(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := metastore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := devices.New(store, nil)
	eng := New(store, reg, rf, 70, nil)
	return eng, store, reg
}

func registerDevice(t *testing.T, reg *devices.Registry, id string, capacity int64) {
	t.Helper()
	if _, err := reg.Register(devices.RegisterPayload{LogicalDeviceID: id, TotalCapacityBytes: capacity}); err != nil {
		t.Fatalf("Register %s: %v", id, err)
	}
}

func TestAssignInsufficientCapacity(t *testing.T) {
	eng, store, reg := newTestEngine(t, 3)
	registerDevice(t, reg, "d1", 100)
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", SizeBytes: 10, TargetReplicas: 3}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	_, err := eng.Assign("c1", 10)
	if !errors.Is(err, model.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestAssignSelectsTopRFDevices(t *testing.T) {
	eng, store, reg := newTestEngine(t, 2)
	registerDevice(t, reg, "d1", 100)
	registerDevice(t, reg, "d2", 100)
	registerDevice(t, reg, "d3", 100)
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", SizeBytes: 10, TargetReplicas: 2}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	ids, err := eng.Assign("c1", 10)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 placements, got %d", len(ids))
	}

	locs, err := store.ListLocationsByChunk("c1")
	if err != nil {
		t.Fatalf("ListLocationsByChunk: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("expected 2 location rows, got %d", len(locs))
	}

	chunk, err := store.GetChunk("c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.State != model.ChunkReplicating {
		t.Fatalf("expected chunk state REPLICATING, got %s", chunk.State)
	}
}

func TestReassignExcludesExistingHolders(t *testing.T) {
	eng, store, reg := newTestEngine(t, 3)
	registerDevice(t, reg, "d1", 100)
	registerDevice(t, reg, "d2", 100)
	registerDevice(t, reg, "d3", 100)
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", SizeBytes: 10, TargetReplicas: 3}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	d1, _ := reg.Health("d1")
	_ = d1
	dev1, _ := store.GetDeviceByLogicalID("d1")
	if err := store.PutLocation(model.ChunkLocation{ChunkID: "c1", DeviceID: dev1.ID, Healthy: true}); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}

	added, err := eng.Reassign("c1")
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	for _, id := range added {
		if id == dev1.ID {
			t.Fatalf("Reassign placed a replica on a device that already holds the chunk")
		}
	}
}

func TestReassignNoopWhenAlreadyAtTarget(t *testing.T) {
	eng, store, reg := newTestEngine(t, 1)
	registerDevice(t, reg, "d1", 100)
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", SizeBytes: 10, TargetReplicas: 1}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	dev1, _ := store.GetDeviceByLogicalID("d1")
	if err := store.PutLocation(model.ChunkLocation{ChunkID: "c1", DeviceID: dev1.ID, Healthy: true}); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}

	added, err := eng.Reassign("c1")
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("expected no-op, got %v", added)
	}
}
