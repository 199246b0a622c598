package health

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/jobqueue"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/model"
)

func newTestScanner(t *testing.T) (*Scanner, *metastore.Store, *devices.Registry, *jobqueue.Queue, *jobqueue.Queue) {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "fabricd-health-test")
	os.RemoveAll(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := metastore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	devReg := devices.New(store, nil)
	healQ := jobqueue.New()
	reapQ := jobqueue.New()
	s := New(store, healQ, reapQ, nil)
	return s, store, devReg, healQ, reapQ
}

func TestScanAllEnqueuesHealForLostChunk(t *testing.T) {
	s, store, _, healQ, _ := newTestScanner(t)
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", State: model.ChunkReplicating, TargetReplicas: 3}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	if err := s.ScanAll(); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	chunk, err := store.GetChunk("c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.State != model.ChunkLost {
		t.Fatalf("expected LOST, got %s", chunk.State)
	}
	if healQ.Len() != 1 {
		t.Fatalf("expected 1 queued heal job, got %d", healQ.Len())
	}
}

func TestScanAllMarksHealthyChunkWithEnoughHolders(t *testing.T) {
	s, store, devReg, healQ, reapQ := newTestScanner(t)
	dev, err := devReg.Register(devices.RegisterPayload{LogicalDeviceID: "d1", TotalCapacityBytes: 100})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", State: model.ChunkReplicating, TargetReplicas: 1}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := store.PutLocation(model.ChunkLocation{ChunkID: "c1", DeviceID: dev.ID, Healthy: true}); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}

	if err := s.ScanAll(); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	chunk, err := store.GetChunk("c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.State != model.ChunkHealthy {
		t.Fatalf("expected HEALTHY, got %s", chunk.State)
	}
	if healQ.Len() != 0 || reapQ.Len() != 0 {
		t.Fatalf("expected no queued jobs, got heal=%d reap=%d", healQ.Len(), reapQ.Len())
	}
}

func TestScanAllEnqueuesTrimForExcessReplicas(t *testing.T) {
	s, store, devReg, _, reapQ := newTestScanner(t)
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", State: model.ChunkHealthy, TargetReplicas: 1}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		dev, err := devReg.Register(devices.RegisterPayload{LogicalDeviceID: id, TotalCapacityBytes: 100})
		if err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
		if err := store.PutLocation(model.ChunkLocation{ChunkID: "c1", DeviceID: dev.ID, Healthy: true}); err != nil {
			t.Fatalf("PutLocation %s: %v", id, err)
		}
	}

	if err := s.ScanAll(); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if reapQ.Len() != 1 {
		t.Fatalf("expected 1 trim job queued, got %d", reapQ.Len())
	}
}

func TestDetectAffectedFlipsPlacementsAndReclassifies(t *testing.T) {
	s, store, devReg, healQ, _ := newTestScanner(t)
	dev1, err := devReg.Register(devices.RegisterPayload{LogicalDeviceID: "d1", TotalCapacityBytes: 100})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", State: model.ChunkHealthy, TargetReplicas: 1}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := store.PutLocation(model.ChunkLocation{ChunkID: "c1", DeviceID: dev1.ID, Healthy: true}); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}

	if _, err := devReg.MarkOffline("d1"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if err := s.DetectAffected(dev1.ID); err != nil {
		t.Fatalf("DetectAffected: %v", err)
	}

	loc, err := store.GetLocation("c1", dev1.ID)
	if err != nil {
		t.Fatalf("GetLocation: %v", err)
	}
	if loc.Healthy {
		t.Fatalf("expected placement to be unhealthy after DetectAffected")
	}

	chunk, err := store.GetChunk("c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.State != model.ChunkLost {
		t.Fatalf("expected LOST after losing its only holder, got %s", chunk.State)
	}
	if healQ.Len() != 1 {
		t.Fatalf("expected 1 queued heal job, got %d", healQ.Len())
	}
}
