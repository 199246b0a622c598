package distribution

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaywantadh/fabricd/internal/connreg"
	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/metrics"
	"github.com/jaywantadh/fabricd/internal/model"
	"github.com/jaywantadh/fabricd/internal/placement"
	"github.com/jaywantadh/fabricd/internal/tempstore"
)

type ackingChannel struct {
	conns *connreg.Registry
	id    string
}

func (c *ackingChannel) Send(eventType string, payload []byte) error {
	if eventType != "chunk:assign" {
		return nil
	}
	var p connreg.ChunkAssignPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	go c.conns.Deliver(c.id, connreg.InboundMessage{Op: "confirm", ChunkID: p.ChunkID, Success: true})
	return nil
}

func newHarness(t *testing.T, rf int) (*Distributor, *metastore.Store, *devices.Registry, *connreg.Registry) {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "fabricd-distribution-test")
	os.RemoveAll(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := metastore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tempDir := filepath.Join(os.TempDir(), "fabricd-distribution-temp")
	os.RemoveAll(tempDir)
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	temp, err := tempstore.New(tempDir, time.Hour, nil)
	if err != nil {
		t.Fatalf("tempstore.New: %v", err)
	}

	devReg := devices.New(store, nil)
	conns := connreg.New(nil)
	eng := placement.New(store, devReg, rf, 0, nil)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	d := New(store, devReg, eng, conns, temp, m, time.Second, nil)
	return d, store, devReg, conns
}

func TestDistributeChunkReachesTargetReplicas(t *testing.T) {
	d, store, devReg, conns := newHarness(t, 2)

	for _, id := range []string{"d1", "d2", "d3"} {
		dev, err := devReg.Register(devices.RegisterPayload{LogicalDeviceID: id, TotalCapacityBytes: 1000})
		if err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
		conns.Bind(id, &ackingChannel{conns: conns, id: id})
		_ = dev
	}

	if err := store.PutFile(model.File{ID: "f1", State: model.FileUploading, ChunkCount: 1}); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if err := store.PutChunk(model.Chunk{ID: "c1", FileID: "f1", SizeBytes: 4, TargetReplicas: 2}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := d.temp.Put("c1", []byte("data")); err != nil {
		t.Fatalf("temp.Put: %v", err)
	}

	if err := d.DistributeChunk(context.Background(), "c1"); err != nil {
		t.Fatalf("DistributeChunk: %v", err)
	}

	chunk, err := store.GetChunk("c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.State != model.ChunkHealthy {
		t.Fatalf("expected HEALTHY, got %s", chunk.State)
	}
	if chunk.CurrentReplicas != 2 {
		t.Fatalf("expected 2 replicas, got %d", chunk.CurrentReplicas)
	}

	locs, err := store.ListLocationsByChunk("c1")
	if err != nil {
		t.Fatalf("ListLocationsByChunk: %v", err)
	}
	for _, loc := range locs {
		if !loc.Healthy {
			t.Fatalf("expected all placements healthy, location %+v was not", loc)
		}
	}
}

func TestDistributeFileActivatesFileOnFullSuccess(t *testing.T) {
	d, store, devReg, conns := newHarness(t, 1)

	dev, err := devReg.Register(devices.RegisterPayload{LogicalDeviceID: "d1", TotalCapacityBytes: 1000})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	conns.Bind("d1", &ackingChannel{conns: conns, id: "d1"})
	_ = dev

	if err := store.PutFile(model.File{ID: "f1", State: model.FileUploading, ChunkCount: 2}); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	for _, seq := range []int{0, 1} {
		id := "c" + string(rune('0'+seq))
		if err := store.PutChunk(model.Chunk{ID: id, FileID: "f1", SequenceNum: seq, SizeBytes: 4, TargetReplicas: 1}); err != nil {
			t.Fatalf("PutChunk %s: %v", id, err)
		}
		if err := d.temp.Put(id, []byte("data")); err != nil {
			t.Fatalf("temp.Put %s: %v", id, err)
		}
	}

	if err := d.DistributeFile(context.Background(), "f1"); err != nil {
		t.Fatalf("DistributeFile: %v", err)
	}

	file, err := store.GetFile("f1")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if file.State != model.FileActive {
		t.Fatalf("expected file ACTIVE, got %s", file.State)
	}
}
