package metastore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaywantadh/fabricd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "fabricd-metastore-test")
	os.RemoveAll(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceRoundTripAndStateIndex(t *testing.T) {
	s := newTestStore(t)

	d := model.Device{ID: "d1", LogicalDeviceID: "phone-1", State: model.DeviceOnline, ReliabilityScore: 100}
	if err := s.PutDevice(d); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}

	got, err := s.GetDeviceByLogicalID("phone-1")
	if err != nil {
		t.Fatalf("GetDeviceByLogicalID: %v", err)
	}
	if got.ID != "d1" {
		t.Fatalf("got id %q, want d1", got.ID)
	}

	online, err := s.ListDevicesByState(model.DeviceOnline)
	if err != nil {
		t.Fatalf("ListDevicesByState: %v", err)
	}
	if len(online) != 1 || online[0].ID != "d1" {
		t.Fatalf("expected one online device, got %v", online)
	}

	if _, err := s.UpdateDevice("d1", func(d *model.Device) error {
		d.State = model.DeviceOffline
		return nil
	}); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}

	online, err = s.ListDevicesByState(model.DeviceOnline)
	if err != nil {
		t.Fatalf("ListDevicesByState: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("expected no online devices after transition, got %v", online)
	}
	offline, err := s.ListDevicesByState(model.DeviceOffline)
	if err != nil {
		t.Fatalf("ListDevicesByState: %v", err)
	}
	if len(offline) != 1 {
		t.Fatalf("expected one offline device, got %v", offline)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetDevice("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChunksByFileOrderedBySequence(t *testing.T) {
	s := newTestStore(t)
	for _, seq := range []int{2, 0, 1} {
		c := model.Chunk{ID: "c" + string(rune('0'+seq)), FileID: "f1", SequenceNum: seq}
		if err := s.PutChunk(c); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
	}
	chunks, err := s.ListChunksByFile("f1")
	if err != nil {
		t.Fatalf("ListChunksByFile: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.SequenceNum != i {
			t.Fatalf("chunk at position %d has sequence_num %d", i, c.SequenceNum)
		}
	}
}

func TestListChunksByStateTracksTransitions(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutChunk(model.Chunk{ID: "c1", FileID: "f1", State: model.ChunkPending}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := s.PutChunk(model.Chunk{ID: "c2", FileID: "f1", State: model.ChunkHealthy}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	pending, err := s.ListChunksByState(model.ChunkPending)
	if err != nil {
		t.Fatalf("ListChunksByState: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c1" {
		t.Fatalf("expected [c1] pending, got %+v", pending)
	}

	if _, err := s.UpdateChunk("c1", func(c *model.Chunk) error {
		c.State = model.ChunkHealthy
		return nil
	}); err != nil {
		t.Fatalf("UpdateChunk: %v", err)
	}

	pending, err = s.ListChunksByState(model.ChunkPending)
	if err != nil {
		t.Fatalf("ListChunksByState: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending chunks after transition, got %+v", pending)
	}

	healthy, err := s.ListChunksByState(model.ChunkHealthy)
	if err != nil {
		t.Fatalf("ListChunksByState: %v", err)
	}
	if len(healthy) != 2 {
		t.Fatalf("expected 2 healthy chunks, got %d", len(healthy))
	}
}

func TestDeleteFileCascadesChunksAndLocations(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutFile(model.File{ID: "f1", State: model.FileActive}); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if err := s.PutChunk(model.Chunk{ID: "c1", FileID: "f1", SequenceNum: 0}); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := s.PutLocation(model.ChunkLocation{ChunkID: "c1", DeviceID: "d1", Healthy: true, LastVerifiedAt: time.Now()}); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}

	if err := s.DeleteFile("f1"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	if _, err := s.GetFile("f1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected file to be gone, got %v", err)
	}
	if _, err := s.GetChunk("c1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected chunk to be gone, got %v", err)
	}
	locs, err := s.ListLocationsByChunk("c1")
	if err != nil {
		t.Fatalf("ListLocationsByChunk: %v", err)
	}
	if len(locs) != 0 {
		t.Fatalf("expected no locations after cascade delete, got %v", locs)
	}
}

func TestPlacementUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	loc := model.ChunkLocation{ChunkID: "c1", DeviceID: "d1", Healthy: true}
	if err := s.PutLocation(loc); err != nil {
		t.Fatalf("PutLocation: %v", err)
	}
	if err := s.PutLocation(loc); err != nil {
		t.Fatalf("second PutLocation should succeed as an upsert: %v", err)
	}
	locs, err := s.ListLocationsByChunk("c1")
	if err != nil {
		t.Fatalf("ListLocationsByChunk: %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("expected exactly one location row, got %d", len(locs))
	}
}
