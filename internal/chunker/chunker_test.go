package chunker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jaywantadh/fabricd/internal/crypto"
	"github.com/jaywantadh/fabricd/internal/model"
)

func newTestPipeline(t *testing.T) *crypto.Pipeline {
	t.Helper()
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		t.Fatalf("rand: %v", err)
	}
	p, err := crypto.Initialize(hex.EncodeToString(kek))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

func TestProcessFileEmptyIsInvalidInput(t *testing.T) {
	c := New(newTestPipeline(t), NewLegacyPolicy(), 0, 3)
	if _, _, err := c.ProcessFile(nil, "f", "application/octet-stream", ""); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestProcessFileOversizeIsTooLarge(t *testing.T) {
	c := New(newTestPipeline(t), NewLegacyPolicy(), 10, 3)
	if _, _, err := c.ProcessFile(make([]byte, 20), "f", "application/octet-stream", ""); !errors.Is(err, model.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestProcessFileSequencingAndHash(t *testing.T) {
	c := New(newTestPipeline(t), LegacyPolicy{ChunkSize: 4}, 0, 3)
	buf := []byte("0123456789AB") // 3 chunks of 4 bytes
	file, chunks, err := c.ProcessFile(buf, "name.bin", "application/octet-stream", "file-1")
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if file.ChunkCount != 3 {
		t.Fatalf("ChunkCount = %d, want 3", file.ChunkCount)
	}
	wantHash := sha256.Sum256(buf)
	if file.PlaintextHash != hex.EncodeToString(wantHash[:]) {
		t.Fatalf("plaintext hash mismatch")
	}
	for i, pc := range chunks {
		if pc.Chunk.SequenceNum != i {
			t.Fatalf("chunk %d has sequence_num %d", i, pc.Chunk.SequenceNum)
		}
		if pc.Chunk.FileID != "file-1" {
			t.Fatalf("chunk %d has file_id %q, want file-1", i, pc.Chunk.FileID)
		}
		if pc.Chunk.State != model.ChunkPending {
			t.Fatalf("chunk %d state = %s, want PENDING", i, pc.Chunk.State)
		}
	}
}
