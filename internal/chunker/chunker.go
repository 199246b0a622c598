// Package chunker splits a file buffer into an ordered sequence of
// encrypted chunks using a pluggable sizing policy, fanning the per-chunk
// encryption work out across a worker pool the way the original
// implementation's chunker divided work across goroutines.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/jaywantadh/fabricd/internal/crypto"
	"github.com/jaywantadh/fabricd/internal/model"
)

// parallelismRatio mirrors the teacher's worker-count heuristic: use a
// fraction of available CPUs so chunking doesn't starve the rest of the
// process (device channel handlers, scanner, queue workers).
const parallelismRatio = 2

// ProcessedChunk bundles a chunk's metadata row with its ciphertext, ready
// to be handed to the temporary store and then to distribution.
type ProcessedChunk struct {
	Chunk      model.Chunk
	Ciphertext []byte
}

// Chunker turns whole files into encrypted, sequenced chunks.
type Chunker struct {
	pipeline    *crypto.Pipeline
	policy      SizePolicy
	maxFileSize int64
	targetRepl  int
}

// New builds a Chunker bound to a crypto pipeline, a sizing policy, the
// configured max upload size, and the default replication target stamped
// onto freshly produced chunks.
func New(pipeline *crypto.Pipeline, policy SizePolicy, maxFileSize int64, targetReplicas int) *Chunker {
	if targetReplicas <= 0 {
		targetReplicas = model.DefaultTargetReplicas
	}
	return &Chunker{pipeline: pipeline, policy: policy, maxFileSize: maxFileSize, targetRepl: targetReplicas}
}

type task struct {
	index  int
	offset int64
	size   int64
}

type result struct {
	index int
	chunk model.Chunk
	ct    []byte
	err   error
}

// ProcessFile chunks buf according to the configured policy, encrypting each
// piece with a freshly issued wrapped DEK. It returns the file's metadata row
// (state UPLOADING, chunk_count set) and the ordered, encrypted chunks.
func (c *Chunker) ProcessFile(buf []byte, name, mime, fileID string) (model.File, []ProcessedChunk, error) {
	if len(buf) == 0 {
		return model.File{}, nil, fmt.Errorf("%w: file is empty", model.ErrInvalidInput)
	}
	if c.maxFileSize > 0 && int64(len(buf)) > c.maxFileSize {
		return model.File{}, nil, fmt.Errorf("%w: size %d exceeds max %d", model.ErrTooLarge, len(buf), c.maxFileSize)
	}
	if fileID == "" {
		fileID = uuid.NewString()
	}

	sizes := c.policy.Plan(int64(len(buf)))
	if len(sizes) == 0 {
		return model.File{}, nil, fmt.Errorf("%w: sizing policy produced no chunks", model.ErrInvalidInput)
	}

	wrappedDEK, dekID, err := c.pipeline.IssueWrappedDEK()
	if err != nil {
		return model.File{}, nil, fmt.Errorf("issue dek: %w", err)
	}

	plaintextHash := sha256.Sum256(buf)

	tasks := make([]task, len(sizes))
	offset := int64(0)
	for i, sz := range sizes {
		tasks[i] = task{index: i, offset: offset, size: sz}
		offset += sz
	}

	numWorkers := runtime.NumCPU() / parallelismRatio
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(tasks) {
		numWorkers = len(tasks)
	}

	taskChan := make(chan task, len(tasks))
	resultChan := make(chan result, len(tasks))
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				piece := buf[t.offset : t.offset+t.size]
				enc, encErr := c.pipeline.EncryptChunk(piece, wrappedDEK, fileID, t.index)
				if encErr != nil {
					resultChan <- result{index: t.index, err: fmt.Errorf("encrypt chunk %d: %w", t.index, encErr)}
					continue
				}
				chunk := model.Chunk{
					ID:              uuid.NewString(),
					FileID:          fileID,
					SequenceNum:     t.index,
					SizeBytes:       int64(len(enc.Ciphertext)),
					IV:              hex.EncodeToString(enc.IV),
					AuthTag:         hex.EncodeToString(enc.Tag),
					AAD:             hex.EncodeToString(enc.AAD),
					CiphertextHash:  enc.CTHash,
					State:           model.ChunkPending,
					CurrentReplicas: 0,
					TargetReplicas:  c.targetRepl,
				}
				resultChan <- result{index: t.index, chunk: chunk, ct: enc.Ciphertext}
			}
		}()
	}

	for _, t := range tasks {
		taskChan <- t
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	processed := make([]ProcessedChunk, len(tasks))
	var firstErr error
	var errOnce sync.Once
	for r := range resultChan {
		if r.err != nil {
			errOnce.Do(func() { firstErr = r.err })
			continue
		}
		processed[r.index] = ProcessedChunk{Chunk: r.chunk, Ciphertext: r.ct}
	}
	if firstErr != nil {
		return model.File{}, nil, firstErr
	}

	file := model.File{
		ID:            fileID,
		OriginalName:  name,
		Mime:          mime,
		SizeBytes:     int64(len(buf)),
		WrappedDEK:    wrappedDEK,
		DEKID:         dekID,
		PlaintextHash: hex.EncodeToString(plaintextHash[:]),
		State:         model.FileUploading,
		ChunkCount:    len(processed),
	}

	return file, processed, nil
}
