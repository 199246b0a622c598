// Package healer consumes heal-chunk jobs and restores chunks to their
// target replica count. Grounded on the teacher's retry-and-backoff upload
// workers generalized into a dedicated job consumer running against
// internal/jobqueue instead of the teacher's fixed task slice.
package healer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/connreg"
	"github.com/jaywantadh/fabricd/internal/health"
	"github.com/jaywantadh/fabricd/internal/jobqueue"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/metrics"
	"github.com/jaywantadh/fabricd/internal/model"
	"github.com/jaywantadh/fabricd/internal/placement"
	"github.com/jaywantadh/fabricd/internal/tempstore"
)

// criticalBackoff and nonCriticalBackoff are the base retry delays for heal
// jobs: 2s for priority-1/critical jobs, 5s otherwise.
const (
	criticalBackoff    = 2 * time.Second
	nonCriticalBackoff = 5 * time.Second
)

// Healer pulls heal-chunk jobs off its dedicated queue and reconciles
// replica counts. It is the sole consumer of that queue: internal/health
// pushes heal-chunk jobs there and nothing else, so Run never has to filter
// or requeue jobs it doesn't own.
type Healer struct {
	store     *metastore.Store
	placement *placement.Engine
	conns     *connreg.Registry
	temp      *tempstore.Store
	metrics   *metrics.Metrics
	q         *jobqueue.Queue
	writeTO   time.Duration
	log       *logrus.Entry
}

// New builds a Healer. q is the heal-chunk queue shared with a
// health.Scanner producer.
func New(store *metastore.Store, eng *placement.Engine, conns *connreg.Registry, temp *tempstore.Store, m *metrics.Metrics, q *jobqueue.Queue, writeTimeout time.Duration, log *logrus.Logger) *Healer {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Healer{
		store:     store,
		placement: eng,
		conns:     conns,
		temp:      temp,
		metrics:   m,
		q:         q,
		writeTO:   writeTimeout,
		log:       log.WithField("component", "healer"),
	}
}

// Run pulls jobs until ctx is cancelled, processing up to concurrency heal
// jobs at a time (spec default 5).
func (h *Healer) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	for {
		job, ok := h.q.Pop(ctx)
		if !ok {
			return
		}
		sem <- struct{}{}
		go func(j jobqueue.Job) {
			defer func() { <-sem }()
			h.process(ctx, j)
		}(job)
	}
}

func (h *Healer) process(ctx context.Context, job jobqueue.Job) {
	payload, ok := job.Payload.(health.HealChunkPayload)
	if !ok {
		h.log.WithField("job_id", job.ID).Error("heal-chunk job has unexpected payload type")
		return
	}

	started := time.Now()
	err := h.heal(ctx, payload.ChunkID)
	h.metrics.RecordHeal(err == nil, time.Since(started).Seconds())
	if err != nil {
		base := nonCriticalBackoff
		if job.Priority == 1 {
			base = criticalBackoff
		}
		job.MaxAttempts = 5
		if h.q.Retry(job, base) {
			h.log.WithError(err).WithField("chunk_id", payload.ChunkID).Warn("heal attempt failed, retry scheduled")
		} else {
			h.log.WithError(err).WithField("chunk_id", payload.ChunkID).Error("heal attempts exhausted, job retained for inspection")
		}
	}
}

// heal reloads the chunk, re-counts healthy holders, reassigns missing
// placements, and ships ciphertext to every newly added device, preferring
// the temporary store and falling back to a live holder via retrieval.
func (h *Healer) heal(ctx context.Context, chunkID string) error {
	chunk, err := h.store.GetChunk(chunkID)
	if err != nil {
		return fmt.Errorf("heal %s: load chunk: %w", chunkID, err)
	}

	locs, err := h.store.ListLocationsByChunk(chunkID)
	if err != nil {
		return fmt.Errorf("heal %s: list locations: %w", chunkID, err)
	}
	healthy := 0
	for _, loc := range locs {
		if loc.Healthy {
			healthy++
		}
	}
	target := chunk.TargetReplicas
	if target <= 0 {
		target = model.DefaultTargetReplicas
	}
	if healthy >= target {
		return nil
	}

	added, err := h.placement.Reassign(chunkID)
	if err != nil {
		return fmt.Errorf("heal %s: reassign: %w", chunkID, err)
	}
	if len(added) == 0 {
		return fmt.Errorf("%w: no eligible devices to heal chunk %s", model.ErrInsufficientCapacity, chunkID)
	}

	ciphertext, err := h.ciphertextFor(ctx, chunk)
	if err != nil {
		return fmt.Errorf("heal %s: %w", chunkID, err)
	}

	meta := connreg.ChunkAssignPayload{
		ChunkID:     chunk.ID,
		FileID:      chunk.FileID,
		SequenceNum: chunk.SequenceNum,
		SizeBytes:   chunk.SizeBytes,
		IV:          chunk.IV,
		AuthTag:     chunk.AuthTag,
		AAD:         chunk.AAD,
		Checksum:    chunk.CiphertextHash,
	}

	newlyHealthy := 0
	var lastErr error
	for _, deviceID := range added {
		dev, err := h.store.GetDevice(deviceID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := h.conns.SendChunk(ctx, dev.LogicalDeviceID, meta, ciphertext, h.writeTO); err != nil {
			lastErr = err
			h.log.WithError(err).WithFields(logrus.Fields{"chunk_id": chunkID, "device_id": deviceID}).
				Warn("heal send failed, leaving placement unhealthy for next pass")
			continue
		}
		if _, err := h.store.UpdateLocation(chunkID, deviceID, func(l *model.ChunkLocation) error {
			l.Healthy = true
			l.LastVerifiedAt = time.Now()
			return nil
		}); err != nil {
			lastErr = err
			continue
		}
		newlyHealthy++
	}

	if _, err := h.store.UpdateChunk(chunkID, func(c *model.Chunk) error {
		c.CurrentReplicas = healthy + newlyHealthy
		if c.CurrentReplicas >= c.TargetReplicas {
			c.State = model.ChunkHealthy
		} else {
			c.State = model.ChunkReplicating
		}
		return nil
	}); err != nil {
		return fmt.Errorf("heal %s: update chunk: %w", chunkID, err)
	}

	if newlyHealthy < len(added) {
		return fmt.Errorf("heal %s: %d/%d new placements succeeded: %w", chunkID, newlyHealthy, len(added), lastErr)
	}
	return nil
}

// ciphertextFor prefers the staged temporary copy (still present from the
// original upload) and falls back to the retrieval path against a live
// holder; re-encryption is never required since ciphertext is reusable.
func (h *Healer) ciphertextFor(ctx context.Context, chunk model.Chunk) ([]byte, error) {
	if ct, err := h.temp.Get(chunk.ID); err == nil {
		return ct, nil
	}

	locs, err := h.store.ListLocationsByChunk(chunk.ID)
	if err != nil {
		return nil, fmt.Errorf("find live holder: %w", err)
	}
	for _, loc := range locs {
		if !loc.Healthy {
			continue
		}
		dev, err := h.store.GetDevice(loc.DeviceID)
		if err != nil || dev.State != model.DeviceOnline {
			continue
		}
		ct, err := h.conns.RequestChunk(ctx, dev.LogicalDeviceID, chunk.ID, h.writeTO)
		if err == nil {
			return ct, nil
		}
	}

	return nil, fmt.Errorf("%w: no source has ciphertext for chunk %s", model.ErrNotFound, chunk.ID)
}
