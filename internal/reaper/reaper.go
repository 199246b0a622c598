// Package reaper consumes delete-file and trim-excess jobs: the two ways a
// chunk's placement set shrinks on purpose rather than by device failure.
// Grounded on the teacher's fan-out cleanup step in distributor.go
// (best-effort delete across peers, failures logged not fatal) and on
// internal/healer's queue-consumer shape, generalized to the reaper's two
// job types instead of one.
package reaper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/connreg"
	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/health"
	"github.com/jaywantadh/fabricd/internal/jobqueue"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/metrics"
	"github.com/jaywantadh/fabricd/internal/model"
	"github.com/jaywantadh/fabricd/internal/tempstore"
)

// DeleteFilePayload is the body of a delete-file job.
type DeleteFilePayload struct {
	FileID string
	Reason string
}

const (
	criticalBackoff    = 2 * time.Second
	nonCriticalBackoff = 5 * time.Second
)

// Reaper pulls delete-file and trim-excess jobs off its dedicated queue.
// It is the sole consumer of that queue: internal/health pushes trim-excess
// jobs there and an upload/delete API pushes delete-file jobs directly.
type Reaper struct {
	store    *metastore.Store
	devices  *devices.Registry
	conns    *connreg.Registry
	temp     *tempstore.Store
	metrics  *metrics.Metrics
	q        *jobqueue.Queue
	deleteTO time.Duration
	log      *logrus.Entry
}

// New builds a Reaper. q is the trim/delete queue, fed by a health.Scanner
// (trim-excess) and by the coordinator's file-delete path (delete-file).
func New(store *metastore.Store, devReg *devices.Registry, conns *connreg.Registry, temp *tempstore.Store, m *metrics.Metrics, q *jobqueue.Queue, deleteTimeout time.Duration, log *logrus.Logger) *Reaper {
	if deleteTimeout <= 0 {
		deleteTimeout = 60 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reaper{
		store:    store,
		devices:  devReg,
		conns:    conns,
		temp:     temp,
		metrics:  m,
		q:        q,
		deleteTO: deleteTimeout,
		log:      log.WithField("component", "reaper"),
	}
}

// Run pulls jobs until ctx is cancelled, processing up to concurrency jobs
// at a time.
func (r *Reaper) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	for {
		job, ok := r.q.Pop(ctx)
		if !ok {
			return
		}
		sem <- struct{}{}
		go func(j jobqueue.Job) {
			defer func() { <-sem }()
			r.process(ctx, j)
		}(job)
	}
}

func (r *Reaper) process(ctx context.Context, job jobqueue.Job) {
	var err error
	base := nonCriticalBackoff

	switch job.Type {
	case jobqueue.DeleteFile:
		payload, ok := job.Payload.(DeleteFilePayload)
		if !ok {
			r.log.WithField("job_id", job.ID).Error("delete-file job has unexpected payload type")
			return
		}
		if job.Priority == 1 {
			base = criticalBackoff
		}
		err = r.deleteFile(ctx, payload.FileID, payload.Reason)
		r.metrics.RecordDelete(err == nil)
	case jobqueue.TrimExcess:
		payload, ok := job.Payload.(health.TrimExcessPayload)
		if !ok {
			r.log.WithField("job_id", job.ID).Error("trim-excess job has unexpected payload type")
			return
		}
		err = r.trimExcess(ctx, payload.ChunkID)
		r.metrics.RecordTrim(err == nil)
	default:
		r.log.WithField("job_id", job.ID).WithField("type", job.Type).Error("reaper received a job type it does not handle")
		return
	}

	if err != nil {
		job.MaxAttempts = 5
		if r.q.Retry(job, base) {
			r.log.WithError(err).WithField("job_id", job.ID).Warn("reaper job failed, retry scheduled")
		} else {
			r.log.WithError(err).WithField("job_id", job.ID).Error("reaper job attempts exhausted, retained for inspection")
		}
	}
}

// deleteFile instructs every holder of every chunk in fileID to delete its
// copy (best-effort, one holder at a time), frees tempstore staging and
// metastore rows, and cascades the file delete. A device that doesn't ack
// within deleteTO is only logged and gets no capacity credit; the cascade
// delete still removes its placement row along with the others.
func (r *Reaper) deleteFile(ctx context.Context, fileID, reason string) error {
	chunks, err := r.store.ListChunksByFile(fileID)
	if err != nil {
		return fmt.Errorf("delete file %s: list chunks: %w", fileID, err)
	}

	var lastErr error
	for _, c := range chunks {
		locs, err := r.store.ListLocationsByChunk(c.ID)
		if err != nil {
			lastErr = err
			continue
		}
		for _, loc := range locs {
			dev, err := r.store.GetDevice(loc.DeviceID)
			if err != nil {
				lastErr = err
				continue
			}
			acked, err := r.conns.DeleteChunk(ctx, dev.LogicalDeviceID, c.ID, reason, r.deleteTO)
			if err != nil {
				lastErr = err
				r.log.WithError(err).WithFields(logrus.Fields{"chunk_id": c.ID, "device_id": loc.DeviceID}).
					Warn("delete-chunk request failed")
				continue
			}
			if !acked {
				r.log.WithFields(logrus.Fields{"chunk_id": c.ID, "device_id": loc.DeviceID}).
					Warn("device did not ack delete within timeout, leaving for reconciliation")
				continue
			}
			if _, err := r.devices.AdjustAvailableByID(loc.DeviceID, c.SizeBytes); err != nil {
				lastErr = err
			}
		}
		r.temp.Delete(c.ID)
	}

	if err := r.store.DeleteFile(fileID); err != nil {
		return fmt.Errorf("delete file %s: cascade delete: %w", fileID, err)
	}
	return lastErr
}

// trimExcess recounts healthy holders, and if the chunk is carrying more
// than target+SafetyMargin replicas, instructs the least reliable holders
// to delete their extra copies until the chunk is back at
// target+SafetyMargin.
func (r *Reaper) trimExcess(ctx context.Context, chunkID string) error {
	chunk, err := r.store.GetChunk(chunkID)
	if err != nil {
		return fmt.Errorf("trim %s: load chunk: %w", chunkID, err)
	}
	target := chunk.TargetReplicas
	if target <= 0 {
		target = model.DefaultTargetReplicas
	}

	locs, err := r.store.ListLocationsByChunk(chunkID)
	if err != nil {
		return fmt.Errorf("trim %s: list locations: %w", chunkID, err)
	}

	type holder struct {
		loc model.ChunkLocation
		dev model.Device
	}
	var healthy []holder
	for _, loc := range locs {
		if !loc.Healthy {
			continue
		}
		dev, err := r.store.GetDevice(loc.DeviceID)
		if err != nil || dev.State != model.DeviceOnline {
			continue
		}
		healthy = append(healthy, holder{loc: loc, dev: dev})
	}

	excess := len(healthy) - target - model.SafetyMargin
	if excess <= 0 {
		return nil
	}

	sort.Slice(healthy, func(i, j int) bool {
		return healthy[i].dev.ReliabilityScore < healthy[j].dev.ReliabilityScore
	})
	victims := healthy[:excess]

	removed := 0
	var lastErr error
	for _, v := range victims {
		acked, err := r.conns.DeleteChunk(ctx, v.dev.LogicalDeviceID, chunkID, "trim-excess", r.deleteTO)
		if err != nil {
			lastErr = err
			continue
		}
		if !acked {
			r.log.WithFields(logrus.Fields{"chunk_id": chunkID, "device_id": v.dev.ID}).
				Warn("trim victim did not ack within timeout, leaving for reconciliation")
			continue
		}
		if err := r.store.DeleteLocation(chunkID, v.dev.ID); err != nil {
			lastErr = err
			continue
		}
		if _, err := r.devices.AdjustAvailableByID(v.dev.ID, chunk.SizeBytes); err != nil {
			lastErr = err
		}
		removed++
	}

	if removed > 0 {
		if _, err := r.store.UpdateChunk(chunkID, func(c *model.Chunk) error {
			c.CurrentReplicas = len(healthy) - removed
			return nil
		}); err != nil {
			return fmt.Errorf("trim %s: update chunk: %w", chunkID, err)
		}
	}

	if removed < excess {
		return fmt.Errorf("trim %s: removed %d/%d excess replicas: %w", chunkID, removed, excess, lastErr)
	}
	return nil
}
