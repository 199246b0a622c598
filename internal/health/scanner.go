// Package health is the continuous chunk health classifier: it recounts
// healthy holders per chunk, flips chunk state between REPLICATING,
// HEALTHY, DEGRADED and LOST, and enqueues heal/trim work for the
// healer/reaper to execute asynchronously. Grounded on the teacher's
// internal/peer monitor sweep pattern, generalized from a single
// alive/dead peer list to per-chunk replica accounting feeding a priority
// job queue.
package health

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/jobqueue"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/model"
)

// HealChunkPayload is the body of a heal-chunk job.
type HealChunkPayload struct {
	ChunkID string
	Current int
	Target  int
}

// TrimExcessPayload is the body of a trim-excess job.
type TrimExcessPayload struct {
	ChunkID string
}

// Scanner drives ScanAll and DetectAffected.
type Scanner struct {
	store *metastore.Store
	healQ *jobqueue.Queue
	reapQ *jobqueue.Queue
	log   *logrus.Entry
}

// New builds a Scanner. healQ receives heal-chunk jobs (consumed by
// internal/healer); reapQ receives trim-excess jobs (consumed by
// internal/reaper). Separate queues per consumer avoid a worker having to
// filter out and requeue jobs it doesn't own.
func New(store *metastore.Store, healQ, reapQ *jobqueue.Queue, log *logrus.Logger) *Scanner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{store: store, healQ: healQ, reapQ: reapQ, log: log.WithField("component", "health")}
}

// classify recounts healthy holders for chunk c (state must already reflect
// the caller's view of which placements are healthy), updates its state, and
// enqueues heal/trim work per the scanner's priority rules. It returns the
// recounted healthy holder count.
func (s *Scanner) classify(c model.Chunk) (int, error) {
	locs, err := s.store.ListLocationsByChunk(c.ID)
	if err != nil {
		return 0, fmt.Errorf("classify chunk %s: %w", c.ID, err)
	}

	healthyHolders := 0
	for _, loc := range locs {
		if !loc.Healthy {
			continue
		}
		dev, err := s.store.GetDevice(loc.DeviceID)
		if err != nil || dev.State != model.DeviceOnline {
			continue
		}
		healthyHolders++
	}

	target := c.TargetReplicas
	if target <= 0 {
		target = model.DefaultTargetReplicas
	}

	newState := c.State
	switch {
	case healthyHolders == 0:
		newState = model.ChunkLost
	case healthyHolders < target:
		newState = model.ChunkDegraded
	case healthyHolders >= target:
		newState = model.ChunkHealthy
	}

	if newState != c.State {
		if _, err := s.store.UpdateChunk(c.ID, func(cc *model.Chunk) error {
			cc.State = newState
			return nil
		}); err != nil {
			return healthyHolders, fmt.Errorf("update chunk %s state: %w", c.ID, err)
		}
	}

	switch {
	case healthyHolders < target:
		priority := 3
		switch {
		case healthyHolders == 0:
			priority = 1
		case healthyHolders < target/2:
			priority = 2
		}
		s.healQ.Push(jobqueue.Job{
			ID:          fmt.Sprintf("heal-%s", c.ID),
			Type:        jobqueue.HealChunk,
			Priority:    priority,
			MaxAttempts: 5,
			Payload:     HealChunkPayload{ChunkID: c.ID, Current: healthyHolders, Target: target},
		})
	case healthyHolders > target+model.SafetyMargin:
		s.reapQ.Push(jobqueue.Job{
			ID:          fmt.Sprintf("trim-%s", c.ID),
			Type:        jobqueue.TrimExcess,
			Priority:    3,
			MaxAttempts: 5,
			Payload:     TrimExcessPayload{ChunkID: c.ID},
		})
	}

	return healthyHolders, nil
}

// ScanAll classifies every chunk in an active replication state, scheduled
// every scan_interval (default 60 min) and once immediately at startup.
func (s *Scanner) ScanAll() error {
	var errs []error
	for _, state := range []model.ChunkState{model.ChunkReplicating, model.ChunkHealthy, model.ChunkDegraded} {
		chunks, err := s.store.ListChunksByState(state)
		if err != nil {
			errs = append(errs, fmt.Errorf("list chunks in state %s: %w", state, err))
			continue
		}
		for _, c := range chunks {
			if _, err := s.classify(c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("scan: %d errors, first: %w", len(errs), errs[0])
	}
	return nil
}

// DetectAffected reacts synchronously to a device leaving ONLINE: every
// placement it holds is flipped unhealthy, its chunk is reclassified, and
// healing is enqueued with the same priority rules ScanAll uses.
func (s *Scanner) DetectAffected(deviceID string) error {
	locs, err := s.store.ListLocationsByDevice(deviceID)
	if err != nil {
		return fmt.Errorf("detect affected for device %s: %w", deviceID, err)
	}

	var errs []error
	for _, loc := range locs {
		if !loc.Healthy {
			continue
		}
		if _, err := s.store.UpdateLocation(loc.ChunkID, deviceID, func(l *model.ChunkLocation) error {
			l.Healthy = false
			return nil
		}); err != nil {
			errs = append(errs, fmt.Errorf("flip placement %s/%s: %w", loc.ChunkID, deviceID, err))
			continue
		}

		chunk, err := s.store.GetChunk(loc.ChunkID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.classify(chunk); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("detect affected for device %s: %d errors, first: %w", deviceID, len(errs), errs[0])
	}
	return nil
}
