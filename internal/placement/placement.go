// Package placement chooses which ONLINE devices host which chunk, ranking
// candidates by the device registry's (score DESC, available_bytes DESC)
// ordering. Grounded on the teacher's distributor.go getReliablePeers
// selection step, generalized from a simple online+recency filter to the
// full reliability-threshold query the spec requires.
package placement

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/model"
)

// Engine drives Assign and Reassign.
type Engine struct {
	store              *metastore.Store
	registry            *devices.Registry
	redundancyFactor    int
	minReliabilityScore float64
	log                 *logrus.Entry
}

// New builds a placement Engine. redundancyFactor is the RF used as the
// default target_replicas (spec range [2,5], default 3); minReliability is
// the score floor for candidate devices (default 70).
func New(store *metastore.Store, registry *devices.Registry, redundancyFactor int, minReliability float64, log *logrus.Logger) *Engine {
	if redundancyFactor <= 0 {
		redundancyFactor = model.DefaultTargetReplicas
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		store:               store,
		registry:             registry,
		redundancyFactor:     redundancyFactor,
		minReliabilityScore:  minReliability,
		log:                  log.WithField("component", "placement"),
	}
}

// Assign selects RF ONLINE devices with at least `size` free bytes and the
// configured minimum reliability, inserts their placement rows, and moves
// the chunk to REPLICATING.
func (e *Engine) Assign(chunkID string, size int64) ([]string, error) {
	candidates, err := e.registry.FindHealthy(size, e.minReliabilityScore, 3*e.redundancyFactor)
	if err != nil {
		return nil, fmt.Errorf("assign %s: %w", chunkID, err)
	}
	if len(candidates) < e.redundancyFactor {
		return nil, fmt.Errorf("%w: need %d devices, found %d", model.ErrInsufficientCapacity, e.redundancyFactor, len(candidates))
	}

	selected := candidates[:e.redundancyFactor]
	ids := make([]string, 0, len(selected))
	for _, d := range selected {
		loc := model.ChunkLocation{
			ID:        uuid.NewString(),
			ChunkID:   chunkID,
			DeviceID:  d.ID,
			LocalPath: fmt.Sprintf("%s/%s.chunk", d.LogicalDeviceID, chunkID),
			Healthy:   true,
		}
		if err := e.store.PutLocation(loc); err != nil {
			return nil, fmt.Errorf("insert placement for device %s: %w", d.ID, err)
		}
		ids = append(ids, d.ID)
	}

	if _, err := e.store.UpdateChunk(chunkID, func(c *model.Chunk) error {
		c.State = model.ChunkReplicating
		c.CurrentReplicas = 0
		if c.TargetReplicas <= 0 {
			c.TargetReplicas = e.redundancyFactor
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update chunk %s after assign: %w", chunkID, err)
	}

	return ids, nil
}

// Reassign tops a chunk back up to its target replica count, excluding
// devices that already hold it (P4). If there are no missing replicas it is
// a no-op; if there are missing replicas but no eligible candidates, it logs
// and returns without error so the next scanner pass retries.
func (e *Engine) Reassign(chunkID string) ([]string, error) {
	chunk, err := e.store.GetChunk(chunkID)
	if err != nil {
		return nil, fmt.Errorf("reassign %s: %w", chunkID, err)
	}

	locs, err := e.store.ListLocationsByChunk(chunkID)
	if err != nil {
		return nil, fmt.Errorf("list locations for %s: %w", chunkID, err)
	}

	held := make(map[string]bool, len(locs))
	healthy := 0
	for _, loc := range locs {
		held[loc.DeviceID] = true
		if loc.Healthy {
			healthy++
		}
	}

	target := chunk.TargetReplicas
	if target <= 0 {
		target = e.redundancyFactor
	}
	missing := target - healthy
	if missing <= 0 {
		return nil, nil
	}

	candidates, err := e.registry.FindHealthy(chunk.SizeBytes, e.minReliabilityScore, 3*target)
	if err != nil {
		return nil, fmt.Errorf("reassign %s: %w", chunkID, err)
	}

	var eligible []string
	for _, d := range candidates {
		if held[d.ID] {
			continue
		}
		eligible = append(eligible, d.ID)
		if len(eligible) == missing {
			break
		}
	}

	if len(eligible) == 0 {
		e.log.WithField("chunk_id", chunkID).Warn("no eligible devices to reassign, deferring to next scan")
		return nil, nil
	}

	for _, deviceID := range eligible {
		loc := model.ChunkLocation{
			ID:        uuid.NewString(),
			ChunkID:   chunkID,
			DeviceID:  deviceID,
			LocalPath: fmt.Sprintf("%s.chunk", chunkID),
			Healthy:   false,
		}
		if err := e.store.PutLocation(loc); err != nil {
			return nil, fmt.Errorf("insert reassigned placement for %s: %w", deviceID, err)
		}
	}

	if _, err := e.store.UpdateChunk(chunkID, func(c *model.Chunk) error {
		c.State = model.ChunkReplicating
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update chunk %s after reassign: %w", chunkID, err)
	}

	return eligible, nil
}
