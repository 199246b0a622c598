// Package distribution materializes a placement by shipping ciphertext to
// each device the placement engine selected, using "all-settled" fan-out
// semantics: a failed send on one device never blocks the others. Grounded
// on the teacher's distributor.go goroutine-per-chunk dispatch
// (distributeChunk/sendChunkToPeer), generalized from a fixed replica count
// and HTTP POST transport to the spec's connection-registry based duplex
// SendChunk and its ack/failure accounting.
package distribution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/connreg"
	"github.com/jaywantadh/fabricd/internal/devices"
	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/metrics"
	"github.com/jaywantadh/fabricd/internal/model"
	"github.com/jaywantadh/fabricd/internal/placement"
	"github.com/jaywantadh/fabricd/internal/tempstore"
)

// Distributor drives placement and dispatch for chunks and whole files.
type Distributor struct {
	store     *metastore.Store
	devices   *devices.Registry
	placement *placement.Engine
	conns     *connreg.Registry
	temp      *tempstore.Store
	metrics   *metrics.Metrics
	writeTO   time.Duration
	log       *logrus.Entry
}

// New builds a Distributor. writeTimeout is T_write (default 30s).
func New(store *metastore.Store, devReg *devices.Registry, eng *placement.Engine, conns *connreg.Registry, temp *tempstore.Store, m *metrics.Metrics, writeTimeout time.Duration, log *logrus.Logger) *Distributor {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Distributor{store: store, devices: devReg, placement: eng, conns: conns, temp: temp, metrics: m, writeTO: writeTimeout, log: log.WithField("component", "distribution")}
}

type sendOutcome struct {
	deviceID string
	err      error
}

// DistributeChunk loads the chunk and its ciphertext, assigns it to
// replication-factor devices, and ships it to each concurrently. Successful
// acks advance the chunk's replica counters and device capacity; failures
// are left for the healer/scanner to reconcile.
func (d *Distributor) DistributeChunk(ctx context.Context, chunkID string) error {
	chunk, err := d.store.GetChunk(chunkID)
	if err != nil {
		return fmt.Errorf("distribute chunk %s: %w", chunkID, err)
	}

	ciphertext, err := d.temp.Get(chunkID)
	if err != nil {
		return fmt.Errorf("distribute chunk %s: ciphertext unavailable: %w", chunkID, err)
	}

	deviceIDs, err := d.placement.Assign(chunkID, chunk.SizeBytes)
	if err != nil {
		return err
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

	outcomes := make(chan sendOutcome, len(deviceIDs))
	var wg sync.WaitGroup
	for _, deviceID := range deviceIDs {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			dev, err := d.store.GetDevice(deviceID)
			if err != nil {
				outcomes <- sendOutcome{deviceID: deviceID, err: err}
				return
			}
			err = d.conns.SendChunk(ctx, dev.LogicalDeviceID, meta, ciphertext, d.writeTO)
			outcomes <- sendOutcome{deviceID: deviceID, err: err}
		}(deviceID)
	}
	wg.Wait()
	close(outcomes)

	successes := 0
	for o := range outcomes {
		if o.err != nil {
			d.metrics.RecordDistributionError("send_failed")
			d.log.WithError(o.err).WithFields(logrus.Fields{"chunk_id": chunkID, "device_id": o.deviceID}).
				Warn("send chunk failed, leaving placement for reconciliation")
			continue
		}
		if _, err := d.devices.AdjustAvailableByID(o.deviceID, -chunk.SizeBytes); err != nil {
			d.log.WithError(err).WithField("device_id", o.deviceID).Warn("failed to debit device capacity")
		}
		if _, err := d.store.UpdateLocation(chunkID, o.deviceID, func(loc *model.ChunkLocation) error {
			loc.Healthy = true
			loc.LastVerifiedAt = time.Now()
			return nil
		}); err != nil {
			d.log.WithError(err).WithField("device_id", o.deviceID).Warn("failed to mark placement healthy")
			continue
		}
		successes++
	}

	updated, err := d.store.UpdateChunk(chunkID, func(c *model.Chunk) error {
		c.CurrentReplicas += successes
		if c.CurrentReplicas >= c.TargetReplicas {
			c.State = model.ChunkHealthy
		} else {
			c.State = model.ChunkDegraded
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("distribute chunk %s: update counters: %w", chunkID, err)
	}

	ok := updated.CurrentReplicas >= updated.TargetReplicas
	d.metrics.RecordDistribution(ok)
	if !ok {
		return fmt.Errorf("distribute chunk %s: only %d/%d replicas placed", chunkID, updated.CurrentReplicas, updated.TargetReplicas)
	}
	return nil
}

// DistributeFile iterates a file's chunks in sequence order, distributing
// each. A failure on one chunk does not halt the rest; errors are
// aggregated and returned together.
func (d *Distributor) DistributeFile(ctx context.Context, fileID string) error {
	chunks, err := d.store.ListChunksByFile(fileID)
	if err != nil {
		return fmt.Errorf("distribute file %s: %w", fileID, err)
	}

	var errs []string
	for _, c := range chunks {
		if err := d.DistributeChunk(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Sprintf("chunk %s (seq %d): %v", c.ID, c.SequenceNum, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("distribute file %s: %d/%d chunks failed: %s", fileID, len(errs), len(chunks), joinErrs(errs))
	}

	if _, err := d.store.UpdateFile(fileID, func(f *model.File) error {
		f.State = model.FileActive
		return nil
	}); err != nil {
		return fmt.Errorf("distribute file %s: activate: %w", fileID, err)
	}
	return nil
}

func joinErrs(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}
