// Package devices is the device registry: it upserts devices, tracks their
// ONLINE/OFFLINE/SUSPENDED lifecycle, accumulates uptime/downtime into a
// reliability score, and exposes the ranked query the placement engine
// queries against. Grounded on the teacher's peer registry
// (internal/peer/peer.go, internal/peer/monitor.go) and the richer
// per-node health accounting in internal/dfs/dfs_core.go's NodeHealth,
// generalized from a boolean alive/dead model to the full state machine
// and scoring formula in the spec.
package devices

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/metastore"
	"github.com/jaywantadh/fabricd/internal/model"
)

// RegisterPayload is the upsert input for Register, mirroring the
// device:register channel event payload (spec §6).
type RegisterPayload struct {
	LogicalDeviceID    string
	Type               string
	OwnerID            string
	TotalCapacityBytes int64
}

// HealthInfo is the summary returned by Health.
type HealthInfo struct {
	Online                bool
	Score                 float64
	UptimePct             float64
	ConsecutiveDowntimeMs int64
	LastSeenAt            time.Time
}

// Registry is the device lifecycle authority. It persists through a
// metastore.Store and optionally notifies a health component when a device
// leaves ONLINE, the same trigger the spec calls "targeted health check."
type Registry struct {
	store     *metastore.Store
	log       *logrus.Entry
	onOffline func(deviceID string)
}

// New builds a Registry over store.
func New(store *metastore.Store, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{store: store, log: log.WithField("component", "devices")}
}

// SetOfflineHook registers a callback invoked with the device's internal id
// whenever MarkOffline or Suspend transitions it away from ONLINE. The
// health scanner wires itself in here to run DetectAffected synchronously.
func (r *Registry) SetOfflineHook(fn func(deviceID string)) {
	r.onOffline = fn
}

// computeScore is the pure reliability-score function: the clamped,
// rounded percentage of uptime over total observed time, defaulting to 100
// before any time has been observed.
func computeScore(uptimeMs, downtimeMs int64) float64 {
	total := uptimeMs + downtimeMs
	if total <= 0 {
		return 100
	}
	raw := 100 * float64(uptimeMs) / float64(total)
	rounded := math.Round(raw*100) / 100
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// Register upserts a device by logical_device_id. On first sight the device
// starts ONLINE with a perfect score and zeroed counters; on reconnect, the
// elapsed time since last_seen_at is folded into cumulative_downtime_ms
// before the score is recomputed and the device is brought back ONLINE.
func (r *Registry) Register(p RegisterPayload) (model.Device, error) {
	now := time.Now()
	existing, err := r.store.GetDeviceByLogicalID(p.LogicalDeviceID)
	if errors.Is(err, model.ErrNotFound) {
		d := model.Device{
			ID:                    uuid.NewString(),
			LogicalDeviceID:       p.LogicalDeviceID,
			Type:                  p.Type,
			OwnerID:               p.OwnerID,
			TotalCapacityBytes:    p.TotalCapacityBytes,
			AvailableCapacityByte: p.TotalCapacityBytes,
			State:                 model.DeviceOnline,
			LastSeenAt:            now,
			ReliabilityScore:      100,
		}
		if err := r.store.PutDevice(d); err != nil {
			return model.Device{}, fmt.Errorf("register device %s: %w", p.LogicalDeviceID, err)
		}
		r.log.WithField("logical_device_id", p.LogicalDeviceID).Info("device registered")
		return d, nil
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("lookup device %s: %w", p.LogicalDeviceID, err)
	}

	updated, err := r.store.UpdateDevice(existing.ID, func(d *model.Device) error {
		if d.State != model.DeviceOnline {
			elapsed := now.Sub(d.LastSeenAt).Milliseconds()
			if elapsed > 0 {
				d.CumulativeDowntimeMs += elapsed
			}
			d.ReliabilityScore = computeScore(d.CumulativeUptimeMs, d.CumulativeDowntimeMs)
		}
		d.Type = p.Type
		d.OwnerID = p.OwnerID
		d.TotalCapacityBytes = p.TotalCapacityBytes
		d.State = model.DeviceOnline
		d.LastSeenAt = now
		return nil
	})
	if err != nil {
		return model.Device{}, fmt.Errorf("re-register device %s: %w", p.LogicalDeviceID, err)
	}
	return updated, nil
}

// Heartbeat folds elapsed time into cumulative_uptime_ms, refreshes
// available capacity, and keeps the device ONLINE.
func (r *Registry) Heartbeat(logicalID string, availableBytes int64) (model.Device, error) {
	existing, err := r.store.GetDeviceByLogicalID(logicalID)
	if err != nil {
		return model.Device{}, fmt.Errorf("heartbeat %s: %w", logicalID, err)
	}
	now := time.Now()
	return r.store.UpdateDevice(existing.ID, func(d *model.Device) error {
		elapsed := now.Sub(d.LastSeenAt).Milliseconds()
		if elapsed > 0 {
			d.CumulativeUptimeMs += elapsed
		}
		d.AvailableCapacityByte = availableBytes
		d.State = model.DeviceOnline
		d.LastSeenAt = now
		d.ReliabilityScore = computeScore(d.CumulativeUptimeMs, d.CumulativeDowntimeMs)
		return nil
	})
}

func (r *Registry) transitionOffline(logicalID string, target model.DeviceState) (model.Device, error) {
	existing, err := r.store.GetDeviceByLogicalID(logicalID)
	if err != nil {
		return model.Device{}, fmt.Errorf("transition %s: %w", logicalID, err)
	}
	wasOnline := existing.State == model.DeviceOnline
	now := time.Now()

	updated, err := r.store.UpdateDevice(existing.ID, func(d *model.Device) error {
		if d.State == model.DeviceOnline {
			elapsed := now.Sub(d.LastSeenAt).Milliseconds()
			if elapsed > 0 {
				d.CumulativeDowntimeMs += elapsed
			}
			d.ReliabilityScore = computeScore(d.CumulativeUptimeMs, d.CumulativeDowntimeMs)
		}
		d.State = target
		d.LastSeenAt = now
		return nil
	})
	if err != nil {
		return model.Device{}, err
	}
	if wasOnline && r.onOffline != nil {
		r.onOffline(updated.ID)
	}
	return updated, nil
}

// MarkOffline transitions a device out of ONLINE, idempotently: calling it
// again on an already-OFFLINE device does nothing further. It triggers the
// targeted health check hook exactly once, on the ONLINE->OFFLINE edge.
func (r *Registry) MarkOffline(logicalID string) (model.Device, error) {
	existing, err := r.store.GetDeviceByLogicalID(logicalID)
	if err != nil {
		return model.Device{}, fmt.Errorf("mark offline %s: %w", logicalID, err)
	}
	if existing.State == model.DeviceOffline {
		return existing, nil
	}
	return r.transitionOffline(logicalID, model.DeviceOffline)
}

// Suspend transitions a device to SUSPENDED. It never deletes the row, and
// shares MarkOffline's accounting and health trigger. A suspended device
// gets no new placements because FindHealthy only returns ONLINE devices.
// SUSPENDED is not sticky: a later Register or Heartbeat sets the device
// back to ONLINE, and MarkOffline moves it to OFFLINE.
func (r *Registry) Suspend(logicalID string, reason string) (model.Device, error) {
	d, err := r.transitionOffline(logicalID, model.DeviceSuspended)
	if err != nil {
		return model.Device{}, err
	}
	r.log.WithFields(logrus.Fields{"logical_device_id": logicalID, "reason": reason}).Warn("device suspended")
	return d, nil
}

// AdjustAvailableByID changes a device's available capacity by delta bytes
// (negative to consume, positive to restore), addressed by internal id since
// distribution/reaper operate on placement rows that already carry it.
func (r *Registry) AdjustAvailableByID(deviceID string, delta int64) (model.Device, error) {
	return r.store.UpdateDevice(deviceID, func(d *model.Device) error {
		d.AvailableCapacityByte += delta
		if d.AvailableCapacityByte < 0 {
			d.AvailableCapacityByte = 0
		}
		if d.AvailableCapacityByte > d.TotalCapacityBytes {
			d.AvailableCapacityByte = d.TotalCapacityBytes
		}
		return nil
	})
}

// FindHealthy returns ONLINE devices with enough free capacity and a high
// enough reliability score, ranked (score DESC, available_bytes DESC),
// truncated to limit.
func (r *Registry) FindHealthy(minFree int64, minScore float64, limit int) ([]model.Device, error) {
	online, err := r.store.ListDevicesByState(model.DeviceOnline)
	if err != nil {
		return nil, fmt.Errorf("find healthy devices: %w", err)
	}

	var candidates []model.Device
	for _, d := range online {
		if d.AvailableCapacityByte >= minFree && d.ReliabilityScore >= minScore {
			candidates = append(candidates, d)
		}
	}

	sortByScoreThenCapacity(candidates)

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func sortByScoreThenCapacity(devices []model.Device) {
	// Simple insertion sort: candidate lists are bounded by fleet size per
	// placement call and never large enough to warrant sort.Slice's
	// overhead advantage over readability here; still O(n log n)-adjacent
	// in practice since the input is nearly sorted call to call.
	for i := 1; i < len(devices); i++ {
		j := i
		for j > 0 && less(devices[j], devices[j-1]) {
			devices[j], devices[j-1] = devices[j-1], devices[j]
			j--
		}
	}
}

func less(a, b model.Device) bool {
	if a.ReliabilityScore != b.ReliabilityScore {
		return a.ReliabilityScore > b.ReliabilityScore
	}
	if a.AvailableCapacityByte != b.AvailableCapacityByte {
		return a.AvailableCapacityByte > b.AvailableCapacityByte
	}
	return a.ID < b.ID
}

// Health reports the summary view of a device's current standing.
func (r *Registry) Health(logicalID string) (HealthInfo, error) {
	d, err := r.store.GetDeviceByLogicalID(logicalID)
	if err != nil {
		return HealthInfo{}, fmt.Errorf("health %s: %w", logicalID, err)
	}

	total := d.CumulativeUptimeMs + d.CumulativeDowntimeMs
	uptimePct := 100.0
	if total > 0 {
		uptimePct = 100 * float64(d.CumulativeUptimeMs) / float64(total)
	}

	var consecutiveDowntime int64
	if d.State != model.DeviceOnline {
		consecutiveDowntime = time.Since(d.LastSeenAt).Milliseconds()
	}

	return HealthInfo{
		Online:                d.State == model.DeviceOnline,
		Score:                 d.ReliabilityScore,
		UptimePct:             uptimePct,
		ConsecutiveDowntimeMs: consecutiveDowntime,
		LastSeenAt:            d.LastSeenAt,
	}, nil
}
