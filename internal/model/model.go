// Package model holds the shared entity vocabulary for the replication
// control plane: Device, File, Chunk and ChunkLocation, plus the states and
// invariants every other package reasons about.
package model

import "time"

// DeviceState is the lifecycle state of a registered storage device.
type DeviceState string

const (
	DeviceOnline    DeviceState = "ONLINE"
	DeviceOffline   DeviceState = "OFFLINE"
	DeviceSuspended DeviceState = "SUSPENDED"
)

// Device is a consumer device participating in the fabric.
type Device struct {
	ID                    string      `json:"id"`
	LogicalDeviceID       string      `json:"logical_device_id"`
	Type                  string      `json:"type"`
	OwnerID               string      `json:"owner_id"`
	TotalCapacityBytes    int64       `json:"total_capacity_bytes"`
	AvailableCapacityByte int64       `json:"available_capacity_bytes"`
	State                 DeviceState `json:"state"`
	LastSeenAt            time.Time   `json:"last_seen_at"`
	CumulativeUptimeMs    int64       `json:"cumulative_uptime_ms"`
	CumulativeDowntimeMs  int64       `json:"cumulative_downtime_ms"`
	ReliabilityScore      float64     `json:"reliability_score"`
}

// FileState is the lifecycle state of an uploaded file.
type FileState string

const (
	FileUploading FileState = "UPLOADING"
	FileActive    FileState = "ACTIVE"
	FileDeleted   FileState = "DELETED"
)

// File is a user-visible file, chunked and replicated by the coordinator.
type File struct {
	ID            string    `json:"id"`
	OriginalName  string    `json:"original_name"`
	Mime          string    `json:"mime"`
	SizeBytes     int64     `json:"size_bytes"`
	OwnerID       string    `json:"owner_id"`
	WrappedDEK    string    `json:"wrapped_dek"`
	DEKID         string    `json:"dek_id"`
	PlaintextHash string    `json:"plaintext_hash"`
	State         FileState `json:"state"`
	ChunkCount    int       `json:"chunk_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChunkState is the health/lifecycle state of a chunk.
type ChunkState string

const (
	ChunkPending     ChunkState = "PENDING"
	ChunkReplicating ChunkState = "REPLICATING"
	ChunkHealthy     ChunkState = "HEALTHY"
	ChunkDegraded    ChunkState = "DEGRADED"
	ChunkLost        ChunkState = "LOST"
)

// Chunk is one fixed-size encrypted piece of a file.
type Chunk struct {
	ID              string     `json:"id"`
	FileID          string     `json:"file_id"`
	SequenceNum     int        `json:"sequence_num"`
	SizeBytes       int64      `json:"size_bytes"`
	IV              string     `json:"iv"`
	AuthTag         string     `json:"auth_tag"`
	AAD             string     `json:"aad"`
	CiphertextHash  string     `json:"ciphertext_hash"`
	State           ChunkState `json:"state"`
	CurrentReplicas int        `json:"current_replicas"`
	TargetReplicas  int        `json:"target_replicas"`
}

// ChunkLocation records that a particular device holds a particular chunk.
type ChunkLocation struct {
	ID             string    `json:"id"`
	ChunkID        string    `json:"chunk_id"`
	DeviceID       string    `json:"device_id"`
	LocalPath      string    `json:"local_path"`
	Healthy        bool      `json:"healthy"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// SafetyMargin is the number of replicas tolerated above TargetReplicas
// before the reaper trims, per the global invariant I4.
const SafetyMargin = 2

// DefaultTargetReplicas is the default redundancy factor for new chunks.
const DefaultTargetReplicas = 3
