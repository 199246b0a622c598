// Package connreg is the connection registry: it binds a logical device id
// to exactly one open duplex channel and exposes a typed request/response
// over it with explicit timeouts. Correlation is by chunk_id, matching the
// device channel event table in spec §6 (chunk:assign/chunk:confirm,
// chunk:request/chunk:data:{id}, chunk:delete/chunk:deleted:{id}).
//
// Grounded on the teacher's internal/p2p/tcp_network.go duplex channel
// (framed messages, per-peer write mutex, message-type handler registry),
// generalized with an in-flight request/future correlation table and a
// watchdog timeout per DESIGN NOTES in the spec, since the teacher's
// handler dispatch is fire-and-forget only.
package connreg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/fabricd/internal/model"
)

// Channel is the duplex transport to one device. Implementations deliver
// inbound frames to the Registry via Deliver; the Registry calls Send to
// push outbound frames.
type Channel interface {
	Send(eventType string, payload []byte) error
}

// ChunkAssignPayload is the body of a chunk:assign event.
type ChunkAssignPayload struct {
	ChunkID          string `json:"chunk_id"`
	FileID           string `json:"file_id"`
	SequenceNum      int    `json:"sequence_num"`
	SizeBytes        int64  `json:"size_bytes"`
	IV               string `json:"iv"`
	AuthTag          string `json:"auth_tag"`
	AAD              string `json:"aad"`
	Checksum         string `json:"checksum"`
	CiphertextBase64 string `json:"ciphertext_base64"`
}

type chunkRequestPayload struct {
	ChunkID string `json:"chunk_id"`
}

type chunkDeletePayload struct {
	ChunkID string `json:"chunk_id"`
	Reason  string `json:"reason"`
}

// InboundMessage is a normalized reply to SendChunk/RequestChunk/DeleteChunk,
// handed to the Registry by the transport layer when a
// chunk:confirm / chunk:data:{id} / chunk:deleted:{id} frame arrives.
type InboundMessage struct {
	Op         string // "confirm", "data", "deleted"
	ChunkID    string
	Success    bool
	Error      string
	DataBase64 string
}

type pendingKey struct {
	logicalID string
	chunkID   string
	op        string
}

// Registry binds logical device ids to channels and correlates
// request/response pairs by chunk id, the way the spec's duplex-channel
// design note calls for: tagged messages, a future registry keyed by
// (channel, correlation id), and watchdog timeouts rather than ambient
// reflection.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	pending  map[pendingKey]chan InboundMessage
	log      *logrus.Entry
}

// New builds an empty connection registry.
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		channels: make(map[string]Channel),
		pending:  make(map[pendingKey]chan InboundMessage),
		log:      log.WithField("component", "connreg"),
	}
}

// Bind attaches a logical device id to a channel after device registration.
// Binding a second channel for the same id replaces the first; the
// connection registry is the only mutator of live channels.
func (r *Registry) Bind(logicalDeviceID string, channel Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[logicalDeviceID] = channel
}

// Unbind detaches a device's channel, e.g. on disconnect.
func (r *Registry) Unbind(logicalDeviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, logicalDeviceID)
}

func (r *Registry) channelFor(logicalDeviceID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[logicalDeviceID]
	return ch, ok
}

// Deliver routes an inbound reply to the waiting caller, if any. It is the
// transport layer's entry point for chunk:confirm, chunk:data:{id} and
// chunk:deleted:{id} frames.
func (r *Registry) Deliver(logicalDeviceID string, msg InboundMessage) {
	key := pendingKey{logicalID: logicalDeviceID, chunkID: msg.ChunkID, op: msg.Op}
	r.mu.RLock()
	ch, ok := r.pending[key]
	r.mu.RUnlock()
	if !ok {
		r.log.WithFields(logrus.Fields{"logical_device_id": logicalDeviceID, "chunk_id": msg.ChunkID, "op": msg.Op}).
			Debug("dropping reply with no matching pending request")
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (r *Registry) register(key pendingKey) chan InboundMessage {
	ch := make(chan InboundMessage, 1)
	r.mu.Lock()
	r.pending[key] = ch
	r.mu.Unlock()
	return ch
}

func (r *Registry) unregister(key pendingKey) {
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

func (r *Registry) await(ctx context.Context, key pendingKey, timeout time.Duration) (InboundMessage, error) {
	replies := r.register(key)
	defer r.unregister(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replies:
		return msg, nil
	case <-timer.C:
		return InboundMessage{}, model.ErrTimeout
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// SendChunk emits chunk:assign and awaits chunk:confirm:{chunk_id} within
// timeout (default T_write, 30s). Failure modes: ErrNotConnected,
// ErrTimeout, ErrDeviceRejected.
func (r *Registry) SendChunk(ctx context.Context, logicalDeviceID string, meta ChunkAssignPayload, ciphertext []byte, timeout time.Duration) error {
	ch, ok := r.channelFor(logicalDeviceID)
	if !ok {
		return fmt.Errorf("%w: device %s", model.ErrNotConnected, logicalDeviceID)
	}

	meta.CiphertextBase64 = base64.StdEncoding.EncodeToString(ciphertext)
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal chunk:assign: %w", err)
	}

	key := pendingKey{logicalID: logicalDeviceID, chunkID: meta.ChunkID, op: "confirm"}
	replies := r.register(key)
	defer r.unregister(key)

	if err := ch.Send("chunk:assign", body); err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotConnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-replies:
		if !msg.Success {
			return fmt.Errorf("%w: %s", model.ErrDeviceRejected, msg.Error)
		}
		return nil
	case <-timer.C:
		return model.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestChunk emits chunk:request and awaits chunk:data:{chunk_id} within
// timeout (default T_read, 60s), returning decoded ciphertext bytes.
func (r *Registry) RequestChunk(ctx context.Context, logicalDeviceID, chunkID string, timeout time.Duration) ([]byte, error) {
	ch, ok := r.channelFor(logicalDeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: device %s", model.ErrNotConnected, logicalDeviceID)
	}

	body, err := json.Marshal(chunkRequestPayload{ChunkID: chunkID})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk:request: %w", err)
	}

	key := pendingKey{logicalID: logicalDeviceID, chunkID: chunkID, op: "data"}
	replies := r.register(key)
	defer r.unregister(key)

	if err := ch.Send("chunk:request", body); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNotConnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-replies:
		if !msg.Success {
			return nil, fmt.Errorf("%w: %s", model.ErrDeviceRejected, msg.Error)
		}
		data, err := base64.StdEncoding.DecodeString(msg.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed chunk data", model.ErrIntegrity)
		}
		return data, nil
	case <-timer.C:
		return nil, model.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeleteChunk emits chunk:delete and awaits chunk:deleted:{chunk_id} within
// timeout (default T_delete, 60s). Unlike SendChunk/RequestChunk, a timeout
// here is not an error: it resolves non-fatally (acked=false, err=nil) and
// the caller is expected to mark the placement unhealthy rather than retry
// inline.
func (r *Registry) DeleteChunk(ctx context.Context, logicalDeviceID, chunkID, reason string, timeout time.Duration) (acked bool, err error) {
	ch, ok := r.channelFor(logicalDeviceID)
	if !ok {
		return false, fmt.Errorf("%w: device %s", model.ErrNotConnected, logicalDeviceID)
	}

	body, err := json.Marshal(chunkDeletePayload{ChunkID: chunkID, Reason: reason})
	if err != nil {
		return false, fmt.Errorf("marshal chunk:delete: %w", err)
	}

	key := pendingKey{logicalID: logicalDeviceID, chunkID: chunkID, op: "deleted"}
	replies := r.register(key)
	defer r.unregister(key)

	if err := ch.Send("chunk:delete", body); err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrNotConnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-replies:
		return msg.Success, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
