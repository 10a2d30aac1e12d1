package realtime

import (
	"time"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

// MessageType tags an inbound real-time message.
type MessageType string

const (
	MessageEntityUpdated    MessageType = "entity_updated"
	MessageEntityDeleted    MessageType = "entity_deleted"
	MessageConflictDetected MessageType = "conflict_detected"
	MessageSyncRequested    MessageType = "sync_requested"
)

// Message is the wire envelope: a type tag plus the payload field matching it.
type Message struct {
	Type           MessageType          `json:"type"`
	Entity         *models.SyncEntity   `json:"entity,omitempty"`
	Tombstone      *models.Tombstone    `json:"tombstone,omitempty"`
	Conflict       *models.SyncConflict `json:"conflict,omitempty"`
	SourceDeviceID string               `json:"sourceDeviceId,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}
