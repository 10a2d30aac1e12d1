// Package models provides data model definitions for the sync engine.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ConflictPolicy controls whether conflicts on an entity may be resolved automatically.
type ConflictPolicy string

const (
	PolicyAuto   ConflictPolicy = "auto"
	PolicyManual ConflictPolicy = "manual"
)

// Priority controls how eagerly an entity is uploaded.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// EntityMetadata carries integrity and routing attributes of an entity.
type EntityMetadata struct {
	Checksum       string         `json:"checksum"`
	Size           int            `json:"size"`
	ConflictPolicy ConflictPolicy `json:"conflictPolicy"`
	Priority       Priority       `json:"priority"`
	Tags           []string       `json:"tags,omitempty"`
}

// SyncEntity is a unit of synchronizable application data.
type SyncEntity struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Payload        map[string]interface{} `json:"payload"`
	Version        int64                  `json:"version"`
	LastModified   time.Time              `json:"lastModified"`
	OriginDeviceID string                 `json:"originDeviceId"`
	OwnerUserID    string                 `json:"ownerUserId"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	Metadata       EntityMetadata         `json:"metadata"`
	// Deleted marks a tombstone travelling through the upload path.
	Deleted bool `json:"deleted,omitempty"`
}

// TableName returns the table name for SyncEntity.
func (SyncEntity) TableName() string {
	return "entities"
}

// ComputeChecksum returns the SHA-256 hex digest and byte size of the
// canonical JSON encoding of payload. encoding/json sorts map keys, so equal
// payloads always hash equally.
func ComputeChecksum(payload map[string]interface{}) (string, int, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), len(data), nil
}

// Seal recomputes the checksum and size from the current payload and
// normalizes defaults. It does not change the version.
func (e *SyncEntity) Seal() error {
	checksum, size, err := ComputeChecksum(e.Payload)
	if err != nil {
		return err
	}
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	e.Metadata.Checksum = checksum
	e.Metadata.Size = size
	if e.Metadata.ConflictPolicy == "" {
		e.Metadata.ConflictPolicy = PolicyAuto
	}
	if e.Metadata.Priority == "" {
		e.Metadata.Priority = PriorityNormal
	}
	e.Metadata.Tags = NormalizeTags(e.Metadata.Tags)
	return nil
}

// Touch records a mutation: bumps the version by exactly one, stamps
// LastModified and recomputes the checksum.
func (e *SyncEntity) Touch(now time.Time) error {
	e.Version++
	e.LastModified = now.UTC()
	return e.Seal()
}

// VerifyChecksum reports whether the stored checksum matches the payload.
func (e *SyncEntity) VerifyChecksum() bool {
	checksum, _, err := ComputeChecksum(e.Payload)
	return err == nil && checksum == e.Metadata.Checksum
}

// Clone returns a deep copy of e, safe to mutate independently.
func (e *SyncEntity) Clone() *SyncEntity {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = clonePayload(e.Payload)
	if e.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	}
	return &c
}

// SameState reports whether a and b hold the same version and content.
func SameState(a, b *SyncEntity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Version == b.Version && a.Metadata.Checksum == b.Metadata.Checksum && a.Deleted == b.Deleted
}

// NormalizeTags sorts and deduplicates tags, giving them set semantics.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return clonePayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
