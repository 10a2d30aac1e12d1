// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// =====================================================
// SyncEntity Tests
// =====================================================

// TestComputeChecksum_keyOrder verifies checksum does not depend on map insertion order.
func TestComputeChecksum_keyOrder(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": "two", "c": []interface{}{1, 2}}
	b := map[string]interface{}{"c": []interface{}{1, 2}, "b": "two", "a": 1}

	sumA, sizeA, err := ComputeChecksum(a)
	if err != nil {
		t.Fatalf("ComputeChecksum() error = %v", err)
	}
	sumB, sizeB, _ := ComputeChecksum(b)

	if sumA != sumB || sizeA != sizeB {
		t.Errorf("checksums differ: %s/%d vs %s/%d", sumA, sizeA, sumB, sizeB)
	}
	if len(sumA) != 64 {
		t.Errorf("checksum length = %d, want 64", len(sumA))
	}
}

// TestComputeChecksum_nilPayload verifies a nil payload hashes as an empty object.
func TestComputeChecksum_nilPayload(t *testing.T) {
	sumNil, sizeNil, _ := ComputeChecksum(nil)
	sumEmpty, _, _ := ComputeChecksum(map[string]interface{}{})

	if sumNil != sumEmpty {
		t.Error("nil and empty payloads should hash equally")
	}
	if sizeNil != 2 {
		t.Errorf("size = %d, want 2", sizeNil)
	}
}

// TestSyncEntity_Touch verifies version bump and checksum refresh.
func TestSyncEntity_Touch(t *testing.T) {
	e := &SyncEntity{ID: "e1", Payload: map[string]interface{}{"title": "draft"}, Version: 1}
	if err := e.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	before := e.Metadata.Checksum

	e.Payload["title"] = "final"
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := e.Touch(now); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	if e.Version != 2 {
		t.Errorf("Version = %d, want 2", e.Version)
	}
	if e.Metadata.Checksum == before {
		t.Error("checksum should change after payload mutation")
	}
	if !e.LastModified.Equal(now) {
		t.Errorf("LastModified = %v, want %v", e.LastModified, now)
	}
	if !e.VerifyChecksum() {
		t.Error("VerifyChecksum() = false after Touch")
	}
}

// TestSyncEntity_Seal_defaults verifies metadata defaults and tag set semantics.
func TestSyncEntity_Seal_defaults(t *testing.T) {
	e := &SyncEntity{ID: "e1", Metadata: EntityMetadata{Tags: []string{"b", "a", "b", ""}}}
	if err := e.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if e.Metadata.ConflictPolicy != PolicyAuto {
		t.Errorf("ConflictPolicy = %q, want auto", e.Metadata.ConflictPolicy)
	}
	if e.Metadata.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want normal", e.Metadata.Priority)
	}
	if len(e.Metadata.Tags) != 2 || e.Metadata.Tags[0] != "a" || e.Metadata.Tags[1] != "b" {
		t.Errorf("Tags = %v, want [a b]", e.Metadata.Tags)
	}
	if e.Payload == nil {
		t.Error("Payload should be initialized")
	}
}

// TestSyncEntity_Clone verifies deep copies are independent.
func TestSyncEntity_Clone(t *testing.T) {
	e := &SyncEntity{
		ID:      "e1",
		Payload: map[string]interface{}{"nested": map[string]interface{}{"k": "v"}},
		Metadata: EntityMetadata{
			Tags: []string{"x"},
		},
	}

	c := e.Clone()
	c.Payload["nested"].(map[string]interface{})["k"] = "changed"
	c.Metadata.Tags[0] = "y"

	if e.Payload["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("Clone() shares nested payload")
	}
	if e.Metadata.Tags[0] != "x" {
		t.Error("Clone() shares tags")
	}
	if (*SyncEntity)(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

// TestSameState verifies state comparison.
func TestSameState(t *testing.T) {
	a := &SyncEntity{Version: 1, Metadata: EntityMetadata{Checksum: "x"}}
	b := &SyncEntity{Version: 1, Metadata: EntityMetadata{Checksum: "x"}}
	c := &SyncEntity{Version: 2, Metadata: EntityMetadata{Checksum: "x"}}

	if !SameState(a, b) {
		t.Error("SameState(a, b) = false, want true")
	}
	if SameState(a, c) {
		t.Error("SameState(a, c) = true, want false")
	}
	if SameState(a, nil) {
		t.Error("SameState(a, nil) = true, want false")
	}
}

// TestSyncEntity_JSON verifies the wire field names.
func TestSyncEntity_JSON(t *testing.T) {
	e := &SyncEntity{ID: "e1", Type: "note", Version: 3, OriginDeviceID: "d1", OwnerUserID: "u1"}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"id", "type", "payload", "version", "lastModified", "originDeviceId", "ownerUserId", "metadata"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing JSON key %q", key)
		}
	}
	if _, ok := raw["organizationId"]; ok {
		t.Error("empty organizationId should be omitted")
	}
}

// =====================================================
// Enum Tests
// =====================================================

// TestEnums_Valid verifies enum validation helpers.
func TestEnums_Valid(t *testing.T) {
	if !StrategyMerge.Valid() || ResolutionStrategy("lww").Valid() {
		t.Error("ResolutionStrategy.Valid() mismatch")
	}
	if StrategyManual.IsDecision() || !StrategyClient.IsDecision() {
		t.Error("ResolutionStrategy.IsDecision() mismatch")
	}
	if !PlatformIOS.Valid() || Platform("tv").Valid() {
		t.Error("Platform.Valid() mismatch")
	}
	if !PriorityCritical.Valid() || Priority("urgent").Valid() {
		t.Error("Priority.Valid() mismatch")
	}
}

// =====================================================
// SyncSession Tests
// =====================================================

// TestSyncSession_finalizeOnce verifies a session is finalized exactly once.
func TestSyncSession_finalizeOnce(t *testing.T) {
	start := time.Now()
	s := &SyncSession{ID: "s1", StartTime: start, Status: SessionActive}

	if err := s.Fail(start.Add(time.Second), errors.New("upload failed")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if s.Status != SessionFailed || s.Error != "upload failed" {
		t.Errorf("session = %+v", s)
	}
	if s.Duration() != time.Second {
		t.Errorf("Duration() = %v, want 1s", s.Duration())
	}

	if err := s.Complete(time.Now()); !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("second finalize error = %v, want ErrSessionFinalized", err)
	}
	if s.Status != SessionFailed {
		t.Error("finalized session must not change status")
	}
}

// =====================================================
// Tombstone Tests
// =====================================================

// TestTombstone_roundTrip verifies tombstone to marker conversion.
func TestTombstone_roundTrip(t *testing.T) {
	deleted := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ts := &Tombstone{EntityID: "e1", Type: "note", Version: 4, DeletedAt: deleted, OriginDeviceID: "d1", OwnerUserID: "u1"}

	marker := ts.AsEntity()
	if !marker.Deleted || marker.Version != 4 || marker.OwnerUserID != "u1" {
		t.Errorf("marker = %+v", marker)
	}

	back := TombstoneFrom(marker)
	if *back != *ts {
		t.Errorf("TombstoneFrom() = %+v, want %+v", back, ts)
	}
}
