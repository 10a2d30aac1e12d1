// Package telemetry tests verify the counters kept from engine events.
package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/models"
	syncengine "github.com/legacyguard/stronghold/backend/internal/sync"
)

// fakeSource records handlers and replays events to them.
type fakeSource struct {
	handlers map[syncengine.EventKind][]syncengine.EventHandler
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[syncengine.EventKind][]syncengine.EventHandler)}
}

func (f *fakeSource) On(kind syncengine.EventKind, h syncengine.EventHandler) syncengine.Subscription {
	f.handlers[kind] = append(f.handlers[kind], h)
	return syncengine.Subscription{}
}

func (f *fakeSource) emit(ev syncengine.Event) {
	for _, h := range f.handlers[ev.Kind] {
		h(ev)
	}
}

func finishedSession(start time.Time, took time.Duration, entities int, bytes int64) *models.SyncSession {
	end := start.Add(took)
	return &models.SyncSession{
		StartTime:        start,
		EndTime:          &end,
		EntitiesSynced:   entities,
		BytesTransferred: bytes,
	}
}

// TestAttach verifies the collector subscribes to every counted event.
func TestAttach(t *testing.T) {
	src := newFakeSource()
	subs := NewCollector().Attach(src)
	if len(subs) != 6 {
		t.Errorf("Attach() returned %d subscriptions, want 6", len(subs))
	}
	if len(src.handlers[syncengine.EventSyncStarted]) != 0 {
		t.Error("sync started is not counted and should not be subscribed")
	}
}

// TestSessions verifies completed and failed sessions are accumulated.
func TestSessions(t *testing.T) {
	src := newFakeSource()
	c := NewCollector()
	c.Attach(src)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.emit(syncengine.Event{Kind: syncengine.EventSyncCompleted, Session: finishedSession(start, 2*time.Second, 3, 300)})
	src.emit(syncengine.Event{
		Kind:    syncengine.EventSyncFailed,
		Session: finishedSession(start.Add(time.Minute), 500*time.Millisecond, 1, 50),
		Err:     errors.New("upload failed"),
	})

	s := c.Snapshot()
	if s.SessionsCompleted != 1 || s.SessionsFailed != 1 {
		t.Errorf("sessions = %d completed, %d failed; want 1, 1", s.SessionsCompleted, s.SessionsFailed)
	}
	if s.EntitiesSynced != 4 || s.BytesTransferred != 350 {
		t.Errorf("totals = %d entities, %d bytes; want 4, 350", s.EntitiesSynced, s.BytesTransferred)
	}
	if s.LastSyncDuration != 500*time.Millisecond {
		t.Errorf("LastSyncDuration = %v, want 500ms", s.LastSyncDuration)
	}
	if s.LastError != "upload failed" {
		t.Errorf("LastError = %q", s.LastError)
	}
}

// TestChangesAndConflicts verifies entity changes are split by source.
func TestChangesAndConflicts(t *testing.T) {
	src := newFakeSource()
	c := NewCollector()
	c.Attach(src)

	src.emit(syncengine.Event{Kind: syncengine.EventEntityUpdated, Source: syncengine.SourceLocal})
	src.emit(syncengine.Event{Kind: syncengine.EventEntityDeleted, Source: syncengine.SourceLocal})
	src.emit(syncengine.Event{Kind: syncengine.EventEntityUpdated, Source: syncengine.SourceRemote})
	src.emit(syncengine.Event{Kind: syncengine.EventEntityUpdated, Source: syncengine.SourceResolved})
	src.emit(syncengine.Event{Kind: syncengine.EventConflictDetected})
	src.emit(syncengine.Event{Kind: syncengine.EventConflictDetected})
	src.emit(syncengine.Event{Kind: syncengine.EventConflictResolved})

	s := c.Snapshot()
	if s.LocalChanges != 2 || s.RemoteChanges != 2 {
		t.Errorf("changes = %d local, %d remote; want 2, 2", s.LocalChanges, s.RemoteChanges)
	}
	if s.ConflictsDetected != 2 || s.ConflictsResolved != 1 {
		t.Errorf("conflicts = %d detected, %d resolved; want 2, 1", s.ConflictsDetected, s.ConflictsResolved)
	}
}

// TestFields verifies optional fields only appear once known.
func TestFields(t *testing.T) {
	src := newFakeSource()
	c := NewCollector()
	c.Attach(src)

	fields := c.Fields()
	if _, ok := fields["last_sync_at"]; ok {
		t.Error("last_sync_at should be absent before any sync")
	}
	if _, ok := fields["last_error"]; ok {
		t.Error("last_error should be absent before any failure")
	}

	src.emit(syncengine.Event{Kind: syncengine.EventSyncCompleted, Session: finishedSession(time.Now(), time.Second, 0, 0)})
	fields = c.Fields()
	if fields["last_sync_ms"] != int64(1000) {
		t.Errorf("last_sync_ms = %v, want 1000", fields["last_sync_ms"])
	}
	if fields["sessions_completed"] != int64(1) {
		t.Errorf("sessions_completed = %v, want 1", fields["sessions_completed"])
	}
}

// TestConcurrentEvents verifies the collector is safe under concurrent emitters.
func TestConcurrentEvents(t *testing.T) {
	src := newFakeSource()
	c := NewCollector()
	c.Attach(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				src.emit(syncengine.Event{Kind: syncengine.EventConflictDetected})
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := c.Snapshot().ConflictsDetected; got != 800 {
		t.Errorf("ConflictsDetected = %d, want 800", got)
	}
}
