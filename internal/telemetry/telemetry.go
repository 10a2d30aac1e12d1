// Package telemetry keeps local sync statistics fed by engine events.
// Nothing is transmitted; the numbers are only logged or inspected in-process.
package telemetry

import (
	"sync"
	"time"

	syncengine "github.com/legacyguard/stronghold/backend/internal/sync"
)

// Source is the event surface a Collector subscribes to. *sync.Engine implements it.
type Source interface {
	On(kind syncengine.EventKind, handler syncengine.EventHandler) syncengine.Subscription
}

// Snapshot is a copy of the collected counters.
type Snapshot struct {
	SessionsCompleted int64
	SessionsFailed    int64
	EntitiesSynced    int64
	BytesTransferred  int64
	ConflictsDetected int64
	ConflictsResolved int64
	LocalChanges      int64
	RemoteChanges     int64
	LastSyncDuration  time.Duration
	LastSyncAt        time.Time
	LastError         string
}

// Collector accumulates sync statistics. It is safe for concurrent use.
type Collector struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Attach subscribes c to the events it counts and returns the subscriptions.
func (c *Collector) Attach(src Source) []syncengine.Subscription {
	kinds := []syncengine.EventKind{
		syncengine.EventSyncCompleted,
		syncengine.EventSyncFailed,
		syncengine.EventConflictDetected,
		syncengine.EventConflictResolved,
		syncengine.EventEntityUpdated,
		syncengine.EventEntityDeleted,
	}
	subs := make([]syncengine.Subscription, 0, len(kinds))
	for _, kind := range kinds {
		subs = append(subs, src.On(kind, c.handle))
	}
	return subs
}

// handle runs on the emitting goroutine, so it only touches counters.
func (c *Collector) handle(ev syncengine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case syncengine.EventSyncCompleted, syncengine.EventSyncFailed:
		if ev.Kind == syncengine.EventSyncCompleted {
			c.snap.SessionsCompleted++
		} else {
			c.snap.SessionsFailed++
			if ev.Err != nil {
				c.snap.LastError = ev.Err.Error()
			}
		}
		if s := ev.Session; s != nil {
			c.snap.EntitiesSynced += int64(s.EntitiesSynced)
			c.snap.BytesTransferred += s.BytesTransferred
			if s.EndTime != nil {
				c.snap.LastSyncDuration = s.EndTime.Sub(s.StartTime)
				c.snap.LastSyncAt = *s.EndTime
			}
		}
	case syncengine.EventConflictDetected:
		c.snap.ConflictsDetected++
	case syncengine.EventConflictResolved:
		c.snap.ConflictsResolved++
	case syncengine.EventEntityUpdated, syncengine.EventEntityDeleted:
		if ev.Source == syncengine.SourceLocal {
			c.snap.LocalChanges++
		} else {
			c.snap.RemoteChanges++
		}
	}
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Fields returns the counters as structured log fields.
func (c *Collector) Fields() map[string]interface{} {
	s := c.Snapshot()
	fields := map[string]interface{}{
		"sessions_completed": s.SessionsCompleted,
		"sessions_failed":    s.SessionsFailed,
		"entities_synced":    s.EntitiesSynced,
		"bytes_transferred":  s.BytesTransferred,
		"conflicts_detected": s.ConflictsDetected,
		"conflicts_resolved": s.ConflictsResolved,
		"local_changes":      s.LocalChanges,
		"remote_changes":     s.RemoteChanges,
	}
	if !s.LastSyncAt.IsZero() {
		fields["last_sync_ms"] = s.LastSyncDuration.Milliseconds()
		fields["last_sync_at"] = s.LastSyncAt
	}
	if s.LastError != "" {
		fields["last_error"] = s.LastError
	}
	return fields
}
