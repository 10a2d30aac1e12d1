package sync

import (
	"sync"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

// EventKind enumerates the notifications the engine emits.
type EventKind int

const (
	EventSyncStarted EventKind = iota + 1
	EventSyncCompleted
	EventSyncFailed
	EventEntityUpdated
	EventEntityDeleted
	EventConflictDetected
	EventConflictResolved
	EventRealTimeConnected
	EventRealTimeDisconnected
	EventOnlineStatusChanged
	EventRegistrationFailed
)

var eventNames = map[EventKind]string{
	EventSyncStarted:          "sync_started",
	EventSyncCompleted:        "sync_completed",
	EventSyncFailed:           "sync_failed",
	EventEntityUpdated:        "entity_updated",
	EventEntityDeleted:        "entity_deleted",
	EventConflictDetected:     "conflict_detected",
	EventConflictResolved:     "conflict_resolved",
	EventRealTimeConnected:    "realtime_connected",
	EventRealTimeDisconnected: "realtime_disconnected",
	EventOnlineStatusChanged:  "online_status_changed",
	EventRegistrationFailed:   "registration_failed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// EventSource says where an entity change came from.
type EventSource string

const (
	SourceLocal    EventSource = "local"
	SourceRemote   EventSource = "remote"
	SourceResolved EventSource = "resolution"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Source    EventSource
	EntityID  string
	Entity    *models.SyncEntity
	Tombstone *models.Tombstone
	Conflict  *models.SyncConflict
	Session   *models.SyncSession
	Online    bool
	Err       error
}

// EventHandler receives events. Handlers run synchronously on the emitting
// goroutine and must not call back into the engine.
type EventHandler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	kind EventKind
	id   uint64
}

type eventBus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[EventKind]map[uint64]EventHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[EventKind]map[uint64]EventHandler)}
}

func (b *eventBus) on(kind EventKind, h EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]EventHandler)
	}
	b.handlers[kind][b.next] = h
	return Subscription{kind: kind, id: b.next}
}

func (b *eventBus) off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[sub.kind], sub.id)
}

func (b *eventBus) clear() {
	b.mu.Lock()
	b.handlers = make(map[EventKind]map[uint64]EventHandler)
	b.mu.Unlock()
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
