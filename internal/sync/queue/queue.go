// Package queue holds entities awaiting upload, keyed by entity id.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// Item is one pending entity plus its delivery bookkeeping.
type Item struct {
	Entity      *models.SyncEntity
	Seq         uint64
	Attempts    int
	LastError   string
	NextRetryAt time.Time
	EnqueuedAt  time.Time
}

// PendingSet is the in-memory set of entities not yet confirmed by the
// coordinator. A later Put for the same id replaces the earlier one; every Put
// gets a new sequence number so acknowledgements for a superseded copy are
// ignored.
type PendingSet struct {
	mu    sync.RWMutex
	items map[string]*Item
	seq   uint64
	now   func() time.Time
}

// NewPendingSet creates an empty PendingSet.
func NewPendingSet() *PendingSet {
	return &PendingSet{
		items: make(map[string]*Item),
		now:   time.Now,
	}
}

// Put adds e, replacing any pending copy of the same id. It returns the
// sequence number assigned to this copy.
func (q *PendingSet) Put(e *models.SyncEntity) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	now := q.now()
	q.items[e.ID] = &Item{
		Entity:      e.Clone(),
		Seq:         q.seq,
		NextRetryAt: now,
		EnqueuedAt:  now,
	}

	logging.Debug("Entity queued for upload", map[string]interface{}{
		"entity_id": e.ID,
		"version":   e.Version,
		"seq":       q.seq,
	})
	return q.seq
}

// Ack removes id if its pending copy is still the one with seq. It reports
// whether the item was removed.
func (q *PendingSet) Ack(id string, seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || item.Seq != seq {
		return false
	}
	delete(q.items, id)
	return true
}

// Fail records a failed delivery of (id, seq) and schedules the next attempt
// with exponential backoff. A copy that was superseded meanwhile is left alone.
func (q *PendingSet) Fail(id string, seq uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || item.Seq != seq {
		return
	}
	item.Attempts++
	if err != nil {
		item.LastError = err.Error()
	}
	item.NextRetryAt = q.now().Add(calculateBackoff(item.Attempts))
}

// Remove drops id regardless of sequence.
func (q *PendingSet) Remove(id string) {
	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
}

// Get returns a copy of the pending item for id.
func (q *PendingSet) Get(id string) (*Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	return copyItem(item), true
}

// List returns copies of every pending item in sequence order.
func (q *PendingSet) List() []*Item {
	return q.collect(func(*Item) bool { return true })
}

// Ready returns copies of items whose backoff has elapsed, in sequence order.
func (q *PendingSet) Ready() []*Item {
	now := q.now()
	return q.collect(func(item *Item) bool { return !item.NextRetryAt.After(now) })
}

func (q *PendingSet) collect(keep func(*Item) bool) []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if keep(item) {
			items = append(items, copyItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// Entities returns the pending entities in sequence order.
func (q *PendingSet) Entities() []*models.SyncEntity {
	items := q.List()
	out := make([]*models.SyncEntity, len(items))
	for i, item := range items {
		out[i] = item.Entity
	}
	return out
}

// Size returns the number of pending entities.
func (q *PendingSet) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear removes everything.
func (q *PendingSet) Clear() {
	q.mu.Lock()
	q.items = make(map[string]*Item)
	q.mu.Unlock()
}

// GetStats returns counts of pending items by delivery state.
func (q *PendingSet) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := q.now()
	stats := map[string]int{
		"total":       0,
		"ready":       0,
		"backing_off": 0,
		"retried":     0,
	}
	for _, item := range q.items {
		stats["total"]++
		if item.NextRetryAt.After(now) {
			stats["backing_off"]++
		} else {
			stats["ready"]++
		}
		if item.Attempts > 0 {
			stats["retried"]++
		}
	}
	return stats
}

func copyItem(item *Item) *Item {
	c := *item
	c.Entity = item.Entity.Clone()
	return &c
}

// calculateBackoff returns the delay before attempt retryCount+1.
// Formula: 2^retry_count * 5s, capped at 5 minutes.
func calculateBackoff(retryCount int) time.Duration {
	if retryCount > 16 {
		retryCount = 16
	}
	backoff := time.Duration(1<<uint(retryCount)) * 5 * time.Second

	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
