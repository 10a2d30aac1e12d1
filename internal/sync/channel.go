package sync

import (
	"context"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/realtime"
)

// channelHandler feeds real-time messages into the engine.
type channelHandler struct {
	e *Engine
}

var _ realtime.Handler = channelHandler{}

func (h channelHandler) HandleEntityUpdated(ctx context.Context, entity *models.SyncEntity) {
	h.e.procMu.Lock()
	_, err := h.e.applyRemoteLocked(ctx, entity)
	h.e.procMu.Unlock()
	if err != nil {
		logging.ErrorWithCode("Failed to apply pushed entity", string(errors.CodeOf(err)), err,
			map[string]interface{}{"entity_id": entity.ID})
	}
}

func (h channelHandler) HandleEntityDeleted(_ context.Context, tombstone *models.Tombstone) {
	h.e.procMu.Lock()
	_, err := h.e.applyTombstoneLocked(tombstone)
	h.e.procMu.Unlock()
	if err != nil {
		logging.ErrorWithCode("Failed to apply pushed deletion", string(errors.CodeOf(err)), err,
			map[string]interface{}{"entity_id": tombstone.EntityID})
	}
}

// HandleConflictDetected resolves or queues a conflict the coordinator
// noticed on one of this device's entities.
func (h channelHandler) HandleConflictDetected(ctx context.Context, c *models.SyncConflict) {
	if c == nil || c.RemoteVersion == nil {
		return
	}
	h.e.procMu.Lock()
	h.e.acceptConflictLocked(ctx, c)
	h.e.procMu.Unlock()
}

// HandleSyncRequested starts a full sync in the background; one already
// running satisfies the request.
func (h channelHandler) HandleSyncRequested(context.Context) {
	h.e.goBackground(func(ctx context.Context) {
		if _, err := h.e.PerformFullSync(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
			logging.Warn("Requested sync failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

func (h channelHandler) HandleStateChange(state realtime.State, err error) {
	switch state {
	case realtime.StateConnected:
		h.e.events.emit(Event{Kind: EventRealTimeConnected})
	case realtime.StateDisconnected:
		h.e.events.emit(Event{Kind: EventRealTimeDisconnected, Err: err})
	}
}
