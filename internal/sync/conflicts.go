package sync

import (
	"context"
	"sort"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/conflict"
)

// =====================================================
// Conflict Queue
// =====================================================

// acceptConflictLocked takes a conflict reported by the coordinator for one
// of this device's entities, re-detects it against the current local state
// and resolves it unless it needs a manual decision. Conflicts that cannot be
// resolved now are queued. It reports whether the conflict was resolved.
// Caller holds procMu.
func (e *Engine) acceptConflictLocked(ctx context.Context, c *models.SyncConflict) bool {
	remote := c.RemoteVersion
	local, err := e.currentLocalLocked(c.EntityID)
	if err != nil {
		logging.ErrorWithCode("Failed to read local copy for conflict", string(errors.CodeOf(err)), err,
			map[string]interface{}{"entity_id": c.EntityID})
		return false
	}
	if local == nil {
		local = c.LocalVersion
	}
	if local == nil {
		return false
	}

	conflictType, isConflict := conflict.Detect(local, remote)
	if !isConflict {
		if err := e.store.MarkSynced(local.ID, local.Version); err != nil {
			logging.ErrorWithCode("Failed to mark entity synced", string(errors.CodeOf(err)), err,
				map[string]interface{}{"entity_id": local.ID})
		}
		return false
	}

	strategy := conflict.SelectStrategy(local, remote, conflictType, e.cfg.ConflictResolution)
	if c.ResolutionStrategy == models.StrategyManual {
		strategy = models.StrategyManual
	}
	detected := conflict.NewConflict(local, remote, conflictType, strategy, e.now())
	if strategy == models.StrategyManual {
		e.queueConflictLocked(detected)
		return false
	}

	err = e.resolveLocked(ctx, detected, strategy)
	switch {
	case err == nil:
		return true
	case conflict.IsConflictError(err):
		logging.Warn("Conflict needs a manual decision", map[string]interface{}{
			"entity_id": detected.EntityID,
			"error":     err.Error(),
		})
		detected.ResolutionStrategy = models.StrategyManual
	default:
		// Kept with its strategy so the next full sync retries it.
		logging.ErrorWithCode("Failed to resolve conflict", string(errors.CodeOf(err)), err,
			map[string]interface{}{"entity_id": detected.EntityID})
	}
	e.queueConflictLocked(detected)
	return false
}

// queueConflictLocked stores c, replacing any earlier conflict on the same id.
func (e *Engine) queueConflictLocked(c *models.SyncConflict) {
	e.mu.Lock()
	e.conflicts[c.EntityID] = c
	e.mu.Unlock()

	e.events.emit(Event{Kind: EventConflictDetected, EntityID: c.EntityID, Conflict: c.Clone()})
}

func (e *Engine) dropConflictLocked(id string) {
	e.mu.Lock()
	delete(e.conflicts, id)
	e.mu.Unlock()
}

// GetConflictQueue returns the unresolved conflicts, oldest first.
func (e *Engine) GetConflictQueue() []*models.SyncConflict {
	e.mu.RLock()
	out := make([]*models.SyncConflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// currentLocalLocked returns the stored entity, or its deletion marker when
// the entity was deleted locally, or nil.
func (e *Engine) currentLocalLocked(id string) (*models.SyncEntity, error) {
	local, err := e.store.Get(id)
	if err != nil || local != nil {
		return local, err
	}
	ts, err := e.store.Tombstone(id)
	if err != nil || ts == nil {
		return nil, err
	}
	return ts.AsEntity(), nil
}

// =====================================================
// Resolution
// =====================================================

// resolveLocked applies strategy to c against the freshest local state and
// stores the winner. Caller holds procMu.
func (e *Engine) resolveLocked(ctx context.Context, c *models.SyncConflict, strategy models.ResolutionStrategy) error {
	c = c.Clone()
	local, err := e.currentLocalLocked(c.EntityID)
	if err != nil {
		return err
	}
	if local != nil && (c.LocalVersion == nil || local.Version >= c.LocalVersion.Version) {
		c.LocalVersion = local
	}

	res, err := e.resolver.Resolve(c, strategy)
	if err != nil {
		return err
	}

	winner := res.Entity
	requeue := res.Requeue
	if !winner.Deleted && c.LocalVersion.Deleted && winner.Version <= c.LocalVersion.Version {
		// A resurrected entity must supersede the local tombstone.
		winner.Version = c.LocalVersion.Version + 1
		winner.LastModified = e.now().UTC()
		if err := winner.Seal(); err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode payload", err)
		}
		requeue = true
		res.ConflictLog.ResultVersion = winner.Version
	}

	if winner.Deleted {
		err = e.store.Delete(models.TombstoneFrom(winner), requeue)
	} else {
		err = e.store.Put(winner, requeue)
	}
	if err != nil {
		return err
	}

	if requeue {
		e.batcher.Pending().Put(winner)
	} else {
		e.batcher.Pending().Remove(winner.ID)
	}
	if err := e.store.RecordResolution(res.ConflictLog); err != nil {
		logging.ErrorWithCode("Failed to record conflict resolution", string(errors.CodeOf(err)), err,
			map[string]interface{}{"entity_id": c.EntityID})
	}
	e.dropConflictLocked(c.EntityID)

	c.ResolutionStrategy = strategy
	e.events.emit(Event{Kind: EventConflictResolved, Source: SourceResolved, EntityID: c.EntityID, Conflict: c, Entity: winner.Clone()})
	if winner.Deleted {
		e.events.emit(Event{Kind: EventEntityDeleted, Source: SourceResolved, EntityID: winner.ID, Tombstone: models.TombstoneFrom(winner)})
	} else {
		e.events.emit(Event{Kind: EventEntityUpdated, Source: SourceResolved, EntityID: winner.ID, Entity: winner.Clone()})
	}
	return nil
}

// resolveQueuedLocked resolves every queued conflict whose strategy is not
// manual, oldest first. A conflict that cannot be merged is switched to
// manual. It returns the number resolved and the first storage error.
func (e *Engine) resolveQueuedLocked(ctx context.Context) (int, error) {
	resolved := 0
	for _, c := range e.GetConflictQueue() {
		if c.ResolutionStrategy == models.StrategyManual {
			continue
		}
		err := e.resolveLocked(ctx, c, c.ResolutionStrategy)
		switch {
		case err == nil:
			resolved++
		case conflict.IsConflictError(err):
			logging.Warn("Conflict needs a manual decision", map[string]interface{}{
				"entity_id": c.EntityID,
				"error":     err.Error(),
			})
			c.ResolutionStrategy = models.StrategyManual
			e.mu.Lock()
			if _, ok := e.conflicts[c.EntityID]; ok {
				e.conflicts[c.EntityID] = c
			}
			e.mu.Unlock()
		default:
			return resolved, err
		}
	}
	return resolved, nil
}

// ManualConflictResolution resolves the queued conflict on entityID with
// decision, which must be client, server or merge.
func (e *Engine) ManualConflictResolution(ctx context.Context, entityID string, decision models.ResolutionStrategy) error {
	if !decision.IsDecision() {
		return errors.Newf(errors.ErrInvalid, "invalid resolution decision %q", decision)
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.mu.RLock()
	c, ok := e.conflicts[entityID]
	e.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.ErrConflictNotFound, "no conflict for entity %s", entityID)
	}

	if err := e.resolveLocked(ctx, c, decision); err != nil {
		if conflict.IsConflictError(err) {
			return errors.Wrap(errors.ErrInvalid, "resolve conflict "+entityID, err)
		}
		return err
	}
	return nil
}
