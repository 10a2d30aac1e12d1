package sync

import (
	"context"
	"errors"

	"github.com/legacyguard/stronghold/backend/internal/db"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/conflict"
	"github.com/legacyguard/stronghold/backend/internal/uuid"
)

// applyOutcome describes what applying one remote entity did.
type applyOutcome int

const (
	outcomeIgnored applyOutcome = iota
	outcomeStored
	outcomeResolved
	outcomeQueued
)

// applyRemoteLocked reconciles one remote entity with local state. Caller
// holds procMu. Only storage failures are returned.
func (e *Engine) applyRemoteLocked(ctx context.Context, remote *models.SyncEntity) (applyOutcome, error) {
	if remote == nil {
		return outcomeIgnored, nil
	}
	if err := uuid.ValidateEntityID(remote.ID); err != nil {
		logging.Warn("Ignoring remote entity with invalid id", map[string]interface{}{"entity_id": remote.ID})
		return outcomeIgnored, nil
	}
	if remote.Deleted {
		return e.applyTombstoneLocked(models.TombstoneFrom(remote))
	}
	if !remote.VerifyChecksum() {
		logging.Warn("Ignoring remote entity with bad checksum", map[string]interface{}{
			"entity_id": remote.ID,
			"version":   remote.Version,
		})
		return outcomeIgnored, nil
	}

	local, err := e.store.Get(remote.ID)
	if err != nil {
		return outcomeIgnored, err
	}

	if local == nil {
		ts, err := e.store.Tombstone(remote.ID)
		if err != nil {
			return outcomeIgnored, err
		}
		if ts != nil && remote.Version <= ts.Version {
			// Deleted here at the same or a newer version.
			return outcomeIgnored, nil
		}
		return e.storeRemoteLocked(remote)
	}

	item, pending := e.batcher.Pending().Get(remote.ID)

	conflictType, isConflict := conflict.Detect(local, remote)
	if !isConflict {
		// Both sides reached the same state independently.
		if pending && models.SameState(item.Entity, remote) {
			e.batcher.Pending().Ack(remote.ID, item.Seq)
			if err := e.store.MarkSynced(remote.ID, remote.Version); err != nil {
				return outcomeIgnored, err
			}
		}
		return outcomeIgnored, nil
	}

	if !pending {
		switch {
		case remote.Version > local.Version:
			return e.storeRemoteLocked(remote)
		case remote.Version < local.Version:
			// Older than what this device already has synced.
			return outcomeIgnored, nil
		}
	}

	strategy := conflict.SelectStrategy(local, remote, conflictType, e.cfg.ConflictResolution)
	c := conflict.NewConflict(local, remote, conflictType, strategy, e.now())
	if strategy == models.StrategyManual {
		e.queueConflictLocked(c)
		return outcomeQueued, nil
	}
	if err := e.resolveLocked(ctx, c, strategy); err != nil {
		return outcomeIgnored, err
	}
	return outcomeResolved, nil
}

func (e *Engine) storeRemoteLocked(remote *models.SyncEntity) (applyOutcome, error) {
	if err := e.store.Put(remote, false); err != nil {
		if errors.Is(err, db.ErrStaleVersion) {
			return outcomeIgnored, nil
		}
		return outcomeIgnored, err
	}
	e.events.emit(Event{Kind: EventEntityUpdated, Source: SourceRemote, EntityID: remote.ID, Entity: remote.Clone()})
	return outcomeStored, nil
}

// applyTombstoneLocked applies a remote deletion. The higher version wins; on
// a tie the deletion wins. A newer local edit survives and stays queued.
func (e *Engine) applyTombstoneLocked(ts *models.Tombstone) (applyOutcome, error) {
	if ts == nil || ts.EntityID == "" {
		return outcomeIgnored, nil
	}

	local, err := e.store.Get(ts.EntityID)
	if err != nil {
		return outcomeIgnored, err
	}
	if local != nil && local.Version > ts.Version {
		if _, pending := e.batcher.Pending().Get(ts.EntityID); pending {
			logging.Info("Local edit outlives remote deletion", map[string]interface{}{
				"entity_id":         ts.EntityID,
				"local_version":     local.Version,
				"tombstone_version": ts.Version,
			})
		}
		return outcomeIgnored, nil
	}

	existing, err := e.store.Tombstone(ts.EntityID)
	if err != nil {
		return outcomeIgnored, err
	}
	if existing != nil && existing.Version >= ts.Version {
		return outcomeIgnored, nil
	}

	if err := e.store.Delete(ts, false); err != nil {
		if errors.Is(err, db.ErrStaleVersion) {
			return outcomeIgnored, nil
		}
		return outcomeIgnored, err
	}
	if item, ok := e.batcher.Pending().Get(ts.EntityID); ok && item.Entity.Version <= ts.Version {
		e.batcher.Pending().Remove(ts.EntityID)
	}
	e.dropConflictLocked(ts.EntityID)

	e.events.emit(Event{Kind: EventEntityDeleted, Source: SourceRemote, EntityID: ts.EntityID, Tombstone: ts})
	return outcomeStored, nil
}
