package conflict

import (
	"time"

	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// ConcurrentWindow is the largest LastModified gap for which two equal-version
// edits count as concurrent rather than a schema anomaly.
const ConcurrentWindow = time.Second

// Detect classifies the relationship between a local and a remote copy of the
// same entity. It reports false when there is nothing to resolve.
func Detect(local, remote *models.SyncEntity) (models.ConflictType, bool) {
	if local == nil || remote == nil {
		return "", false
	}
	if local.Version == remote.Version && local.Metadata.Checksum == remote.Metadata.Checksum {
		return "", false
	}
	if local.Version != remote.Version {
		return models.ConflictVersion, true
	}

	diff := local.LastModified.Sub(remote.LastModified)
	if diff < 0 {
		diff = -diff
	}
	if diff < ConcurrentWindow {
		return models.ConflictConcurrent, true
	}
	return models.ConflictSchema, true
}

// SelectStrategy picks the strategy for a detected conflict. A manual policy
// on either copy wins, schema anomalies are always surfaced, and everything
// else uses the engine default.
func SelectStrategy(local, remote *models.SyncEntity, conflictType models.ConflictType, def models.ResolutionStrategy) models.ResolutionStrategy {
	if conflictType == models.ConflictSchema {
		return models.StrategyManual
	}
	if isManual(local) || isManual(remote) {
		return models.StrategyManual
	}
	if !def.Valid() {
		return models.StrategyMerge
	}
	return def
}

func isManual(e *models.SyncEntity) bool {
	return e != nil && e.Metadata.ConflictPolicy == models.PolicyManual
}

// NewConflict builds a conflict record holding snapshots of both copies.
func NewConflict(local, remote *models.SyncEntity, conflictType models.ConflictType, strategy models.ResolutionStrategy, now time.Time) *models.SyncConflict {
	c := &models.SyncConflict{
		EntityID:           remote.ID,
		Type:               remote.Type,
		LocalVersion:       local.Clone(),
		RemoteVersion:      remote.Clone(),
		ConflictType:       conflictType,
		ResolutionStrategy: strategy,
		CreatedAt:          now.UTC(),
	}

	logging.Warn("Conflict detected", map[string]interface{}{
		"entity_id":      c.EntityID,
		"conflict_type":  string(conflictType),
		"strategy":       string(strategy),
		"local_version":  local.Version,
		"remote_version": remote.Version,
	})
	return c
}
