// Package conflict detects and resolves disagreements between local and
// remote copies of an entity.
package conflict

import (
	"time"

	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/uuid"
)

// Resolver applies resolution strategies. It never lowers a version: every
// result is at least as new as both inputs.
type Resolver struct {
	deviceID string
	now      func() time.Time
}

// NewResolver creates a Resolver. deviceID is stamped as the origin of
// merged results.
func NewResolver(deviceID string) *Resolver {
	return &Resolver{
		deviceID: deviceID,
		now:      time.Now,
	}
}

// ResolveResult is the outcome of resolving one conflict.
type ResolveResult struct {
	// Entity is the winning state to store locally.
	Entity *models.SyncEntity
	// Requeue is set when Entity differs from the remote copy and must be
	// uploaded to propagate the resolution.
	Requeue     bool
	Strategy    models.ResolutionStrategy
	ConflictLog *models.ConflictLog
}

// Resolve resolves c with strategy, which must be client, server or merge.
func (r *Resolver) Resolve(c *models.SyncConflict, strategy models.ResolutionStrategy) (*ResolveResult, error) {
	if c == nil || c.LocalVersion == nil || c.RemoteVersion == nil {
		return nil, ErrInvalidConflict
	}
	local, remote := c.LocalVersion, c.RemoteVersion
	if local.ID != remote.ID {
		return nil, ErrItemIDMismatch
	}

	var (
		result *models.SyncEntity
		err    error
	)
	switch strategy {
	case models.StrategyClient:
		result, err = r.resolveClient(local, remote)
	case models.StrategyServer:
		result, err = r.resolveServer(local, remote)
	case models.StrategyMerge:
		result, err = r.MergeItems(local, remote)
	case models.StrategyManual:
		return nil, ErrManualRequired
	default:
		return nil, ErrUnknownStrategy
	}
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	res := &ResolveResult{
		Entity:   result,
		Requeue:  !models.SameState(result, remote),
		Strategy: strategy,
		ConflictLog: &models.ConflictLog{
			ID:            uuid.New(),
			EntityID:      c.EntityID,
			ConflictType:  c.ConflictType,
			Strategy:      strategy,
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			ResultVersion: result.Version,
			DetectedAt:    c.CreatedAt,
			ResolvedAt:    now,
		},
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity_id":      c.EntityID,
		"strategy":       string(strategy),
		"local_version":  local.Version,
		"remote_version": remote.Version,
		"result_version": result.Version,
		"requeue":        res.Requeue,
	})
	return res, nil
}

// resolveClient keeps the local copy. It is bumped above the remote version
// when needed so other devices accept it as newer.
func (r *Resolver) resolveClient(local, remote *models.SyncEntity) (*models.SyncEntity, error) {
	result := local.Clone()
	if remote.Version >= local.Version {
		result.Version = remote.Version + 1
		result.LastModified = r.now().UTC()
	}
	return result, result.Seal()
}

// resolveServer keeps the remote copy. When the remote is older than the
// local copy its content is restamped above the local version.
func (r *Resolver) resolveServer(local, remote *models.SyncEntity) (*models.SyncEntity, error) {
	result := remote.Clone()
	if remote.Version < local.Version {
		result.Version = local.Version + 1
		result.LastModified = r.now().UTC()
	}
	return result, result.Seal()
}

// MergeItems shallow-merges the payloads with local keys taking precedence.
// Tags are unioned; the rest of the metadata follows the local copy.
func (r *Resolver) MergeItems(local, remote *models.SyncEntity) (*models.SyncEntity, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidConflict
	}
	if local.Deleted || remote.Deleted {
		return nil, ErrMergeNotSupported
	}

	merged := local.Clone()
	payload := remote.Clone().Payload
	if payload == nil {
		payload = make(map[string]interface{}, len(merged.Payload))
	}
	for k, v := range merged.Payload {
		payload[k] = v
	}
	merged.Payload = payload
	merged.Metadata.Tags = append(merged.Metadata.Tags, remote.Metadata.Tags...)

	merged.Version = max(local.Version, remote.Version) + 1
	merged.LastModified = r.now().UTC()
	if r.deviceID != "" {
		merged.OriginDeviceID = r.deviceID
	}
	if err := merged.Seal(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Errors
var (
	ErrInvalidConflict   = &ConflictError{Message: "invalid conflict: both copies must be non-nil"}
	ErrItemIDMismatch    = &ConflictError{Message: "entity ID mismatch"}
	ErrMergeNotSupported = &ConflictError{Message: "merge not supported for deletions"}
	ErrManualRequired    = &ConflictError{Message: "conflict requires a manual decision"}
	ErrUnknownStrategy   = &ConflictError{Message: "unknown resolution strategy"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
