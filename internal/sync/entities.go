package sync

import (
	"context"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/transfer"
	"github.com/legacyguard/stronghold/backend/internal/uuid"
)

// EntityInput is a local create or update. Zero fields keep the stored value
// on update; ID may be empty to create a new entity with a generated id.
type EntityInput struct {
	ID             string
	Type           string
	Payload        map[string]interface{}
	OrganizationID string
	ConflictPolicy models.ConflictPolicy
	Priority       models.Priority
	Tags           []string
}

func (in EntityInput) validate() error {
	if in.ID != "" {
		if err := uuid.ValidateEntityID(in.ID); err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid entity id", err)
		}
	}
	if in.ConflictPolicy != "" && in.ConflictPolicy != models.PolicyAuto && in.ConflictPolicy != models.PolicyManual {
		return errors.Newf(errors.ErrInvalid, "unknown conflict policy %q", in.ConflictPolicy)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return errors.Newf(errors.ErrInvalid, "unknown priority %q", in.Priority)
	}
	return nil
}

// SyncEntity creates (version 1) or mutates (version+1) an entity, stores it
// as pending and queues it for upload. It returns the entity id. A storage
// failure is returned as STORAGE_ERROR while the entity stays queued.
func (e *Engine) SyncEntity(ctx context.Context, input EntityInput) (string, error) {
	if err := input.validate(); err != nil {
		return "", err
	}
	if input.ID == "" {
		input.ID = uuid.New()
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()

	existing, err := e.store.Get(input.ID)
	if err != nil {
		return "", err
	}

	now := e.now()
	var ent *models.SyncEntity
	if existing != nil {
		ent = existing.Clone()
		if input.Type != "" {
			ent.Type = input.Type
		}
		if input.Payload != nil {
			ent.Payload = input.Payload
		}
		if err := ent.Touch(now); err != nil {
			return "", errors.Wrap(errors.ErrInvalid, "encode payload", err)
		}
	} else {
		if input.Type == "" {
			return "", errors.New(errors.ErrInvalid, "entity type is required")
		}
		version := int64(1)
		ts, err := e.store.Tombstone(input.ID)
		if err != nil {
			return "", err
		}
		if ts != nil {
			version = ts.Version + 1
		}
		ent = &models.SyncEntity{
			ID:           input.ID,
			Type:         input.Type,
			Payload:      input.Payload,
			Version:      version,
			LastModified: now.UTC(),
			OwnerUserID:  e.remoteCfg.UserID,
		}
	}

	ent.OriginDeviceID = e.deviceID()
	if input.OrganizationID != "" {
		ent.OrganizationID = input.OrganizationID
	} else if ent.OrganizationID == "" {
		ent.OrganizationID = e.remoteCfg.OrganizationID
	}
	if input.ConflictPolicy != "" {
		ent.Metadata.ConflictPolicy = input.ConflictPolicy
	}
	if input.Priority != "" {
		ent.Metadata.Priority = input.Priority
	}
	if input.Tags != nil {
		ent.Metadata.Tags = input.Tags
	}
	if err := ent.Seal(); err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "encode payload", err)
	}

	// Queue first so a failed write still leaves the change pending.
	uploaded := e.batcher.Enqueue(ctx, ent)
	if err := e.store.Put(ent, true); err != nil {
		logging.ErrorWithCode("Failed to store entity, kept pending", string(errors.CodeOf(err)), err,
			map[string]interface{}{"entity_id": ent.ID, "version": ent.Version})
		return ent.ID, err
	}
	if uploaded != nil {
		e.afterUploadLocked(ctx, uploaded)
	}

	e.events.emit(Event{Kind: EventEntityUpdated, Source: SourceLocal, EntityID: ent.ID, Entity: ent.Clone()})
	return ent.ID, nil
}

// DeleteEntity removes an entity locally, records a tombstone one version
// above it and queues the deletion for upload.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	if err := uuid.ValidateEntityID(id); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid entity id", err)
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()

	existing, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return errors.Newf(errors.ErrInvalid, "entity %s not found", id)
	}

	ts := &models.Tombstone{
		EntityID:       id,
		Type:           existing.Type,
		Version:        existing.Version + 1,
		DeletedAt:      e.now().UTC(),
		OriginDeviceID: e.deviceID(),
		OwnerUserID:    existing.OwnerUserID,
	}
	marker := ts.AsEntity()
	marker.Metadata.Priority = existing.Metadata.Priority

	uploaded := e.batcher.Enqueue(ctx, marker)
	if err := e.store.Delete(ts, true); err != nil {
		return err
	}
	if uploaded != nil {
		e.afterUploadLocked(ctx, uploaded)
	}
	e.dropConflictLocked(id)

	e.events.emit(Event{Kind: EventEntityDeleted, Source: SourceLocal, EntityID: id, Tombstone: ts})
	return nil
}

// afterUploadLocked records a finished upload: accepted entities are marked
// synced, coordinator conflicts are resolved or queued. It returns the number
// of conflicts resolved. Caller holds procMu.
func (e *Engine) afterUploadLocked(ctx context.Context, res *transfer.UploadResult) int {
	resolved := 0
	conflicted := make(map[string]bool, len(res.Conflicts))
	for _, c := range res.Conflicts {
		if c == nil || c.RemoteVersion == nil {
			continue
		}
		conflicted[c.EntityID] = true
		if e.acceptConflictLocked(ctx, c) {
			resolved++
		}
	}

	for _, u := range res.Uploaded {
		if conflicted[u.ID] {
			continue
		}
		if err := e.store.MarkSynced(u.ID, u.Version); err != nil {
			logging.ErrorWithCode("Failed to mark entity synced", string(errors.CodeOf(err)), err,
				map[string]interface{}{"entity_id": u.ID, "version": u.Version})
		}
	}
	return resolved
}
