package models

import "time"

// Tombstone records the deletion of an entity so it can be propagated.
type Tombstone struct {
	EntityID       string    `db:"entity_id" json:"entityId"`
	Type           string    `db:"type" json:"type"`
	Version        int64     `db:"version" json:"version"`
	DeletedAt      time.Time `db:"deleted_at" json:"deletedAt"`
	OriginDeviceID string    `db:"origin_device_id" json:"originDeviceId"`
	OwnerUserID    string    `db:"owner_user_id" json:"ownerUserId"`
}

// TableName returns the table name for Tombstone.
func (Tombstone) TableName() string {
	return "tombstones"
}

// AsEntity converts the tombstone into a deletion marker for upload.
func (t *Tombstone) AsEntity() *SyncEntity {
	e := &SyncEntity{
		ID:             t.EntityID,
		Type:           t.Type,
		Payload:        map[string]interface{}{},
		Version:        t.Version,
		LastModified:   t.DeletedAt,
		OriginDeviceID: t.OriginDeviceID,
		OwnerUserID:    t.OwnerUserID,
		Deleted:        true,
	}
	_ = e.Seal()
	return e
}

// TombstoneFrom builds a tombstone from a deletion marker entity.
func TombstoneFrom(e *SyncEntity) *Tombstone {
	return &Tombstone{
		EntityID:       e.ID,
		Type:           e.Type,
		Version:        e.Version,
		DeletedAt:      e.LastModified,
		OriginDeviceID: e.OriginDeviceID,
		OwnerUserID:    e.OwnerUserID,
	}
}
