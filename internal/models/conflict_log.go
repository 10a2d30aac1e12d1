package models

import "time"

// ConflictLog records a resolved conflict for later inspection.
type ConflictLog struct {
	ID            string             `db:"id" json:"id"`
	EntityID      string             `db:"entity_id" json:"entityId"`
	ConflictType  ConflictType       `db:"conflict_type" json:"conflictType"`
	Strategy      ResolutionStrategy `db:"strategy" json:"strategy"`
	LocalVersion  int64              `db:"local_version" json:"localVersion"`
	RemoteVersion int64              `db:"remote_version" json:"remoteVersion"`
	ResultVersion int64              `db:"result_version" json:"resultVersion"`
	DetectedAt    time.Time          `db:"detected_at" json:"detectedAt"`
	ResolvedAt    time.Time          `db:"resolved_at" json:"resolvedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
