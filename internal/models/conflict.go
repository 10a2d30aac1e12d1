package models

import "time"

// ConflictType classifies a disagreement between a local and remote copy.
type ConflictType string

const (
	ConflictVersion    ConflictType = "version"
	ConflictConcurrent ConflictType = "concurrent"
	ConflictSchema     ConflictType = "schema"
)

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

const (
	StrategyClient ResolutionStrategy = "client"
	StrategyServer ResolutionStrategy = "server"
	StrategyMerge  ResolutionStrategy = "merge"
	StrategyManual ResolutionStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyClient, StrategyServer, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// IsDecision reports whether s may be supplied as an explicit manual decision.
func (s ResolutionStrategy) IsDecision() bool {
	return s == StrategyClient || s == StrategyServer || s == StrategyMerge
}

// SyncConflict records a detected disagreement on one entity id.
type SyncConflict struct {
	EntityID           string             `json:"entityId"`
	Type               string             `json:"type"`
	LocalVersion       *SyncEntity        `json:"localVersion"`
	RemoteVersion      *SyncEntity        `json:"remoteVersion"`
	ConflictType       ConflictType       `json:"conflictType"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// Clone returns a deep copy of c.
func (c *SyncConflict) Clone() *SyncConflict {
	if c == nil {
		return nil
	}
	out := *c
	out.LocalVersion = c.LocalVersion.Clone()
	out.RemoteVersion = c.RemoteVersion.Clone()
	return &out
}
