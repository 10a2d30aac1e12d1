// Package sync provides the cross-device synchronization engine.
package sync

import (
	"context"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Initialize identifies and registers the device and starts background work.
	Initialize(ctx context.Context) error

	// SyncEntity creates or updates an entity locally and queues it for upload.
	SyncEntity(ctx context.Context, input EntityInput) (string, error)

	// DeleteEntity deletes an entity locally and queues the deletion.
	DeleteEntity(ctx context.Context, id string) error

	// PerformFullSync uploads pending changes, downloads remote changes and
	// resolves queued conflicts. Concurrent calls fail with SYNC_IN_PROGRESS.
	PerformFullSync(ctx context.Context) (*models.SyncSession, error)

	// PerformIncrementalSync flushes pending changes. Failures are reported
	// through EventSyncFailed.
	PerformIncrementalSync(ctx context.Context)

	// ManualConflictResolution applies decision to the conflict on entityID.
	ManualConflictResolution(ctx context.Context, entityID string, decision models.ResolutionStrategy) error

	// GetPendingChanges returns entities awaiting upload.
	GetPendingChanges() []*models.SyncEntity

	// GetConflictQueue returns unresolved conflicts.
	GetConflictQueue() []*models.SyncConflict

	// On registers handler for kind.
	On(kind EventKind, handler EventHandler) Subscription

	// Off removes a handler.
	Off(sub Subscription)

	// IsOnline reports whether network operations are attempted.
	IsOnline() bool

	// Destroy stops background work.
	Destroy()
}

var _ SyncEngineInterface = (*Engine)(nil)
