package sync

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/transfer"
	"github.com/legacyguard/stronghold/backend/internal/uuid"
)

// PerformFullSync uploads everything pending, downloads changes since the
// cursor, resolves queued conflicts and finalizes a session. The cursor only
// advances when every downloaded entity was processed. The finalized session
// is returned together with the first error, if any.
func (e *Engine) PerformFullSync(ctx context.Context) (*models.SyncSession, error) {
	if !e.fullSyncing.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncInProgress, "full sync already running")
	}
	defer e.fullSyncing.Store(false)

	e.mu.RLock()
	initialized := e.initialized
	e.mu.RUnlock()
	if !initialized {
		return nil, errors.New(errors.ErrInternal, "engine not initialized")
	}
	if !e.IsOnline() {
		return nil, errors.New(errors.ErrOffline, "cannot sync while offline")
	}

	sess := e.beginSession(models.SessionFull)
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Upload. A failed batch stays pending and does not stop the download.
	up, err := e.batcher.Flush(ctx)
	keep(err)
	e.recordUpload(ctx, sess, up)

	// Download.
	keep(e.download(ctx, sess))

	// Resolve what the upload and download queued.
	e.procMu.Lock()
	resolved, err := e.resolveQueuedLocked(ctx)
	e.procMu.Unlock()
	sess.ConflictsResolved += resolved
	keep(err)

	return e.finishSession(ctx, sess, firstErr), firstErr
}

// download fetches and applies remote changes, then moves the cursor to the
// position the coordinator reported. Processing stops at the first failure
// and the cursor is left untouched.
func (e *Engine) download(ctx context.Context, sess *models.SyncSession) error {
	cursor, err := e.store.Cursor()
	if err != nil {
		return err
	}
	dl, err := e.batcher.Download(ctx, cursor)
	if err != nil {
		return err
	}
	sess.BytesTransferred += dl.BytesTransferred

	e.procMu.Lock()
	defer e.procMu.Unlock()

	next := dl.Cursor
	if next.IsZero() {
		next = latestModified(dl.Entities, cursor)
	}
	for _, remote := range dl.Entities {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrTimeout, "download processing interrupted", err)
		}
		outcome, err := e.applyRemoteLocked(ctx, remote)
		if err != nil {
			logging.ErrorWithCode("Failed to apply remote entity, cursor kept", string(errors.CodeOf(err)), err,
				map[string]interface{}{"entity_id": remote.ID, "cursor": cursor})
			return err
		}
		switch outcome {
		case outcomeStored:
			sess.EntitiesSynced++
		case outcomeResolved:
			sess.EntitiesSynced++
			sess.ConflictsResolved++
		}
	}

	if next.After(cursor) {
		if err := e.store.SetCursor(next); err != nil {
			return err
		}
	}
	logging.Info("Download applied", map[string]interface{}{
		"entities": len(dl.Entities),
		"cursor":   next,
	})
	return nil
}

// latestModified is the cursor fallback for coordinators that do not report
// one: the newest LastModified in entities, or cursor if nothing is newer.
func latestModified(entities []*models.SyncEntity, cursor time.Time) time.Time {
	next := cursor
	for _, e := range entities {
		if e != nil && e.LastModified.After(next) {
			next = e.LastModified
		}
	}
	return next
}

// PerformIncrementalSync uploads the pending entities whose retry backoff has
// elapsed. It does nothing offline or with nothing ready; failures are only
// reported through EventSyncFailed.
func (e *Engine) PerformIncrementalSync(ctx context.Context) {
	if !e.IsOnline() || len(e.batcher.Pending().Ready()) == 0 {
		return
	}

	sess := e.beginSession(models.SessionIncremental)
	up, err := e.batcher.FlushReady(ctx)
	e.recordUpload(ctx, sess, up)
	e.finishSession(ctx, sess, err)
}

// recordUpload applies the outcome of a flush to the store and the session.
func (e *Engine) recordUpload(ctx context.Context, sess *models.SyncSession, up *transfer.UploadResult) {
	if up == nil {
		return
	}
	e.procMu.Lock()
	resolved := e.afterUploadLocked(ctx, up)
	e.procMu.Unlock()

	sess.ConflictsResolved += resolved
	sess.EntitiesSynced += len(up.Uploaded)
	sess.BytesTransferred += up.BytesTransferred
}

func (e *Engine) beginSession(kind models.SessionKind) *models.SyncSession {
	sess := &models.SyncSession{
		ID:        uuid.New(),
		DeviceID:  e.deviceID(),
		UserID:    e.remoteCfg.UserID,
		Kind:      kind,
		StartTime: e.now().UTC(),
		Status:    models.SessionActive,
	}

	e.mu.Lock()
	e.current = copySession(sess)
	e.mu.Unlock()

	logging.Debug("Sync session started", map[string]interface{}{
		"session_id": sess.ID,
		"kind":       string(kind),
	})
	e.events.emit(Event{Kind: EventSyncStarted, Session: copySession(sess)})
	return sess
}

// finishSession finalizes sess exactly once, persists it, reports it to the
// coordinator in the background and emits the outcome. A session stopped by
// cancellation is recorded as interrupted rather than failed.
func (e *Engine) finishSession(ctx context.Context, sess *models.SyncSession, cause error) *models.SyncSession {
	now := e.now()
	switch {
	case cause == nil:
		_ = sess.Complete(now)
	case cancelled(ctx, cause):
		_ = sess.Interrupt(now, cause)
	default:
		_ = sess.Fail(now, cause)
	}

	if err := e.store.RecordSession(sess); err != nil {
		logging.ErrorWithCode("Failed to record sync session", string(errors.CodeOf(err)), err,
			map[string]interface{}{"session_id": sess.ID})
	}

	final := copySession(sess)
	e.mu.Lock()
	e.current = nil
	e.last = final
	e.mu.Unlock()

	fields := map[string]interface{}{
		"session_id":         sess.ID,
		"kind":               string(sess.Kind),
		"status":             string(sess.Status),
		"entities_synced":    sess.EntitiesSynced,
		"conflicts_resolved": sess.ConflictsResolved,
		"bytes":              sess.BytesTransferred,
		"duration_ms":        sess.Duration().Milliseconds(),
	}
	switch {
	case sess.Status == models.SessionInterrupted:
		fields["error"] = cause.Error()
		logging.Warn("Sync session interrupted", fields)
		e.events.emit(Event{Kind: EventSyncFailed, Session: copySession(final), Err: cause})
	case cause != nil:
		logging.ErrorWithCode("Sync session failed", string(errors.CodeOf(cause)), cause, fields)
		e.events.emit(Event{Kind: EventSyncFailed, Session: copySession(final), Err: cause})
	default:
		logging.Info("Sync session completed", fields)
		e.events.emit(Event{Kind: EventSyncCompleted, Session: copySession(final)})
	}

	report := copySession(final)
	e.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := e.coordinator.ReportSession(ctx, report); err != nil {
			logging.Warn("Failed to report sync session", map[string]interface{}{
				"session_id": report.ID,
				"error":      err.Error(),
			})
		}
	})
	return copySession(final)
}

func cancelled(ctx context.Context, cause error) bool {
	return stderrors.Is(cause, context.Canceled) || stderrors.Is(ctx.Err(), context.Canceled)
}

// CurrentSession returns the running session as it was when it started, or nil.
func (e *Engine) CurrentSession() *models.SyncSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copySession(e.current)
}

// LastSession returns the most recently finalized session, or nil.
func (e *Engine) LastSession() *models.SyncSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copySession(e.last)
}

func copySession(s *models.SyncSession) *models.SyncSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return &c
}
