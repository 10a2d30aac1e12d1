// Package scheduler drives background sync: frequent incremental flushes and
// occasional full syncs that pull remote changes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// Syncer is the engine surface the scheduler drives.
type Syncer interface {
	PerformIncrementalSync(ctx context.Context)
	PerformFullSync(ctx context.Context) (*models.SyncSession, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine           Syncer
	syncInterval     time.Duration
	fullSyncInterval time.Duration
	syncTimeout      time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	mu               sync.RWMutex
	isRunning        bool
	isOnline         bool
	lastSyncTime     time.Time
	lastFullSyncTime time.Time
	syncInProgress   bool
	fullInProgress   bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval     time.Duration // incremental flush period (default: 30 seconds)
	FullSyncInterval time.Duration // full sync period; zero disables it
	SyncTimeout      time.Duration // bound on one run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:     30 * time.Second,
		FullSyncInterval: 5 * time.Minute,
		SyncTimeout:      5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Syncer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = def.SyncTimeout
	}

	return &Scheduler{
		engine:           engine,
		syncInterval:     config.SyncInterval,
		fullSyncInterval: config.FullSyncInterval,
		syncTimeout:      config.SyncTimeout,
		stopCh:           make(chan struct{}),
		isOnline:         true, // Assume online initially
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	if s.fullSyncInterval > 0 {
		s.wg.Add(1)
		go s.fullSyncLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval":           s.syncInterval.String(),
		"full_sync_interval": s.fullSyncInterval.String(),
	})
}

// Stop stops the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus pauses (offline) or resumes (online) scheduled runs.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Scheduler online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// periodicSyncLoop runs incremental sync on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

// fullSyncLoop runs a full sync on every tick while online.
func (s *Scheduler) fullSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.fullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runFullSync(ctx)
		}
	}
}

// runSync executes one incremental sync unless one is already running.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	s.engine.PerformIncrementalSync(syncCtx)
}

// runFullSync executes one full sync unless one is already running.
func (s *Scheduler) runFullSync(ctx context.Context) {
	s.mu.Lock()
	if s.fullInProgress {
		s.mu.Unlock()
		return
	}
	s.fullInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.fullInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	session, err := s.engine.PerformFullSync(syncCtx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Full sync already running, skipping", nil)
			return
		}
		logging.ErrorWithCode("Scheduled full sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"interval_seconds": s.fullSyncInterval.Seconds()})
		return
	}

	s.mu.Lock()
	s.lastFullSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Scheduled full sync completed",
		map[string]interface{}{
			"session_id":         session.ID,
			"entities_synced":    session.EntitiesSynced,
			"conflicts_resolved": session.ConflictsResolved,
		})
}

// TriggerSync starts an incremental sync in the background.
// Returns false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	running := s.isRunning
	s.mu.RUnlock()

	if isSyncing || !running {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning        bool
	IsOnline         bool
	LastSyncTime     *time.Time
	LastFullSyncTime *time.Time
	SyncInProgress   bool
	FullInProgress   bool
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		FullInProgress: s.fullInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastFullSyncTime.IsZero() {
		t := s.lastFullSyncTime
		status.LastFullSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
