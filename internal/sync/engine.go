package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/config"
	"github.com/legacyguard/stronghold/backend/internal/device"
	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/conflict"
	"github.com/legacyguard/stronghold/backend/internal/sync/realtime"
	"github.com/legacyguard/stronghold/backend/internal/sync/scheduler"
	"github.com/legacyguard/stronghold/backend/internal/sync/transfer"
)

// Store is the local persistence the engine needs. *db.Store implements it.
type Store interface {
	Get(id string) (*models.SyncEntity, error)
	Put(e *models.SyncEntity, pending bool) error
	Delete(ts *models.Tombstone, pending bool) error
	Tombstone(id string) (*models.Tombstone, error)
	ListPending() ([]*models.SyncEntity, error)
	MarkSynced(id string, version int64) error
	Cursor() (time.Time, error)
	SetCursor(t time.Time) error
	DeviceID() (string, error)
	SetDeviceID(id string) error
	RecordSession(sess *models.SyncSession) error
	RecordResolution(entry *models.ConflictLog) error
}

// Coordinator is the remote surface. *remote.Client implements it.
type Coordinator interface {
	transfer.Transport
	device.Registrar
	ReportSession(ctx context.Context, session *models.SyncSession) error
	SetDeviceID(id string)
}

// Options configure an Engine.
type Options struct {
	Sync     config.SyncConfig
	Remote   config.RemoteConfig
	// Detector describes the runtime; nil uses device.RuntimeDetector.
	Detector device.EnvironmentDetector
}

// Engine orchestrates local storage, upload batching, conflict handling and
// the real-time channel. Entity mutations are serialized through procMu.
type Engine struct {
	cfg         config.SyncConfig
	remoteCfg   config.RemoteConfig
	store       Store
	coordinator Coordinator
	registry    *device.Registry
	batcher     *transfer.Batcher
	scheduler   *scheduler.Scheduler
	events      *eventBus
	now         func() time.Time

	// procMu serializes every write to the store and the conflict queue.
	// Lock order: procMu before mu.
	procMu   sync.Mutex
	resolver *conflict.Resolver

	mu          sync.RWMutex
	device      *models.DeviceInfo
	online      bool
	registered  bool
	initialized bool
	destroyed   bool
	channel     *realtime.Channel
	conflicts   map[string]*models.SyncConflict
	current     *models.SyncSession
	last        *models.SyncSession

	fullSyncing atomic.Bool
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// New creates an engine. Nothing touches the network until Initialize.
func New(store Store, coordinator Coordinator, opts Options) *Engine {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         opts.Sync,
		remoteCfg:   opts.Remote,
		store:       store,
		coordinator: coordinator,
		events:      newEventBus(),
		now:         time.Now,
		resolver:    conflict.NewResolver(""),
		conflicts:   make(map[string]*models.SyncConflict),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}
	if !e.cfg.ConflictResolution.Valid() {
		e.cfg.ConflictResolution = models.StrategyMerge
	}

	e.registry = device.NewRegistry(store, opts.Detector, coordinator)
	e.batcher = transfer.New(coordinator, transfer.Options{
		BatchSize:     opts.Sync.BatchSize,
		Compress:      opts.Sync.EnableCompression,
		RetryAttempts: opts.Sync.RetryAttempts,
		Concurrency:   opts.Sync.UploadConcurrency,
	}, e.IsOnline)
	e.scheduler = scheduler.NewScheduler(e, &scheduler.SchedulerConfig{
		SyncInterval:     opts.Sync.Interval,
		FullSyncInterval: opts.Sync.FullSyncInterval,
	})
	return e
}

// Initialize identifies the device, registers it, restores pending entities
// and starts background work. A registration failure leaves the engine in
// local-only mode and emits EventRegistrationFailed instead of failing.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.RLock()
	destroyed, initialized := e.destroyed, e.initialized
	e.mu.RUnlock()
	if destroyed {
		return errors.New(errors.ErrInternal, "engine destroyed")
	}
	if initialized {
		return nil
	}

	dev, err := e.registry.Identify(ctx)
	if err != nil {
		return err
	}
	e.coordinator.SetDeviceID(dev.DeviceID)

	e.procMu.Lock()
	e.resolver = conflict.NewResolver(dev.DeviceID)
	pending, err := e.store.ListPending()
	if err == nil {
		for _, p := range pending {
			e.batcher.Pending().Put(p)
		}
	}
	e.procMu.Unlock()
	if err != nil {
		return err
	}

	registered := e.register(ctx, dev)

	e.mu.Lock()
	e.device = dev
	e.initialized = true
	e.registered = registered
	e.online = registered
	e.mu.Unlock()

	e.scheduler.SetOnlineStatus(registered)
	e.scheduler.Start(e.bgCtx)
	if registered {
		e.startChannel()
	}

	logging.Info("Sync engine initialized", map[string]interface{}{
		"device_id":  dev.DeviceID,
		"platform":   string(dev.Platform),
		"registered": registered,
		"pending":    len(pending),
	})
	return nil
}

func (e *Engine) register(ctx context.Context, dev *models.DeviceInfo) bool {
	if err := e.registry.Register(ctx, dev); err != nil {
		logging.ErrorWithCode("Device registration failed, continuing local-only",
			string(errors.CodeOf(err)), err, map[string]interface{}{"device_id": dev.DeviceID})
		e.events.emit(Event{Kind: EventRegistrationFailed, Err: err})
		return false
	}
	return true
}

func (e *Engine) startChannel() {
	if !e.cfg.EnableRealTime {
		return
	}

	e.mu.Lock()
	if e.channel != nil || e.destroyed || e.device == nil {
		e.mu.Unlock()
		return
	}
	ch := realtime.NewChannel(realtime.Options{
		URL:            e.remoteCfg.RealtimeEndpoint(),
		Token:          e.remoteCfg.AuthToken,
		DeviceID:       e.device.DeviceID,
		ConnectTimeout: e.remoteCfg.ConnectTimeout,
		ReconnectDelay: e.remoteCfg.ReconnectDelay,
	}, channelHandler{e}, e.IsOnline)
	e.channel = ch
	e.mu.Unlock()

	ch.Start(e.bgCtx)
}

// goBackground runs fn on a tracked goroutine unless the engine is destroyed.
func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.bgCtx)
	}()
}

// Destroy stops the scheduler and the channel and waits for background work.
// The store is owned by the caller and stays open.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		ch := e.channel
		e.mu.Unlock()

		e.bgCancel()
		e.scheduler.Stop()
		if ch != nil {
			ch.Close()
		}
		e.wg.Wait()
		e.events.clear()

		logging.Info("Sync engine destroyed", nil)
	})
}

// IsOnline reports whether network operations are attempted.
func (e *Engine) IsOnline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online && !e.destroyed
}

// SetOnline switches network activity on or off. Going online retries a
// failed registration in the background.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	retryRegister := online && e.initialized && !e.registered && !e.destroyed
	registered := e.registered
	dev := e.device
	e.mu.Unlock()

	e.scheduler.SetOnlineStatus(online)
	if changed {
		e.events.emit(Event{Kind: EventOnlineStatusChanged, Online: online})
	}

	switch {
	case retryRegister:
		e.goBackground(func(ctx context.Context) {
			if !e.register(ctx, dev) {
				return
			}
			e.mu.Lock()
			e.registered = true
			e.mu.Unlock()
			e.startChannel()
		})
	case online && registered:
		e.startChannel()
	}
}

// Device returns the identified device, or nil before Initialize.
func (e *Engine) Device() *models.DeviceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.device == nil {
		return nil
	}
	d := *e.device
	return &d
}

// IsRegistered reports whether the coordinator accepted the device.
func (e *Engine) IsRegistered() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registered
}

// ChannelState returns the real-time channel state.
func (e *Engine) ChannelState() realtime.State {
	e.mu.RLock()
	ch := e.channel
	e.mu.RUnlock()
	if ch == nil {
		return realtime.StateDisconnected
	}
	return ch.State()
}

// TriggerIncrementalSync starts an incremental sync through the scheduler.
// It reports false when one is already running or the engine is stopped.
func (e *Engine) TriggerIncrementalSync() bool {
	return e.scheduler.TriggerSync(e.bgCtx)
}

// SchedulerStatus returns the background scheduler state.
func (e *Engine) SchedulerStatus() scheduler.SchedulerStatus {
	return e.scheduler.GetStatus()
}

// PendingStats returns delivery statistics of the pending set.
func (e *Engine) PendingStats() map[string]int {
	return e.batcher.Pending().GetStats()
}

// GetPendingChanges returns entities awaiting upload, oldest first.
func (e *Engine) GetPendingChanges() []*models.SyncEntity {
	return e.batcher.Pending().Entities()
}

// On registers handler for kind.
func (e *Engine) On(kind EventKind, handler EventHandler) Subscription {
	return e.events.on(kind, handler)
}

// Off removes a handler registered with On.
func (e *Engine) Off(sub Subscription) {
	e.events.off(sub)
}

func (e *Engine) deviceID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.device == nil {
		return ""
	}
	return e.device.DeviceID
}
