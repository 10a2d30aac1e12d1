// Package transfer moves pending entities to the coordinator in bounded
// batches and downloads remote changes.
package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/queue"
	"github.com/legacyguard/stronghold/backend/internal/sync/remote"
)

// Transport performs the network calls. *remote.Client implements it.
type Transport interface {
	Upload(ctx context.Context, entities []*models.SyncEntity, compress bool) (*remote.UploadResponse, int64, error)
	Download(ctx context.Context, since time.Time, compress bool) (*remote.DownloadPage, int64, error)
}

// Options tune batching and retry.
type Options struct {
	BatchSize     int
	Compress      bool
	RetryAttempts int
	Concurrency   int
	// RetryDelay is the base delay between upload attempts, doubled per attempt.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	return o
}

// UploadResult summarizes one flush.
type UploadResult struct {
	Uploaded         []*models.SyncEntity
	Failed           []string
	Batches          int
	BytesTransferred int64
	Conflicts        []*models.SyncConflict
}

// DownloadResult holds remote changes ordered by LastModified. Cursor is the
// coordinator position after this download, zero when none was reported.
type DownloadResult struct {
	Entities         []*models.SyncEntity
	Cursor           time.Time
	BytesTransferred int64
}

// Batcher owns the pending set and uploads it in batches.
type Batcher struct {
	transport Transport
	pending   *queue.PendingSet
	opts      Options
	online    func() bool

	// flushMu serializes flushes so one id is never in two uploads at once.
	flushMu sync.Mutex
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Batcher. online reports whether immediate uploads may be
// attempted; nil means always online.
func New(transport Transport, opts Options, online func() bool) *Batcher {
	if online == nil {
		online = func() bool { return true }
	}
	return &Batcher{
		transport: transport,
		pending:   queue.NewPendingSet(),
		opts:      opts.withDefaults(),
		online:    online,
		sleep:     sleepCtx,
	}
}

// Pending exposes the pending set.
func (b *Batcher) Pending() *queue.PendingSet {
	return b.pending
}

// Enqueue adds e to the pending set. A critical entity is uploaded right away
// as a singleton batch when online; the returned result is non-nil only then.
// A failed immediate upload leaves the entity pending and is not an error.
func (b *Batcher) Enqueue(ctx context.Context, e *models.SyncEntity) *UploadResult {
	seq := b.pending.Put(e)
	if e.Metadata.Priority != models.PriorityCritical || !b.online() {
		return nil
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	item, ok := b.pending.Get(e.ID)
	if !ok || item.Seq != seq {
		// Already flushed or superseded by a concurrent enqueue.
		return nil
	}
	result := &UploadResult{}
	if err := b.uploadBatch(ctx, []*queue.Item{item}, result, &sync.Mutex{}); err != nil {
		logging.Warn("Critical upload failed, entity stays pending", map[string]interface{}{
			"entity_id": e.ID,
			"error":     err.Error(),
		})
	}
	return result
}

// Flush uploads every pending entity.
func (b *Batcher) Flush(ctx context.Context) (*UploadResult, error) {
	return b.flush(ctx, b.pending.List)
}

// FlushReady uploads pending entities whose retry backoff has elapsed.
func (b *Batcher) FlushReady(ctx context.Context) (*UploadResult, error) {
	return b.flush(ctx, b.pending.Ready)
}

func (b *Batcher) flush(ctx context.Context, snapshot func() []*queue.Item) (*UploadResult, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	items := snapshot()
	result := &UploadResult{}
	if len(items) == 0 {
		return result, nil
	}

	batches := partition(items, b.opts.BatchSize)
	result.Batches = len(batches)

	var mu sync.Mutex
	var firstErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)
	for _, batch := range batches {
		g.Go(func() error {
			// A failed batch must not cancel its siblings.
			if err := b.uploadBatch(gctx, batch, result, &mu); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	logging.Info("Flush finished", map[string]interface{}{
		"batches":  result.Batches,
		"uploaded": len(result.Uploaded),
		"failed":   len(result.Failed),
		"bytes":    result.BytesTransferred,
	})

	if firstErr != nil {
		return result, apperrors.Wrap(apperrors.ErrUpload, "upload batch", firstErr)
	}
	return result, nil
}

// uploadBatch sends one batch with retries. On final failure every item is
// marked failed in the pending set and stays there.
func (b *Batcher) uploadBatch(ctx context.Context, batch []*queue.Item, result *UploadResult, mu *sync.Mutex) error {
	entities := make([]*models.SyncEntity, len(batch))
	for i, item := range batch {
		entities[i] = item.Entity
	}

	var lastErr error
	for attempt := 0; attempt < b.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, b.opts.RetryDelay<<uint(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		resp, n, err := b.transport.Upload(ctx, entities, b.opts.Compress)
		mu.Lock()
		result.BytesTransferred += n
		mu.Unlock()
		if err == nil {
			mu.Lock()
			for _, item := range batch {
				b.pending.Ack(item.Entity.ID, item.Seq)
			}
			result.Uploaded = append(result.Uploaded, entities...)
			if resp != nil {
				result.Conflicts = append(result.Conflicts, resp.Conflicts...)
			}
			mu.Unlock()
			return nil
		}

		lastErr = err
		logging.Warn("Batch upload attempt failed", map[string]interface{}{
			"attempt": attempt + 1,
			"of":      b.opts.RetryAttempts,
			"size":    len(batch),
			"error":   err.Error(),
		})
		if ctx.Err() != nil {
			break
		}
	}

	mu.Lock()
	for _, item := range batch {
		b.pending.Fail(item.Entity.ID, item.Seq, lastErr)
		result.Failed = append(result.Failed, item.Entity.ID)
	}
	mu.Unlock()
	return lastErr
}

// Download fetches remote changes after since. It does not touch the cursor.
func (b *Batcher) Download(ctx context.Context, since time.Time) (*DownloadResult, error) {
	page, n, err := b.transport.Download(ctx, since, b.opts.Compress)
	if err != nil {
		code := apperrors.ErrDownload
		if errors.Is(err, context.DeadlineExceeded) {
			code = apperrors.ErrTimeout
		}
		return nil, apperrors.Wrap(code, "download changes", err)
	}

	entities := page.Entities
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].LastModified.Before(entities[j].LastModified)
	})
	return &DownloadResult{Entities: entities, Cursor: page.Cursor, BytesTransferred: n}, nil
}

func partition(items []*queue.Item, size int) [][]*queue.Item {
	var batches [][]*queue.Item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
