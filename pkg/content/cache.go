// Package content owns the in-process content snapshot: loading it from
// the persisted mirror or the bundled defaults, serving synchronous
// reads, and keeping it fresh with rate-limited background sync against
// the remote source. Readers never block and never see a partial update;
// the snapshot is replaced wholesale or not at all.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/parami/pkg/bus"
	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/model"
	"github.com/odvcencio/parami/pkg/ready"
	"github.com/odvcencio/parami/pkg/remote"
)

// DefaultMinSyncInterval is the floor between two sync attempts. The
// window is measured from the last attempt regardless of outcome, so
// repeated failures back off for the full interval.
const DefaultMinSyncInterval = 5 * time.Minute

// Options configures optional cache collaborators.
type Options struct {
	// Bus receives content lifecycle events. Nil disables publishing.
	Bus bus.MessageBus

	// Logger receives swallowed background failures. Nil discards.
	Logger *logging.Logger

	// MinSyncInterval overrides DefaultMinSyncInterval.
	MinSyncInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is the authoritative holder of the content snapshot.
type Cache struct {
	store     kv.Store
	source    remote.Source
	bus       bus.MessageBus
	logger    *logging.Logger
	readiness *ready.Signal

	now             func() time.Time
	minSyncInterval time.Duration

	mu       sync.RWMutex
	snapshot *model.ContentSnapshot

	// syncing is the single-flight guard shared by background sync and
	// force refresh; an overlapping call is dropped, never queued.
	syncing     atomic.Bool
	attemptMu   sync.Mutex
	lastAttempt time.Time
}

// New creates a cache over the given store and remote source. The cache
// serves empty reads until Initialize runs.
func New(store kv.Store, source remote.Source, opts Options) *Cache {
	interval := opts.MinSyncInterval
	if interval <= 0 {
		interval = DefaultMinSyncInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:           store,
		source:          source,
		bus:             opts.Bus,
		logger:          opts.Logger,
		readiness:       ready.New(),
		now:             now,
		minSyncInterval: interval,
	}
}

// Initialize adopts the persisted snapshot if one exists, or the bundled
// version-0 defaults otherwise, signals readiness, and then kicks off a
// detached background sync whose outcome is logged and discarded. Every
// failure along the way degrades to a safe default; Initialize itself
// cannot fail.
func (c *Cache) Initialize(ctx context.Context) {
	snap := c.loadPersisted(ctx)
	if snap == nil {
		snap = BundledSnapshot()
		c.persist(ctx, snap)
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	// Readiness is signalled before the background sync is even spawned;
	// subscribers observe the fallback-or-cache snapshot, never nothing.
	c.readiness.Publish()
	c.publish(ctx, bus.SubjectContentReady, map[string]any{"version": snap.Version})
	c.logger.Info(logging.CategoryContent, "initialized", "content cache ready", map[string]any{
		"version": snap.Version,
	})

	// Detached on purpose: the caller of Initialize never learns how the
	// first sync went. The sync owns its own lifetime.
	go func() {
		c.Synchronize(context.Background())
	}()
}

// Synchronize refreshes the snapshot from the remote source when a newer
// version is available. Single-flight: a call while another sync or
// force refresh is in progress is a no-op. Rate-limited: a call within
// the attempt window is a no-op. All failures are logged and swallowed.
func (c *Cache) Synchronize(ctx context.Context) {
	if !c.syncing.CompareAndSwap(false, true) {
		return
	}
	defer c.syncing.Store(false)

	if !c.beginAttempt(false) {
		return
	}

	if err := c.sync(ctx, false); err != nil {
		c.logger.Warn(logging.CategoryContent, "sync_failed", "background sync aborted", map[string]any{
			"error": err.Error(),
		})
		c.publish(ctx, bus.SubjectContentSyncFailed, map[string]any{"error": err.Error()})
	}
}

// ForceRefresh runs the download protocol unconditionally, skipping the
// version comparison and the attempt window. It still participates in
// the single-flight guard: if a sync is already in progress the call is
// dropped and reports success, since an update is underway either way.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.syncing.Store(false)

	c.beginAttempt(true)

	if err := c.sync(ctx, true); err != nil {
		c.publish(ctx, bus.SubjectContentSyncFailed, map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// ClearAndRefresh removes the persisted snapshot, empties the in-memory
// one, and performs a force refresh. Until the refresh succeeds, readers
// see empty results.
func (c *Cache) ClearAndRefresh(ctx context.Context) error {
	if err := c.store.Delete(ctx, kv.KeyContentCache); err != nil {
		return perr.Wrap(err, perr.ErrCodeStorageWrite, "failed to delete persisted snapshot")
	}

	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()

	return c.ForceRefresh(ctx)
}

// beginAttempt stamps the attempt clock. When force is false it first
// enforces the minimum interval since the previous attempt, successful
// or not.
func (c *Cache) beginAttempt(force bool) bool {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	now := c.now()
	if !force && !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minSyncInterval {
		return false
	}
	c.lastAttempt = now
	return true
}

// sync runs the download protocol. Any failing step aborts the attempt
// and leaves the prior snapshot authoritative.
func (c *Cache) sync(ctx context.Context, force bool) error {
	meta, err := c.source.Metadata(ctx)
	if err != nil {
		return err
	}

	if !force && meta.Version <= c.Version() {
		c.logger.Debug(logging.CategoryContent, "sync_skipped", "remote is not newer", map[string]any{
			"remote": meta.Version,
			"local":  c.Version(),
		})
		return nil
	}

	var (
		paramis   []model.Parami
		practices map[int][]model.PracticeEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		paramis, err = c.source.Paramis(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		practices, err = c.source.PracticeSets(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	snap := &model.ContentSnapshot{
		Version:           meta.Version,
		LastFetched:       c.now(),
		Paramis:           paramis,
		ExpandedPractices: practices,
		Metadata:          meta,
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	c.persist(ctx, snap)
	c.publish(ctx, bus.SubjectContentSynced, map[string]any{"version": snap.Version})
	c.logger.Info(logging.CategoryContent, "sync_complete", "snapshot replaced", map[string]any{
		"version": snap.Version,
		"items":   len(snap.Paramis),
	})
	return nil
}

// loadPersisted returns the persisted snapshot, or nil when absent or
// unreadable. Storage failures are logged, never raised.
func (c *Cache) loadPersisted(ctx context.Context) *model.ContentSnapshot {
	data, err := c.store.Get(ctx, kv.KeyContentCache)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn(logging.CategoryStorage, "cache_read_failed", "falling back to bundled content", map[string]any{
				"error": err.Error(),
			})
		}
		return nil
	}

	var snap model.ContentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn(logging.CategoryStorage, "cache_corrupt", "falling back to bundled content", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return &snap
}

// persist mirrors the snapshot to the store. Best effort: a write
// failure leaves the in-memory snapshot authoritative and is only
// logged.
func (c *Cache) persist(ctx context.Context, snap *model.ContentSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error(logging.CategoryStorage, "cache_marshal_failed", "snapshot not persisted", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if err := c.store.Set(ctx, kv.KeyContentCache, data); err != nil {
		c.logger.Warn(logging.CategoryStorage, "cache_write_failed", "snapshot not persisted", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *Cache) publish(ctx context.Context, subject string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.bus.Publish(ctx, subject, data)
}

// current returns the snapshot pointer without copying. May be nil
// before Initialize.
func (c *Cache) current() *model.ContentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Item returns the parami with the given id from the current snapshot.
func (c *Cache) Item(id int) (model.Parami, bool) {
	return c.current().Parami(id)
}

// Items returns all paramis in the current snapshot, in order. The
// returned slice is a copy.
func (c *Cache) Items() []model.Parami {
	snap := c.current()
	if snap == nil {
		return nil
	}
	items := make([]model.Parami, len(snap.Paramis))
	copy(items, snap.Paramis)
	return items
}

// PracticeSet returns the expanded practices for an item id.
func (c *Cache) PracticeSet(id int) []model.PracticeEntry {
	return c.current().Practices(id)
}

// Version returns the current snapshot version, 0 when uninitialized.
func (c *Cache) Version() int {
	snap := c.current()
	if snap == nil {
		return 0
	}
	return snap.Version
}

// LastFetched returns the timestamp of the last successful download.
func (c *Cache) LastFetched() time.Time {
	snap := c.current()
	if snap == nil {
		return time.Time{}
	}
	return snap.LastFetched
}

// Ready reports whether the first load has completed.
func (c *Cache) Ready() bool {
	return c.readiness.Published()
}

// Readiness exposes the one-shot readiness signal so other subsystems
// can defer work until the first snapshot is adopted.
func (c *Cache) Readiness() *ready.Signal {
	return c.readiness
}

// Syncing reports whether a sync or force refresh is in flight.
func (c *Cache) Syncing() bool {
	return c.syncing.Load()
}

// LastSyncAttempt returns when the last attempt started, successful or
// not.
func (c *Cache) LastSyncAttempt() time.Time {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	return c.lastAttempt
}
