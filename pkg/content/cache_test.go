package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/model"
)

// fakeSource is an in-memory remote.Source that counts fetches.
type fakeSource struct {
	mu            sync.Mutex
	version       int
	metaErr       error
	fetchErr      error
	metadataCalls int
	paramiCalls   int
	practiceCalls int
	gate          chan struct{} // when non-nil, Metadata blocks until closed
}

func (f *fakeSource) Metadata(ctx context.Context) (*model.RemoteMetadata, error) {
	f.mu.Lock()
	f.metadataCalls++
	gate := f.gate
	err := f.metaErr
	version := f.version
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &model.RemoteMetadata{Version: version}, nil
}

func (f *fakeSource) Paramis(ctx context.Context) ([]model.Parami, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paramiCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	items := make([]model.Parami, 0, model.DomainSize)
	for id := 1; id <= model.DomainSize; id++ {
		items = append(items, model.Parami{
			ID:      id,
			Name:    fmt.Sprintf("Item %d (v%d)", id, f.version),
			Summary: "remote",
		})
	}
	return items, nil
}

func (f *fakeSource) PracticeSets(ctx context.Context) (map[int][]model.PracticeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.practiceCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	sets := make(map[int][]model.PracticeEntry, model.DomainSize)
	for id := 1; id <= model.DomainSize; id++ {
		sets[id] = []model.PracticeEntry{{Title: fmt.Sprintf("Practice %d", id)}}
	}
	return sets, nil
}

func (f *fakeSource) calls() (meta, paramis, practices int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataCalls, f.paramiCalls, f.practiceCalls
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedPersisted(t *testing.T, store kv.Store, version int) {
	t.Helper()
	snap := model.ContentSnapshot{
		Version:     version,
		LastFetched: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Paramis:     []model.Parami{{ID: 1, Name: "Persisted", Summary: "cached"}},
		ExpandedPractices: map[int][]model.PracticeEntry{
			1: {{Title: "Cached practice"}},
		},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal seed snapshot: %v", err)
	}
	if err := store.Set(context.Background(), kv.KeyContentCache, data); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func TestReadersAreSafeBeforeInitialize(t *testing.T) {
	cache := New(kv.NewMemoryStore(), &fakeSource{}, Options{})

	if cache.Ready() {
		t.Error("cache should not be ready before Initialize")
	}
	if _, ok := cache.Item(1); ok {
		t.Error("Item should report absent before Initialize")
	}
	if items := cache.Items(); items != nil {
		t.Errorf("Items = %v, want nil", items)
	}
	if v := cache.Version(); v != 0 {
		t.Errorf("Version = %d, want 0", v)
	}
	if ps := cache.PracticeSet(1); ps != nil {
		t.Errorf("PracticeSet = %v, want nil", ps)
	}
}

func TestInitializeFreshInstallUsesBundled(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	source := &fakeSource{metaErr: perr.New(perr.ErrCodeRemoteMetadata, "offline")}
	cache := New(store, source, Options{})

	cache.Initialize(ctx)

	if !cache.Ready() {
		t.Fatal("cache should be ready after Initialize")
	}
	if v := cache.Version(); v != 0 {
		t.Errorf("Version = %d, want 0 (bundled)", v)
	}
	if items := cache.Items(); len(items) != model.DomainSize {
		t.Errorf("got %d bundled items, want %d", len(items), model.DomainSize)
	}
	if ps := cache.PracticeSet(1); len(ps) == 0 {
		t.Error("bundled practice set for item 1 should not be empty")
	}

	// The bundled snapshot is persisted synchronously during Initialize.
	data, err := store.Get(ctx, kv.KeyContentCache)
	if err != nil {
		t.Fatalf("persisted snapshot missing: %v", err)
	}
	var snap model.ContentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("persisted snapshot corrupt: %v", err)
	}
	if snap.Version != 0 {
		t.Errorf("persisted version = %d, want 0", snap.Version)
	}
}

func TestInitializeAdoptsPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{metaErr: perr.New(perr.ErrCodeRemoteMetadata, "offline")}
	cache := New(store, source, Options{})

	cache.Initialize(ctx)

	if v := cache.Version(); v != 3 {
		t.Errorf("Version = %d, want 3", v)
	}
	item, ok := cache.Item(1)
	if !ok || item.Name != "Persisted" {
		t.Errorf("Item(1) = (%+v, %v), want persisted item", item, ok)
	}
}

func TestSynchronizeRateLimitsByAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	source := &fakeSource{metaErr: perr.New(perr.ErrCodeRemoteMetadata, "offline")}
	cache := New(kv.NewMemoryStore(), source, Options{Now: clock.Now})

	cache.Synchronize(ctx)
	cache.Synchronize(ctx)

	if meta, _, _ := source.calls(); meta != 1 {
		t.Errorf("metadata fetches = %d, want 1 (second call inside window)", meta)
	}

	// A failed attempt still occupies the window.
	clock.Advance(4 * time.Minute)
	cache.Synchronize(ctx)
	if meta, _, _ := source.calls(); meta != 1 {
		t.Errorf("metadata fetches = %d, want 1 (still inside window)", meta)
	}

	clock.Advance(2 * time.Minute)
	cache.Synchronize(ctx)
	if meta, _, _ := source.calls(); meta != 2 {
		t.Errorf("metadata fetches = %d, want 2 (window elapsed)", meta)
	}
}

func TestSynchronizeNoOpWhenRemoteNotNewer(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{version: 3}
	cache := New(store, source, Options{})

	// Adopt the persisted snapshot without spawning a background sync.
	cache.mu.Lock()
	cache.snapshot = cache.loadPersisted(ctx)
	cache.mu.Unlock()
	before := cache.current()

	cache.Synchronize(ctx)

	if v := cache.Version(); v != 3 {
		t.Errorf("Version = %d, want 3", v)
	}
	if cache.current() != before {
		t.Error("snapshot identity should be unchanged when remote is not newer")
	}
	if _, paramis, practices := source.calls(); paramis != 0 || practices != 0 {
		t.Errorf("downloads = (%d, %d), want zero", paramis, practices)
	}
}

func TestSynchronizeReplacesOnNewerRemote(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{version: 5}
	cache := New(store, source, Options{})

	cache.mu.Lock()
	cache.snapshot = cache.loadPersisted(ctx)
	cache.mu.Unlock()

	cache.Synchronize(ctx)

	if v := cache.Version(); v != 5 {
		t.Errorf("Version = %d, want 5", v)
	}
	if items := cache.Items(); len(items) != model.DomainSize {
		t.Errorf("got %d items, want %d (full replacement)", len(items), model.DomainSize)
	}
	if ps := cache.PracticeSet(2); len(ps) != 1 {
		t.Errorf("practice set not replaced: %v", ps)
	}

	// The new snapshot is mirrored to the store.
	data, err := store.Get(ctx, kv.KeyContentCache)
	if err != nil {
		t.Fatalf("persisted snapshot missing: %v", err)
	}
	var snap model.ContentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("persisted snapshot corrupt: %v", err)
	}
	if snap.Version != 5 {
		t.Errorf("persisted version = %d, want 5", snap.Version)
	}
}

func TestSynchronizeFailureKeepsPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{version: 9, fetchErr: perr.New(perr.ErrCodeRemoteFetch, "flaky")}
	cache := New(store, source, Options{})

	cache.mu.Lock()
	cache.snapshot = cache.loadPersisted(ctx)
	cache.mu.Unlock()

	cache.Synchronize(ctx)

	if v := cache.Version(); v != 3 {
		t.Errorf("Version = %d after failed sync, want 3", v)
	}
	item, ok := cache.Item(1)
	if !ok || item.Name != "Persisted" {
		t.Errorf("prior snapshot should stand, got (%+v, %v)", item, ok)
	}
}

func TestForceRefreshIgnoresVersionComparison(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{version: 3}
	cache := New(store, source, Options{})

	cache.mu.Lock()
	cache.snapshot = cache.loadPersisted(ctx)
	cache.mu.Unlock()

	if err := cache.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	if _, paramis, _ := source.calls(); paramis != 1 {
		t.Errorf("parami fetches = %d, want 1 (comparison skipped)", paramis)
	}
	if items := cache.Items(); len(items) != model.DomainSize {
		t.Errorf("got %d items, want full replacement", len(items))
	}
}

func TestForceRefreshSurfacesFailure(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{metaErr: perr.New(perr.ErrCodeRemoteMetadata, "offline")}
	cache := New(kv.NewMemoryStore(), source, Options{})

	err := cache.ForceRefresh(ctx)
	if !perr.IsCode(err, perr.ErrCodeRemoteMetadata) {
		t.Errorf("ForceRefresh error = %v, want REMOTE_METADATA", err)
	}
}

func TestForceRefreshBypassesAttemptWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	source := &fakeSource{version: 2}
	cache := New(kv.NewMemoryStore(), source, Options{Now: clock.Now})

	cache.Synchronize(ctx)
	if err := cache.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	if meta, _, _ := source.calls(); meta != 2 {
		t.Errorf("metadata fetches = %d, want 2 (force ignores window)", meta)
	}
}

func TestClearAndRefresh(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{version: 7}
	cache := New(store, source, Options{})

	cache.mu.Lock()
	cache.snapshot = cache.loadPersisted(ctx)
	cache.mu.Unlock()

	if err := cache.ClearAndRefresh(ctx); err != nil {
		t.Fatalf("ClearAndRefresh failed: %v", err)
	}
	if v := cache.Version(); v != 7 {
		t.Errorf("Version = %d, want 7", v)
	}
}

func TestClearAndRefreshFailureLeavesCacheEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	seedPersisted(t, store, 3)
	source := &fakeSource{metaErr: perr.New(perr.ErrCodeRemoteMetadata, "offline")}
	cache := New(store, source, Options{})

	cache.mu.Lock()
	cache.snapshot = cache.loadPersisted(ctx)
	cache.mu.Unlock()

	if err := cache.ClearAndRefresh(ctx); err == nil {
		t.Fatal("ClearAndRefresh should surface the refresh failure")
	}
	if items := cache.Items(); len(items) != 0 {
		t.Errorf("cache should be empty after clear with failed refresh, got %d items", len(items))
	}
	if _, err := store.Get(ctx, kv.KeyContentCache); err != kv.ErrNotFound {
		t.Errorf("persisted snapshot should be deleted, got %v", err)
	}
}

func TestSingleFlightDropsOverlappingCalls(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	source := &fakeSource{version: 2, gate: gate}
	cache := New(kv.NewMemoryStore(), source, Options{})

	done := make(chan struct{})
	go func() {
		cache.Synchronize(ctx)
		close(done)
	}()

	// Wait for the in-flight sync to reach the remote fetch.
	deadline := time.After(time.Second)
	for {
		if meta, _, _ := source.calls(); meta == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sync never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !cache.Syncing() {
		t.Error("Syncing should report true while a sync is in flight")
	}

	// Overlapping calls are dropped, not queued.
	if err := cache.ForceRefresh(ctx); err != nil {
		t.Errorf("overlapping ForceRefresh = %v, want nil no-op", err)
	}
	cache.Synchronize(ctx)

	close(gate)
	<-done

	if meta, _, _ := source.calls(); meta != 1 {
		t.Errorf("metadata fetches = %d, want 1 (overlaps dropped)", meta)
	}
	if cache.Syncing() {
		t.Error("Syncing should be false after completion")
	}
}

func TestReadinessFiresOnce(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{metaErr: perr.New(perr.ErrCodeRemoteMetadata, "offline")}
	cache := New(kv.NewMemoryStore(), source, Options{})

	count := 0
	cache.Readiness().Subscribe(func() { count++ })

	cache.Initialize(ctx)

	if count != 1 {
		t.Errorf("readiness callbacks = %d, want 1", count)
	}

	// Late subscribers are delivered immediately.
	late := false
	cache.Readiness().Subscribe(func() { late = true })
	if !late {
		t.Error("late subscriber should fire immediately after readiness")
	}
}
