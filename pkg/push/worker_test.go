package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/notify"
)

func newTestWorker(t *testing.T, store kv.Store, cfg *Config) *Worker {
	t.Helper()
	w, err := NewWorker(store, cfg)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestEnsureChannelGeneratesAndReusesKeys(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	w := newTestWorker(t, store, nil)
	if err := w.EnsureChannel(ctx); err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	key := w.PublicKey()
	if key == "" {
		t.Fatal("expected a public key after EnsureChannel")
	}

	if err := w.EnsureChannel(ctx); err != nil {
		t.Fatalf("EnsureChannel (second): %v", err)
	}
	if w.PublicKey() != key {
		t.Fatal("EnsureChannel must be idempotent")
	}

	// A fresh worker over the same store loads the persisted pair.
	w2 := newTestWorker(t, store, nil)
	if err := w2.EnsureChannel(ctx); err != nil {
		t.Fatalf("EnsureChannel (reload): %v", err)
	}
	if w2.PublicKey() != key {
		t.Fatalf("reloaded key=%q want %q", w2.PublicKey(), key)
	}
}

func TestRequestPermissionRequiresSubscription(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, kv.NewMemoryStore(), nil)

	granted, err := w.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if granted {
		t.Fatal("permission granted with no subscriptions")
	}

	if _, err := w.Subscribe(ctx, "https://push.example.com/ep1", "p256dh", "auth", "agent"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	granted, err = w.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if !granted {
		t.Fatal("permission denied with an active subscription")
	}
}

func TestSubscribeDedupesByEndpoint(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	w := newTestWorker(t, store, nil)

	first, err := w.Subscribe(ctx, "https://push.example.com/ep1", "k1", "a1", "agent")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := w.Subscribe(ctx, "https://push.example.com/ep1", "k2", "a2", "agent")
	if err != nil {
		t.Fatalf("Subscribe (again): %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("re-subscribe created a new id: %q vs %q", first.ID, second.ID)
	}
	if got := len(w.Subscriptions()); got != 1 {
		t.Fatalf("subscriptions=%d want 1", got)
	}
	if second.P256dh != "k2" || second.Auth != "a2" {
		t.Fatal("re-subscribe must refresh the keys")
	}

	// Persisted: a new worker sees the subscription.
	w2 := newTestWorker(t, store, nil)
	if got := len(w2.Subscriptions()); got != 1 {
		t.Fatalf("reloaded subscriptions=%d want 1", got)
	}
}

func TestSubscribeRejectsIncomplete(t *testing.T) {
	w := newTestWorker(t, kv.NewMemoryStore(), nil)
	if _, err := w.Subscribe(context.Background(), "https://push.example.com/ep1", "", "auth", ""); err == nil {
		t.Fatal("expected validation error for missing p256dh")
	}
}

func TestNextFire(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	now := time.Date(2026, time.March, 10, 8, 30, 0, 0, loc)

	fire := nextFire(now, 9, 0)
	want := time.Date(2026, time.March, 10, 9, 0, 0, 0, loc)
	if !fire.Equal(want) {
		t.Fatalf("fire=%v want %v", fire, want)
	}

	// Past today's slot: tomorrow.
	fire = nextFire(now, 7, 15)
	want = time.Date(2026, time.March, 11, 7, 15, 0, 0, loc)
	if !fire.Equal(want) {
		t.Fatalf("fire=%v want %v", fire, want)
	}

	// Exactly at the slot: strictly after, so tomorrow.
	fire = nextFire(want, 7, 15)
	if !fire.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("fire=%v want next day", fire)
	}
}

func TestScheduleDailyReplacesTrigger(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, kv.NewMemoryStore(), nil)

	if err := w.ScheduleDaily(ctx, 9, 0, notify.Notification{Title: "first"}); err != nil {
		t.Fatalf("ScheduleDaily: %v", err)
	}
	w.mu.RLock()
	first := w.active
	w.mu.RUnlock()

	if err := w.ScheduleDaily(ctx, 21, 30, notify.Notification{Title: "second"}); err != nil {
		t.Fatalf("ScheduleDaily (replace): %v", err)
	}

	w.mu.RLock()
	second := w.active
	w.mu.RUnlock()

	if second == nil || second == first {
		t.Fatal("replacement must install a fresh trigger")
	}
	if second.hour != 21 || second.minute != 30 {
		t.Fatalf("trigger at %02d:%02d want 21:30", second.hour, second.minute)
	}
	select {
	case <-first.cancel:
	default:
		t.Fatal("old trigger loop still running after replacement")
	}

	if err := w.CancelAll(ctx); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	w.mu.RLock()
	active := w.active
	w.mu.RUnlock()
	if active != nil {
		t.Fatal("CancelAll left a trigger installed")
	}
}

func TestScheduleDailyValidatesTime(t *testing.T) {
	w := newTestWorker(t, kv.NewMemoryStore(), nil)
	if err := w.ScheduleDaily(context.Background(), 24, 0, notify.Notification{}); err == nil {
		t.Fatal("expected error for hour out of range")
	}
}

func TestDeliverFansOutAndPrunesGone(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	w := newTestWorker(t, store, nil)

	endpoints := []string{
		"https://push.example.com/ep1",
		"https://push.example.com/ep2",
		"https://push.example.com/ep3",
	}
	for _, ep := range endpoints {
		if _, err := w.Subscribe(ctx, ep, "p256dh", "auth", "agent"); err != nil {
			t.Fatalf("Subscribe(%s): %v", ep, err)
		}
	}

	var mu sync.Mutex
	var sent []string
	w.sendFn = func(ctx context.Context, sub *Subscription, body []byte) error {
		mu.Lock()
		sent = append(sent, sub.Endpoint)
		mu.Unlock()
		if sub.Endpoint == endpoints[1] {
			return errors.New("push failed with status 410")
		}
		return nil
	}

	delivered := w.sendToAll(ctx, []byte(`{"title":"t"}`))
	if delivered != 2 {
		t.Fatalf("delivered=%d want 2", delivered)
	}

	mu.Lock()
	if len(sent) != 3 {
		t.Fatalf("send calls=%d want 3", len(sent))
	}
	mu.Unlock()

	subs := w.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions after prune=%d want 2", len(subs))
	}
	for _, sub := range subs {
		if sub.Endpoint == endpoints[1] {
			t.Fatal("gone endpoint survived the prune")
		}
	}
}

func TestDeliverRendersThroughResolver(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	w := newTestWorker(t, store, &Config{
		Resolver: func(ctx context.Context) notify.Notification {
			return notify.Notification{Title: "Parami of the day: Metta", Body: "Goodwill", ItemID: 9}
		},
	})
	if _, err := w.Subscribe(ctx, "https://push.example.com/ep1", "p256dh", "auth", "agent"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var mu sync.Mutex
	var bodies []string
	w.sendFn = func(ctx context.Context, sub *Subscription, body []byte) error {
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		return nil
	}

	w.deliver(ctx, &trigger{id: "t1", hour: 9, fallback: notify.Notification{Title: "stale"}})

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("deliveries=%d want 1", len(bodies))
	}
	if !strings.Contains(bodies[0], "Metta") || strings.Contains(bodies[0], "stale") {
		t.Fatalf("payload %q should carry the resolved reminder, not the scheduled one", bodies[0])
	}
}
