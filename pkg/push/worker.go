// Package push implements Web Push delivery for the daily reminder. The
// worker is the service-side notification scheduler: it keeps VAPID keys
// and browser subscriptions in the key-value store and runs a single
// daily trigger loop that renders the reminder at fire time.
package push

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/parami/pkg/bus"
	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/notify"
)

// Subscription is one browser push endpoint registered with the service.
type Subscription struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// VAPIDKeyPair holds the VAPID key pair for Web Push.
type VAPIDKeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// payload is the JSON document delivered to the browser.
type payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Tag    string `json:"tag,omitempty"`
	ItemID int    `json:"itemId,omitempty"`
}

// PayloadResolver re-renders the reminder right before delivery, so the
// text reflects whatever selection and content are current at fire time
// rather than at scheduling time.
type PayloadResolver func(ctx context.Context) notify.Notification

// trigger is the installed daily reminder. There is at most one.
type trigger struct {
	id       string
	hour     int
	minute   int
	fallback notify.Notification
	cancel   chan struct{}
}

// Worker sends push notifications to subscribed browsers. It satisfies
// the coordinator's scheduler contract.
type Worker struct {
	store    kv.Store
	bus      bus.MessageBus
	logger   *logging.Logger
	resolver PayloadResolver
	subject  string // mailto: or https:// URL for VAPID
	now      func() time.Time

	mu       sync.RWMutex
	vapidKey *VAPIDKeyPair
	subs     []*Subscription
	active   *trigger

	sendFn func(context.Context, *Subscription, []byte) error
}

var _ notify.Scheduler = (*Worker)(nil)

// Config holds configuration for the push worker.
type Config struct {
	// Subject is the mailto: or https:// URL for VAPID claims.
	Subject string

	// Resolver renders the reminder at delivery time. Optional; without
	// it the payload captured at scheduling time is sent as-is.
	Resolver PayloadResolver

	Bus    bus.MessageBus
	Logger *logging.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewWorker creates a push worker over the given store. VAPID keys are
// provisioned lazily by EnsureChannel, not here.
func NewWorker(store kv.Store, cfg *Config) (*Worker, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "mailto:admin@parami.app"
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	w := &Worker{
		store:    store,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		resolver: cfg.Resolver,
		subject:  subject,
		now:      now,
	}

	if err := w.loadSubscriptions(context.Background()); err != nil {
		return nil, err
	}
	return w, nil
}

// SetResolver installs the delivery-time renderer. Used to break the
// construction cycle between the worker and the coordinator that renders
// its payloads.
func (w *Worker) SetResolver(r PayloadResolver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolver = r
}

// EnsureChannel provisions the delivery channel: the persisted VAPID key
// pair is loaded, or generated and saved on first run. Idempotent.
func (w *Worker) EnsureChannel(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.vapidKey != nil {
		return nil
	}

	raw, err := w.store.Get(ctx, kv.KeyVAPIDKeys)
	if err == nil {
		var keys VAPIDKeyPair
		if jerr := json.Unmarshal(raw, &keys); jerr == nil && keys.PublicKey != "" && keys.PrivateKey != "" {
			w.vapidKey = &keys
			return nil
		}
		// Corrupt record falls through to regeneration.
	} else if err != kv.ErrNotFound {
		return perr.Wrap(err, perr.ErrCodeStorageRead, "failed to load VAPID keys")
	}

	privKey, pubKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return perr.Wrap(err, perr.ErrCodeInternal, "failed to generate VAPID keys")
	}

	keys := &VAPIDKeyPair{PublicKey: pubKey, PrivateKey: privKey}
	data, err := json.Marshal(keys)
	if err != nil {
		return perr.Wrap(err, perr.ErrCodeInternal, "failed to encode VAPID keys")
	}
	if err := w.store.Set(ctx, kv.KeyVAPIDKeys, data); err != nil {
		return perr.Wrap(err, perr.ErrCodeStorageWrite, "failed to persist VAPID keys")
	}

	w.vapidKey = keys
	w.logger.Info(logging.CategoryNotify, "vapid_generated", "new VAPID key pair provisioned", nil)
	return nil
}

// RequestPermission reports whether delivery is possible. For Web Push
// the browser grants permission at subscription time, so having at least
// one registered endpoint is the grant.
func (w *Worker) RequestPermission(ctx context.Context) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subs) > 0, nil
}

// PublicKey returns the VAPID public key clients subscribe with.
func (w *Worker) PublicKey() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.vapidKey == nil {
		return ""
	}
	return w.vapidKey.PublicKey
}

// Subscribe registers a browser endpoint. Re-subscribing an existing
// endpoint refreshes its keys instead of adding a duplicate.
func (w *Worker) Subscribe(ctx context.Context, endpoint, p256dh, auth, userAgent string) (*Subscription, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || p256dh == "" || auth == "" {
		return nil, perr.New(perr.ErrCodeValidation, "subscription requires endpoint, p256dh and auth")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subs {
		if sub.Endpoint == endpoint {
			sub.P256dh = p256dh
			sub.Auth = auth
			sub.UserAgent = userAgent
			if err := w.persistSubscriptionsLocked(ctx); err != nil {
				return nil, err
			}
			return sub, nil
		}
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		UserAgent: userAgent,
		CreatedAt: w.now().UTC(),
	}
	w.subs = append(w.subs, sub)
	if err := w.persistSubscriptionsLocked(ctx); err != nil {
		return nil, err
	}

	w.logger.Info(logging.CategoryNotify, "subscribed", "push endpoint registered", map[string]any{
		"id": sub.ID,
	})
	return sub, nil
}

// Unsubscribe removes the endpoint. Removing an unknown endpoint is not
// an error.
func (w *Worker) Unsubscribe(ctx context.Context, endpoint string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeEndpointLocked(ctx, endpoint)
}

// Subscriptions returns a copy of the registered endpoints.
func (w *Worker) Subscriptions() []*Subscription {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Subscription, len(w.subs))
	copy(out, w.subs)
	return out
}

// ScheduleDaily replaces the daily trigger: any existing trigger is
// cancelled and a new one is installed firing at hour:minute local time.
// Duplicates are impossible by construction.
func (w *Worker) ScheduleDaily(ctx context.Context, hour, minute int, n notify.Notification) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return perr.New(perr.ErrCodeValidation, "trigger time out of range").
			WithContext("hour", hour).
			WithContext("minute", minute)
	}

	w.mu.Lock()
	if w.active != nil {
		close(w.active.cancel)
	}
	t := &trigger{
		id:       ulid.Make().String(),
		hour:     hour,
		minute:   minute,
		fallback: n,
		cancel:   make(chan struct{}),
	}
	w.active = t
	w.mu.Unlock()

	go w.run(t)

	w.logger.Info(logging.CategoryNotify, "trigger_installed", "", map[string]any{
		"triggerId": t.id,
		"hour":      hour,
		"minute":    minute,
	})
	return nil
}

// CancelAll removes the installed trigger, if any.
func (w *Worker) CancelAll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		close(w.active.cancel)
		w.active = nil
	}
	return nil
}

// Close stops the trigger loop.
func (w *Worker) Close() error {
	return w.CancelAll(context.Background())
}

// run is the daily trigger loop. It sleeps until the next occurrence of
// the configured time, delivers, and repeats until cancelled or
// replaced.
func (w *Worker) run(t *trigger) {
	for {
		wait := time.Until(nextFire(w.now(), t.hour, t.minute))
		timer := time.NewTimer(wait)
		select {
		case <-t.cancel:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancelDeliver := context.WithTimeout(context.Background(), 30*time.Second)
		w.deliver(ctx, t)
		cancelDeliver()
	}
}

// nextFire returns the next occurrence of hour:minute strictly after
// now, in now's location.
func nextFire(now time.Time, hour, minute int) time.Time {
	fire := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// deliver renders the reminder and fans it out to every subscription.
func (w *Worker) deliver(ctx context.Context, t *trigger) {
	w.mu.RLock()
	resolver := w.resolver
	w.mu.RUnlock()

	n := t.fallback
	if resolver != nil {
		n = resolver(ctx)
	}

	body, err := json.Marshal(payload{
		Title:  n.Title,
		Body:   n.Body,
		Tag:    "daily-" + t.id,
		ItemID: n.ItemID,
	})
	if err != nil {
		w.logger.Error(logging.CategoryNotify, "encode_failed", "", map[string]any{
			"error": err.Error(),
		})
		return
	}

	delivered := w.sendToAll(ctx, body)
	if delivered == 0 {
		return
	}

	w.publish(ctx, bus.SubjectNotifyDelivered, map[string]any{
		"triggerId": t.id,
		"itemId":    n.ItemID,
		"endpoints": delivered,
	})
	w.logger.Info(logging.CategoryNotify, "delivered", "", map[string]any{
		"triggerId": t.id,
		"itemId":    n.ItemID,
		"endpoints": delivered,
	})
}

// publish emits a bus event, silently dropping it when no bus is wired.
func (w *Worker) publish(ctx context.Context, subject string, payload map[string]any) {
	if w.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = w.bus.Publish(ctx, subject, data)
}

// sendToAll pushes the body to every subscription concurrently and
// returns the number of successful deliveries. Endpoints that the push
// service reports as gone are dropped from the store.
func (w *Worker) sendToAll(ctx context.Context, body []byte) int {
	w.mu.RLock()
	subs := make([]*Subscription, len(w.subs))
	copy(subs, w.subs)
	sendFn := w.sendFn
	w.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}
	if sendFn == nil {
		sendFn = w.send
	}

	var wg sync.WaitGroup
	var okMu sync.Mutex
	var delivered int
	var gone []string

	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			err := sendFn(ctx, sub, body)
			okMu.Lock()
			defer okMu.Unlock()
			if err == nil {
				delivered++
				return
			}
			w.logger.Warn(logging.CategoryNotify, "send_failed", "", map[string]any{
				"id":    sub.ID,
				"error": err.Error(),
			})
			if isGone(err) {
				gone = append(gone, sub.Endpoint)
			}
		}(sub)
	}
	wg.Wait()

	if len(gone) > 0 {
		w.mu.Lock()
		for _, endpoint := range gone {
			if err := w.removeEndpointLocked(ctx, endpoint); err != nil {
				w.logger.Warn(logging.CategoryNotify, "prune_failed", "", map[string]any{
					"error": err.Error(),
				})
				break
			}
		}
		w.mu.Unlock()
	}

	return delivered
}

// send delivers to a single subscription over Web Push.
func (w *Worker) send(ctx context.Context, sub *Subscription, body []byte) error {
	w.mu.RLock()
	vapidKey := w.vapidKey
	subject := w.subject
	w.mu.RUnlock()

	if vapidKey == nil {
		return perr.New(perr.ErrCodeInternal, "no VAPID keys configured")
	}

	subscription := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	options := &webpush.Options{
		Subscriber:      subject,
		VAPIDPublicKey:  vapidKey.PublicKey,
		VAPIDPrivateKey: vapidKey.PrivateKey,
		TTL:             3600,
		Urgency:         webpush.UrgencyNormal,
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, subscription, options)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return perr.New(perr.ErrCodeInternal, "push rejected").
			WithContext("status", resp.StatusCode)
	}
	return nil
}

func (w *Worker) loadSubscriptions(ctx context.Context) error {
	raw, err := w.store.Get(ctx, kv.KeyPushSubscriptions)
	if err == kv.ErrNotFound {
		return nil
	}
	if err != nil {
		return perr.Wrap(err, perr.ErrCodeStorageRead, "failed to load push subscriptions")
	}

	var subs []*Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		// A corrupt record loses the subscriptions; browsers re-register
		// on next visit.
		w.logger.Warn(logging.CategoryNotify, "subs_corrupt", "discarding subscription record", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	w.subs = subs
	return nil
}

func (w *Worker) removeEndpointLocked(ctx context.Context, endpoint string) error {
	kept := w.subs[:0]
	removed := false
	for _, sub := range w.subs {
		if sub.Endpoint == endpoint {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	w.subs = kept
	if !removed {
		return nil
	}
	return w.persistSubscriptionsLocked(ctx)
}

func (w *Worker) persistSubscriptionsLocked(ctx context.Context) error {
	data, err := json.Marshal(w.subs)
	if err != nil {
		return perr.Wrap(err, perr.ErrCodeInternal, "failed to encode push subscriptions")
	}
	if err := w.store.Set(ctx, kv.KeyPushSubscriptions, data); err != nil {
		return perr.Wrap(err, perr.ErrCodeStorageWrite, "failed to persist push subscriptions")
	}
	return nil
}

// isGone reports whether the push service says the subscription no
// longer exists.
func isGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "410") || strings.Contains(msg, "404") || strings.Contains(msg, "gone")
}
