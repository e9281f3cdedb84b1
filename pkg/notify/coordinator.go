package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/odvcencio/parami/pkg/bus"
	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/prefs"
	"github.com/odvcencio/parami/pkg/ready"
)

// Coordinator owns the daily reminder lifecycle.
type Coordinator struct {
	scheduler  Scheduler
	content    ContentReader
	today      TodayResolver
	prefsStore PreferenceStore
	readiness  *ready.Signal
	bus        bus.MessageBus
	logger     *logging.Logger

	mu    sync.Mutex
	state State

	// scheduledOnce guards the startup race: both the ready-now path
	// and the readiness callback could try to schedule, and exactly one
	// may win. Explicit reschedules (time change, re-enable) are not
	// gated by it.
	scheduledOnce bool
}

// Options configures optional coordinator collaborators.
type Options struct {
	Bus    bus.MessageBus
	Logger *logging.Logger
}

// NewCoordinator wires the coordinator to its collaborators. The
// readiness signal must be the content cache's own.
func NewCoordinator(scheduler Scheduler, content ContentReader, today TodayResolver, prefsStore PreferenceStore, readiness *ready.Signal, opts Options) *Coordinator {
	return &Coordinator{
		scheduler:  scheduler,
		content:    content,
		today:      today,
		prefsStore: prefsStore,
		readiness:  readiness,
		bus:        opts.Bus,
		logger:     opts.Logger,
		state:      StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize runs the startup flow: read the preference, request
// permission, and schedule now or once content becomes ready. Permission
// denial is a normal outcome (the coordinator parks in Disabled); only a
// scheduling failure on the immediate path is returned.
func (c *Coordinator) Initialize(ctx context.Context) error {
	preferences := c.prefsStore.Load(ctx)
	if !preferences.NotificationsEnabled {
		c.setState(StateDisabled)
		c.logger.Info(logging.CategoryNotify, "disabled", "reminders off by preference", nil)
		return nil
	}

	c.setState(StateAwaitingPermission)
	granted, err := c.requestPermission(ctx)
	if err != nil {
		c.setState(StateDisabled)
		c.logger.Warn(logging.CategoryNotify, "permission_error", "treating as denied", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	if !granted {
		c.setState(StateDisabled)
		c.logger.Info(logging.CategoryNotify, "permission_denied", "reminders unavailable this session", nil)
		return nil
	}

	c.setState(StateAwaitingContent)

	if c.content.Ready() {
		return c.scheduleOnce(ctx)
	}

	// Deferred path: the readiness callback schedules later, and its
	// failure can only be logged. scheduleOnce keeps the two paths from
	// both firing.
	c.readiness.Subscribe(func() {
		if err := c.scheduleOnce(context.Background()); err != nil {
			c.logger.Error(logging.CategoryNotify, "deferred_schedule_failed", "", map[string]any{
				"error": err.Error(),
			})
		}
	})
	return nil
}

// SetTime changes the daily reminder time: the preference is persisted
// and, when a trigger is installed, it is cancelled and recreated at the
// new time. Never a partial update.
func (c *Coordinator) SetTime(ctx context.Context, hhmm string) error {
	if _, _, err := prefs.ParseNotificationTime(hhmm); err != nil {
		return err
	}
	if err := c.prefsStore.SetNotificationTime(ctx, hhmm); err != nil {
		return err
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateScheduled {
		return nil
	}
	c.setState(StateAwaitingContent)
	return c.schedule(ctx)
}

// SetEnabled toggles reminders. Disabling cancels every trigger and
// parks in Disabled; enabling restarts the permission flow.
func (c *Coordinator) SetEnabled(ctx context.Context, enabled bool) error {
	if err := c.prefsStore.SetNotificationsEnabled(ctx, enabled); err != nil {
		return err
	}

	if !enabled {
		if err := c.scheduler.CancelAll(ctx); err != nil {
			c.logger.Warn(logging.CategoryNotify, "cancel_failed", "", map[string]any{
				"error": err.Error(),
			})
		}
		c.setState(StateDisabled)
		return nil
	}

	// A fresh enable is a fresh scheduling session; the startup guard
	// must not suppress it.
	c.mu.Lock()
	c.scheduledOnce = false
	c.mu.Unlock()

	return c.Initialize(ctx)
}

// CurrentPayload renders the reminder for today's selection, re-read
// from the cache at call time. The delivery worker calls this right
// before display so content drift between scheduling and firing still
// shows correct text.
func (c *Coordinator) CurrentPayload(ctx context.Context) Notification {
	id, err := c.today.TodayItemID(ctx)
	if err != nil {
		c.logger.Warn(logging.CategoryNotify, "resolve_failed", "using generic reminder", map[string]any{
			"error": err.Error(),
		})
		return Notification{Title: "Parami of the day", Body: "Open the app for today's practice."}
	}

	item, ok := c.content.Item(id)
	if !ok {
		return Notification{Title: "Parami of the day", Body: "Open the app for today's practice.", ItemID: id}
	}

	title := "Parami of the day: " + item.Name
	body := item.Summary
	if item.Pali != "" {
		title += " (" + item.Pali + ")"
	}
	return Notification{Title: title, Body: body, ItemID: id}
}

// scheduleOnce is the guarded startup path. Besides the double-fire
// guard, it only proceeds from AwaitingContent: a readiness callback
// registered before the user disabled reminders must not revive a
// Disabled session.
func (c *Coordinator) scheduleOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.scheduledOnce || c.state != StateAwaitingContent {
		c.mu.Unlock()
		return nil
	}
	c.scheduledOnce = true
	c.mu.Unlock()

	return c.schedule(ctx)
}

// schedule installs the single trigger at the preferred time, rendered
// against the current selection. Replacement semantics live in the
// scheduler, so this never leaves duplicate triggers behind.
func (c *Coordinator) schedule(ctx context.Context) error {
	preferences := c.prefsStore.Load(ctx)
	hour, minute, err := prefs.ParseNotificationTime(preferences.NotificationTime)
	if err != nil {
		return err
	}

	payload := c.CurrentPayload(ctx)
	if err := c.scheduler.ScheduleDaily(ctx, hour, minute, payload); err != nil {
		werr := perr.Wrap(err, perr.ErrCodeScheduleFailed, "failed to install daily trigger").
			WithContext("hour", hour).
			WithContext("minute", minute)
		c.logger.Error(logging.CategoryNotify, "schedule_failed", "", map[string]any{
			"error": werr.Error(),
		})
		return werr
	}

	c.setState(StateScheduled)
	c.publish(ctx, bus.SubjectNotifyScheduled, map[string]any{
		"hour":   hour,
		"minute": minute,
		"itemId": payload.ItemID,
	})
	c.logger.Info(logging.CategoryNotify, "scheduled", "daily reminder installed", map[string]any{
		"time":   preferences.NotificationTime,
		"itemId": payload.ItemID,
	})
	return nil
}

func (c *Coordinator) requestPermission(ctx context.Context) (bool, error) {
	if err := c.scheduler.EnsureChannel(ctx); err != nil {
		return false, err
	}
	return c.scheduler.RequestPermission(ctx)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) publish(ctx context.Context, subject string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.bus.Publish(ctx, subject, data)
}
