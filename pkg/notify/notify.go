// Package notify coordinates the single daily reminder: at most one
// active trigger, its text always derived from the parami selected for
// the current day. The coordinator resolves the startup race between
// permission/scheduling and content loading by deferring behind the
// cache's readiness signal, and models its lifecycle as an explicit
// state machine instead of a pile of booleans.
package notify

import (
	"context"

	"github.com/odvcencio/parami/pkg/model"
)

// State is the coordinator's lifecycle state.
type State string

const (
	// StateUninitialized is the state before Initialize runs.
	StateUninitialized State = "uninitialized"

	// StateAwaitingPermission means the user wants reminders but the
	// scheduler has not granted permission yet.
	StateAwaitingPermission State = "awaiting_permission"

	// StateAwaitingContent means permission is granted and scheduling
	// waits for the content cache's first load.
	StateAwaitingContent State = "awaiting_content"

	// StateScheduled means exactly one daily trigger is installed.
	StateScheduled State = "scheduled"

	// StateDisabled is terminal for the session until the user
	// re-enables reminders.
	StateDisabled State = "disabled"
)

// Notification is the rendered reminder content.
type Notification struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	ItemID int    `json:"itemId"`
}

// Scheduler is the notification delivery surface the coordinator drives.
// Implementations deliver however the platform does (web push, OS local
// notifications); the coordinator only cares about these five calls.
type Scheduler interface {
	// RequestPermission asks the platform for delivery permission.
	// A false result is a normal outcome, not an error.
	RequestPermission(ctx context.Context) (bool, error)

	// EnsureChannel performs idempotent platform setup (channels, keys).
	EnsureChannel(ctx context.Context) error

	// ScheduleDaily installs the single recurring trigger at the given
	// local time, replacing any existing trigger (cancel-then-create,
	// never a partial update). The notification passed here is the
	// schedule-time rendering; implementations re-resolve content right
	// before display.
	ScheduleDaily(ctx context.Context, hour, minute int, n Notification) error

	// CancelAll removes every installed trigger.
	CancelAll(ctx context.Context) error
}

// ContentReader is the synchronous read surface of the content cache.
type ContentReader interface {
	Item(id int) (model.Parami, bool)
	Ready() bool
}

// TodayResolver resolves today's parami id, advancing the rotation
// across day boundaries.
type TodayResolver interface {
	TodayItemID(ctx context.Context) (int, error)
}

// PreferenceStore supplies the notification preferences at decision
// time and persists the user's reminder settings.
type PreferenceStore interface {
	Load(ctx context.Context) model.Preferences
	SetNotificationTime(ctx context.Context, hhmm string) error
	SetNotificationsEnabled(ctx context.Context, enabled bool) error
}
