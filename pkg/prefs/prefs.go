// Package prefs owns the persisted preferences record and the rotation
// orchestration built on top of it: daily advancement of the shuffle
// queue, manual reshuffles, viewed-state bookkeeping, and the user's
// custom and checked practices. The record is read and written
// atomically as a whole; all mutations serialize through one
// read-modify-write lock, last writer wins at the record level.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/model"
	"github.com/odvcencio/parami/pkg/rotation"
)

// Store persists the preferences record in the key-value store.
type Store struct {
	kv     kv.Store
	logger *logging.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Options configures optional collaborators.
type Options struct {
	Logger *logging.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewStore creates a preferences store over the given key-value store.
func NewStore(store kv.Store, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:     store,
		logger: opts.Logger,
		now:    now,
	}
}

// Load returns the persisted preferences, or the defaults when nothing
// has been saved or the record cannot be read. Storage failures are
// logged and degrade to defaults; they never propagate.
func (s *Store) Load(ctx context.Context) model.Preferences {
	data, err := s.kv.Get(ctx, kv.KeyPreferences)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn(logging.CategoryStorage, "prefs_read_failed", "falling back to defaults", map[string]any{
				"error": err.Error(),
			})
		}
		return model.DefaultPreferences()
	}

	var prefs model.Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		s.logger.Warn(logging.CategoryStorage, "prefs_corrupt", "falling back to defaults", map[string]any{
			"error": err.Error(),
		})
		return model.DefaultPreferences()
	}
	return prefs
}

// Save replaces the persisted record.
func (s *Store) Save(ctx context.Context, prefs model.Preferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return perr.Wrap(err, perr.ErrCodeStorageWrite, "failed to encode preferences")
	}
	if err := s.kv.Set(ctx, kv.KeyPreferences, data); err != nil {
		return perr.Wrap(err, perr.ErrCodeStorageWrite, "failed to persist preferences")
	}
	return nil
}

// Update applies fn to the current record and persists the result, all
// under the store's read-modify-write lock.
func (s *Store) Update(ctx context.Context, fn func(*model.Preferences) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := s.Load(ctx)
	if err := fn(&prefs); err != nil {
		return err
	}
	return s.Save(ctx, prefs)
}

// TodayItemID resolves today's parami id. It advances the rotation only
// across a local-calendar day boundary; repeated calls on the same day
// return the same id without touching the queue. The mutated rotation
// state is persisted before the id is returned.
func (s *Store) TodayItemID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := s.Load(ctx)

	rs, ok := prefs.Rotation()
	if !ok {
		rs = rotation.Initialize(model.DomainSize)
	}

	now := s.now()
	if !rotation.ShouldAdvanceForNewDay(rs.LastRefreshDate, now) {
		if id, ok := rotation.Current(rs); ok {
			return id, nil
		}
		// A persisted queue with nothing consumed yet; fall through and
		// serve its first slot.
	}

	id, next := rotation.Advance(rs)
	next.LastRefreshDate = now.Format(rotation.DateFormat)
	prefs.SetRotation(next)

	if err := s.Save(ctx, prefs); err != nil {
		return 0, err
	}

	s.logger.Info(logging.CategoryRotation, "advanced", "daily item selected", map[string]any{
		"item": id,
		"date": next.LastRefreshDate,
	})
	return id, nil
}

// Shuffle discards the current queue and deals a fresh one, excluding
// the item the user is looking at so the reshuffle visibly changes the
// selection. Returns the newly selected id.
func (s *Store) Shuffle(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := s.Load(ctx)

	exclude := 0
	if rs, ok := prefs.Rotation(); ok {
		if id, ok := rotation.Current(rs); ok {
			exclude = id
		}
	}

	next := model.RotationState{
		Queue:           rotation.BuildQueue(model.DomainSize, exclude),
		Position:        1,
		LastRefreshDate: s.now().Format(rotation.DateFormat),
	}
	prefs.SetRotation(next)

	if err := s.Save(ctx, prefs); err != nil {
		return 0, err
	}
	return next.Queue[0], nil
}

// MarkViewed records that the user opened today's item.
func (s *Store) MarkViewed(ctx context.Context, id int) error {
	return s.Update(ctx, func(p *model.Preferences) error {
		p.LastViewedDate = s.now().Format(rotation.DateFormat)
		p.LastViewedParamiID = id
		return nil
	})
}

// SetNotificationTime stores a new daily reminder time.
func (s *Store) SetNotificationTime(ctx context.Context, hhmm string) error {
	if _, _, err := ParseNotificationTime(hhmm); err != nil {
		return err
	}
	return s.Update(ctx, func(p *model.Preferences) error {
		p.NotificationTime = hhmm
		return nil
	})
}

// SetNotificationsEnabled toggles the daily reminder.
func (s *Store) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	return s.Update(ctx, func(p *model.Preferences) error {
		p.NotificationsEnabled = enabled
		return nil
	})
}

// SetCustomPractice stores the user's own practice text for a parami.
// An empty submission is a validation failure surfaced to the caller,
// not an error condition worth logging.
func (s *Store) SetCustomPractice(ctx context.Context, paramiID int, text string) error {
	if paramiID < 1 || paramiID > model.DomainSize {
		return perr.New(perr.ErrCodeValidation, "unknown parami id").
			WithContext("id", paramiID)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return perr.New(perr.ErrCodeValidation, "practice text is required").
			WithUserMessage("Write a short practice before saving.")
	}
	return s.Update(ctx, func(p *model.Preferences) error {
		if p.CustomPractices == nil {
			p.CustomPractices = make(map[int]string)
		}
		p.CustomPractices[paramiID] = text
		return nil
	})
}

// SetPracticeChecked marks a practice title checked or unchecked for a
// parami.
func (s *Store) SetPracticeChecked(ctx context.Context, paramiID int, title string, checked bool) error {
	if paramiID < 1 || paramiID > model.DomainSize {
		return perr.New(perr.ErrCodeValidation, "unknown parami id").
			WithContext("id", paramiID)
	}
	return s.Update(ctx, func(p *model.Preferences) error {
		checkedSet := p.CheckedPractices[paramiID]
		idx := -1
		for i, existing := range checkedSet {
			if existing == title {
				idx = i
				break
			}
		}
		switch {
		case checked && idx < 0:
			if p.CheckedPractices == nil {
				p.CheckedPractices = make(map[int][]string)
			}
			p.CheckedPractices[paramiID] = append(checkedSet, title)
		case !checked && idx >= 0:
			p.CheckedPractices[paramiID] = append(checkedSet[:idx], checkedSet[idx+1:]...)
		}
		return nil
	})
}

// ParseNotificationTime splits an "HH:MM" value into hour and minute.
func ParseNotificationTime(hhmm string) (hour, minute int, err error) {
	t, parseErr := time.Parse("15:04", hhmm)
	if parseErr != nil {
		return 0, 0, perr.New(perr.ErrCodeValidation, "notification time must be HH:MM").
			WithContext("value", hhmm)
	}
	return t.Hour(), t.Minute(), nil
}
