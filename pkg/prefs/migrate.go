package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/model"
)

// Legacy per-field keys from before preferences were stored as a single
// record. Migration folds them into the record and removes them.
var legacyKeys = []string{
	"notificationTime",
	"notificationsEnabled",
	"paramiQueue",
	"queuePosition",
	"lastQueueRefreshDate",
}

// Migrate folds any legacy per-field entries into the single preferences
// record. It is idempotent: once the record exists, nothing happens.
// Callers run it to completion before content initialization begins.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.kv.Get(ctx, kv.KeyPreferences); err == nil {
		return nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return perr.Wrap(err, perr.ErrCodeStorageRead, "failed to check preferences record")
	}

	prefs := model.DefaultPreferences()
	migrated := false

	for _, key := range legacyKeys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return perr.Wrap(err, perr.ErrCodeStorageRead, "failed to read legacy key").
				WithContext("key", key)
		}
		migrated = true
		s.applyLegacy(&prefs, key, data)
	}

	if !migrated {
		// Fresh install, nothing to fold in. The record is created
		// lazily on first save.
		return nil
	}

	if err := s.Save(ctx, prefs); err != nil {
		return err
	}

	for _, key := range legacyKeys {
		if err := s.kv.Delete(ctx, key); err != nil {
			// The record is already authoritative; a stale legacy key is
			// harmless because Migrate never runs again once it exists.
			s.logger.Warn(logging.CategoryStorage, "legacy_delete_failed", "", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	s.logger.Info(logging.CategoryStorage, "prefs_migrated", "legacy keys folded into record", nil)
	return nil
}

func (s *Store) applyLegacy(prefs *model.Preferences, key string, data []byte) {
	value := string(data)
	switch key {
	case "notificationTime":
		prefs.NotificationTime = trimQuotes(value)
	case "notificationsEnabled":
		prefs.NotificationsEnabled = trimQuotes(value) == "true"
	case "paramiQueue":
		var queue []int
		if err := json.Unmarshal(data, &queue); err == nil {
			prefs.ParamiQueue = queue
		}
	case "queuePosition":
		if n, err := strconv.Atoi(trimQuotes(value)); err == nil {
			prefs.QueuePosition = n
		}
	case "lastQueueRefreshDate":
		prefs.LastQueueRefreshDate = trimQuotes(value)
	}
}

// trimQuotes strips a single layer of JSON string quoting, since legacy
// values were stored both raw and JSON-encoded over time.
func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
