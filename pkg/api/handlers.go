package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/model"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "content not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// todayResponse is the full daily view: the selected item plus its
// practices and the user's per-item state.
type todayResponse struct {
	ID               int                   `json:"id"`
	Item             model.Parami          `json:"item"`
	Practices        []model.PracticeEntry `json:"practices"`
	CustomPractice   string                `json:"customPractice,omitempty"`
	CheckedPractices []string              `json:"checkedPractices,omitempty"`
	Version          int                   `json:"version"`
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	id, err := s.prefs.TodayItemID(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dailyView(r, id))
}

func (s *Server) handleShuffle(w http.ResponseWriter, r *http.Request) {
	id, err := s.prefs.Shuffle(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dailyView(r, id))
}

func (s *Server) dailyView(r *http.Request, id int) todayResponse {
	item, _ := s.cache.Item(id)
	preferences := s.prefs.Load(r.Context())
	return todayResponse{
		ID:               id,
		Item:             item,
		Practices:        s.cache.PracticeSet(id),
		CustomPractice:   preferences.CustomPractices[id],
		CheckedPractices: preferences.CheckedPractices[id],
		Version:          s.cache.Version(),
	}
}

func (s *Server) handleMarkViewed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.prefs.MarkViewed(r.Context(), req.ID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": req.ID})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   s.cache.Items(),
		"version": s.cache.Version(),
	})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, found := s.cache.Item(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown item"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePractices(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	preferences := s.prefs.Load(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"paramiId":         id,
		"entries":          s.cache.PracticeSet(id),
		"customPractice":   preferences.CustomPractices[id],
		"checkedPractices": preferences.CheckedPractices[id],
	})
}

func (s *Server) handleSetCustomPractice(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.prefs.SetCustomPractice(r.Context(), id, req.Text); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckPractice(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req struct {
		Title   string `json:"title"`
		Checked bool   `json:"checked"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		respondError(w, perr.New(perr.ErrCodeValidation, "practice title required"))
		return
	}
	if err := s.prefs.SetPracticeChecked(r.Context(), id, req.Title, req.Checked); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.cache.Version(),
		"lastFetched": s.cache.LastFetched(),
		"syncing":     s.cache.Syncing(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.ForceRefresh(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": s.cache.Version()})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.ClearAndRefresh(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": s.cache.Version()})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.prefs.Load(r.Context()))
}

func (s *Server) handleSetNotificationTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time string `json:"time"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	if s.coordinator != nil {
		err = s.coordinator.SetTime(r.Context(), req.Time)
	} else {
		err = s.prefs.SetNotificationTime(r.Context(), req.Time)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetNotificationsEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	if s.coordinator != nil {
		err = s.coordinator.SetEnabled(r.Context(), req.Enabled)
	} else {
		err = s.prefs.SetNotificationsEnabled(r.Context(), req.Enabled)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushKey(w http.ResponseWriter, r *http.Request) {
	if s.pushWorker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "push not enabled"})
		return
	}
	if err := s.pushWorker.EnsureChannel(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.pushWorker.PublicKey()})
}

// pushSubscribeRequest mirrors the browser PushSubscription shape.
type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	UserAgent string `json:"userAgent,omitempty"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.pushWorker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "push not enabled"})
		return
	}
	var req pushSubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := s.pushWorker.Subscribe(r.Context(), req.Endpoint, req.Keys.P256dh, req.Keys.Auth, req.UserAgent)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sub.ID})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.pushWorker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "push not enabled"})
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.pushWorker.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// itemID parses and range-checks the {id} route parameter.
func itemID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 || id > model.DomainSize {
		respondError(w, perr.New(perr.ErrCodeValidation, "item id must be between 1 and 10"))
		return 0, false
	}
	return id, true
}
