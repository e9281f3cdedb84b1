// Package model defines the shared data types for the parami content
// service: the versioned content snapshot, the rotation state driving
// daily selection, and the persisted user preferences record.
package model

import "time"

// DomainSize is the number of paramis in the fixed content domain.
// Item ids run 1..DomainSize.
const DomainSize = 10

// Parami is a single daily content item.
type Parami struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Pali        string `json:"pali,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

// PracticeEntry is one suggested practice belonging to a parami.
type PracticeEntry struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// RemoteMetadata is the version document published by the remote source.
type RemoteMetadata struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// ContentSnapshot is the cache's unit of truth: an immutable, versioned
// copy of all content. Version 0 is reserved for the bundled offline
// defaults. Updates replace the whole snapshot; nothing mutates one in
// place after construction.
type ContentSnapshot struct {
	Version           int                     `json:"version"`
	LastFetched       time.Time               `json:"lastFetched"`
	Paramis           []Parami                `json:"paramis"`
	ExpandedPractices map[int][]PracticeEntry `json:"expandedPractices"`
	Metadata          *RemoteMetadata         `json:"metadata,omitempty"`
}

// Parami returns the item with the given id, if present.
func (s *ContentSnapshot) Parami(id int) (Parami, bool) {
	if s == nil {
		return Parami{}, false
	}
	for _, p := range s.Paramis {
		if p.ID == id {
			return p, true
		}
	}
	return Parami{}, false
}

// Practices returns the expanded practice set for an item id.
func (s *ContentSnapshot) Practices(id int) []PracticeEntry {
	if s == nil {
		return nil
	}
	return s.ExpandedPractices[id]
}

// RotationState drives "today's item" selection: a permutation of the id
// domain plus a cursor. Position points at the next unread slot, so the
// most recently served id sits at Queue[Position-1].
type RotationState struct {
	Queue           []int
	Position        int
	LastRefreshDate string // local calendar date, YYYY-MM-DD
}

// Preferences is the single persisted user preferences record. It is
// read and written atomically as a whole; field names match the wire
// format consumed by clients.
type Preferences struct {
	NotificationTime     string           `json:"notificationTime"`
	NotificationsEnabled bool             `json:"notificationsEnabled"`
	ParamiQueue          []int            `json:"paramiQueue,omitempty"`
	QueuePosition        int              `json:"queuePosition,omitempty"`
	LastQueueRefreshDate string           `json:"lastQueueRefreshDate,omitempty"`
	LastViewedDate       string           `json:"lastViewedDate,omitempty"`
	LastViewedParamiID   int              `json:"lastViewedParamiId,omitempty"`
	CustomPractices      map[int]string   `json:"customPractices,omitempty"`
	CheckedPractices     map[int][]string `json:"checkedPractices,omitempty"`
}

// DefaultPreferences returns the record used before the user has saved
// anything.
func DefaultPreferences() Preferences {
	return Preferences{
		NotificationTime:     "09:00",
		NotificationsEnabled: true,
	}
}

// Rotation extracts the rotation state embedded in the preferences
// record. Returns false when no queue has been persisted yet.
func (p *Preferences) Rotation() (RotationState, bool) {
	if p == nil || len(p.ParamiQueue) == 0 {
		return RotationState{}, false
	}
	queue := make([]int, len(p.ParamiQueue))
	copy(queue, p.ParamiQueue)
	return RotationState{
		Queue:           queue,
		Position:        p.QueuePosition,
		LastRefreshDate: p.LastQueueRefreshDate,
	}, true
}

// SetRotation stores a rotation state back into the preferences record.
func (p *Preferences) SetRotation(rs RotationState) {
	queue := make([]int, len(rs.Queue))
	copy(queue, rs.Queue)
	p.ParamiQueue = queue
	p.QueuePosition = rs.Position
	p.LastQueueRefreshDate = rs.LastRefreshDate
}
