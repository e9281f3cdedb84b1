// Package rotation implements the non-repeating shuffle queue that picks
// "today's" parami. Everything here is pure: no I/O, no persistence. The
// caller owns the rotation state and decides when a day boundary gates an
// advance; calling Advance twice on the same state yields the same answer
// because state is passed and returned by value.
package rotation

import (
	"math/rand"
	"time"

	"github.com/odvcencio/parami/pkg/model"
)

// DateFormat is the local calendar date layout used for day-boundary
// comparisons.
const DateFormat = "2006-01-02"

// BuildQueue returns a uniformly random permutation of ids 1..n. When
// excludeID is in the domain, it is pinned to the last slot so it cannot
// recur until every other id has been served; the remaining n-1 ids are
// shuffled without bias.
func BuildQueue(n, excludeID int) []int {
	ids := make([]int, 0, n)
	for id := 1; id <= n; id++ {
		if id == excludeID {
			continue
		}
		ids = append(ids, id)
	}

	// Fisher-Yates over the non-excluded ids.
	for i := len(ids) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}

	if excludeID >= 1 && excludeID <= n {
		ids = append(ids, excludeID)
	}
	return ids
}

// Initialize returns a fresh rotation state over ids 1..n with nothing
// consumed yet.
func Initialize(n int) model.RotationState {
	return model.RotationState{
		Queue:    BuildQueue(n, 0),
		Position: 0,
	}
}

// Advance consumes the next slot of the queue and returns the served id
// together with the successor state. When the queue is exhausted it
// reshuffles, excluding the last-served id so the same item never shows
// on two consecutive days across the reshuffle boundary.
func Advance(rs model.RotationState) (int, model.RotationState) {
	n := len(rs.Queue)
	if n == 0 {
		rs = Initialize(model.DomainSize)
		n = len(rs.Queue)
	}

	if rs.Position < n {
		id := rs.Queue[rs.Position]
		next := rs
		next.Position = rs.Position + 1
		return id, next
	}

	last := rs.Queue[n-1]
	next := model.RotationState{
		Queue:           BuildQueue(n, last),
		Position:        1,
		LastRefreshDate: rs.LastRefreshDate,
	}
	return next.Queue[0], next
}

// Current returns the most recently served id, or false when nothing has
// been served from this queue yet.
func Current(rs model.RotationState) (int, bool) {
	if rs.Position < 1 || rs.Position > len(rs.Queue) {
		return 0, false
	}
	return rs.Queue[rs.Position-1], true
}

// ShouldAdvanceForNewDay reports whether the daily advance is due: true
// when no advance has ever happened or the recorded date differs from
// now's local calendar date.
func ShouldAdvanceForNewDay(lastRefreshDate string, now time.Time) bool {
	if lastRefreshDate == "" {
		return true
	}
	return lastRefreshDate != now.Format(DateFormat)
}
