// README: Queue entry snapshot and per-station queue position.
package queue

import (
	"time"

	"mywin/internal/types"
)

// Entry is the queue-relevant snapshot of a driver. LastTripAt, TripsToday,
// and Rating are captured from the driver stats at join time; JoinedAt resets
// on every (re)join.
type Entry struct {
	DriverID   types.ID
	StationID  types.ID
	JoinedAt   time.Time
	LastTripAt time.Time
	TripsToday int
	Rating     float64
}

// Position reports where a driver currently sits in its station queue.
type Position struct {
	StationID types.ID
	// Rank is 1-based; 1 means next to be dispatched.
	Rank int64
	// StoredRank is the raw sorted-set value (fixed score minus the join-time
	// idle offset). Useful for operators comparing two drivers directly.
	StoredRank float64
}
