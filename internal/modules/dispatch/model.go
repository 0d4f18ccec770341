// README: Dispatch domain model: ride requests, match records, offers, driver events.
package dispatch

import (
	"time"

	"mywin/internal/types"
)

// RideRequest is one pending pickup. It lives only inside the dispatch
// pending set; a failed match simply stays pending for the next cycle.
// TargetStationID empty means "match me by radius", set means "only drivers
// queued at that win".
type RideRequest struct {
	RiderID         types.ID
	Pickup          types.Point
	RequestedAt     time.Time
	TargetStationID types.ID
}

// WaitSeconds is how long the rider has been waiting at the given instant.
func (r RideRequest) WaitSeconds(now time.Time) int {
	w := int(now.Sub(r.RequestedAt).Seconds())
	if w < 0 {
		return 0
	}
	return w
}

// MatchRecord is the append-only audit trail of one successful match.
// CompetingCandidates is the number of rivals the winner beat (candidate set
// size minus one), so operators can tell a walkover from a contested win.
type MatchRecord struct {
	ID                  types.ID
	RiderID             types.ID
	DriverID            types.ID
	StationID           types.ID
	DistanceKm          float64
	RiderWaitSeconds    int
	FairnessScore       float64
	CompetingCandidates int
	MatchedAt           time.Time
}

// Offer is an in-flight match waiting for the driver's answer.
type Offer struct {
	TripID    types.ID
	RiderID   types.ID
	DriverID  types.ID
	StationID types.ID
	Request   RideRequest
	ExpiresAt time.Time
}

// EventKind enumerates the out-of-band driver events the dispatch loop
// consumes.
type EventKind string

const (
	EventAccept   EventKind = "accept"
	EventReject   EventKind = "reject"
	EventCancel   EventKind = "cancel"
	EventComplete EventKind = "complete"
)

// DriverEvent is a typed message delivered to the dispatch loop. Events are
// consumed by the same goroutine that runs cycles, so handling never
// interleaves with a cycle's candidate snapshot.
type DriverEvent struct {
	Kind     EventKind
	TripID   types.ID
	DriverID types.ID
	RiderID  types.ID
	At       time.Time
}
