// README: Live driver state: status values and the per-cycle candidate snapshot.
package driver

import (
	"mywin/internal/modules/queue"
	"mywin/internal/types"
)

// Status values stored in the driver stats hash. The queue scripts key their
// availability checks off these exact strings.
const (
	StatusIdle    = "idle"
	StatusOffered = "offered"
	StatusBusy    = "busy"
)

// Snapshot is one available driver as seen by a dispatch cycle: queue
// attributes plus last known position. StationID is empty for roaming
// drivers.
type Snapshot struct {
	queue.Entry
	Position types.Point
}

// OnlineResult tells the driver app where it landed after going online.
type OnlineResult struct {
	Queued    bool
	StationID types.ID
}
