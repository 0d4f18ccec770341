// README: Station master data model (win queueing points).
package station

import "mywin/internal/types"

// Station is a fixed geographic queueing point ("win") where idle drivers
// congregate. Master data is immutable at runtime; CRUD happens elsewhere.
type Station struct {
	ID                 types.ID
	Name               string
	Centroid           types.Point
	AcceptRadiusMeters float64
}
