// README: Common identifier and coordinate types shared across modules.
package types

// ID identifies drivers, riders, stations, and trips.
type ID string

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}
