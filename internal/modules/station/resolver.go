// README: Geofence resolver assigns a point to the first station whose radius contains it.
package station

import (
	"sort"

	"mywin/internal/geo"
	"mywin/internal/types"
)

// DefaultAcceptRadiusMeters applies when a station row carries no radius.
const DefaultAcceptRadiusMeters = 100.0

// Resolver answers "which win does this point belong to". It holds an
// immutable snapshot of the station master data; construct a new Resolver to
// pick up station changes.
type Resolver struct {
	stations []Station
}

func NewResolver(stations []Station) *Resolver {
	snap := make([]Station, len(stations))
	copy(snap, stations)
	// Stable scan order regardless of how the caller loaded the rows.
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	for i := range snap {
		if snap[i].AcceptRadiusMeters <= 0 {
			snap[i].AcceptRadiusMeters = DefaultAcceptRadiusMeters
		}
	}
	return &Resolver{stations: snap}
}

// Resolve returns the nearest station whose acceptance radius contains the
// point. ok=false means the point is roaming: outside every win.
func (r *Resolver) Resolve(p types.Point) (types.ID, bool) {
	type hit struct {
		id   types.ID
		dist float64
	}
	var hits []hit
	for _, st := range r.stations {
		if d := geo.HaversineMeters(p, st.Centroid); d <= st.AcceptRadiusMeters {
			hits = append(hits, hit{id: st.ID, dist: d})
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	// Stations scan in id order and the sort is stable, so an exact distance
	// tie between overlapping wins falls to the lower id.
	geo.SortByDistance(hits, func(h hit) float64 { return h.dist })
	return hits[0].id, true
}

// Get returns the station with the given id.
func (r *Resolver) Get(id types.ID) (Station, bool) {
	for _, st := range r.stations {
		if st.ID == id {
			return st, true
		}
	}
	return Station{}, false
}

// All returns the resolver's station snapshot in scan order.
func (r *Resolver) All() []Station {
	out := make([]Station, len(r.stations))
	copy(out, r.stations)
	return out
}
