package geo

import (
	"math"
	"testing"

	"mywin/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a         types.Point
		b         types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 13.7563, Lng: 100.5018},
			b:         types.Point{Lat: 13.7563, Lng: 100.5018},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Phra Nakhon to Victory Monument (~4km)",
			a:         types.Point{Lat: 13.7563, Lng: 100.5018},
			b:         types.Point{Lat: 13.7650, Lng: 100.5380},
			wantKm:    4.0,
			tolerance: 0.5,
		},
		{
			name:      "Bangkok to Chiang Mai (~580km)",
			a:         types.Point{Lat: 13.7563, Lng: 100.5018},
			b:         types.Point{Lat: 18.7883, Lng: 98.9853},
			wantKm:    580,
			tolerance: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 13.7, Lng: 100.5}
	b := types.Point{Lat: 14.7, Lng: 101.5}
	d1 := HaversineKm(a, b)
	d2 := HaversineKm(b, a)
	if math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestHaversineMeters_ShortRange(t *testing.T) {
	// Roughly 111m per 0.001 degree of latitude.
	a := types.Point{Lat: 13.7563, Lng: 100.5018}
	b := types.Point{Lat: 13.7573, Lng: 100.5018}
	got := HaversineMeters(a, b)
	if math.Abs(got-111) > 2 {
		t.Errorf("HaversineMeters() = %f, want ~111", got)
	}
}

func TestSortByDistance(t *testing.T) {
	type cand struct {
		id   string
		dist float64
	}
	items := []cand{
		{id: "c", dist: 5.0},
		{id: "a", dist: 1.0},
		{id: "b", dist: 3.0},
	}

	SortByDistance(items, func(c cand) float64 { return c.dist })

	if items[0].id != "a" || items[1].id != "b" || items[2].id != "c" {
		t.Errorf("unexpected sort order: %v", items)
	}
}

func TestSortByDistance_Empty(t *testing.T) {
	var items []struct{ d float64 }
	SortByDistance(items, func(i struct{ d float64 }) float64 { return i.d })
}
