// README: Geo helper tests.
package types

import (
	"math"
	"testing"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         Point{Lat: 25.033, Lng: 121.565},
			b:         Point{Lat: 25.033, Lng: 121.565},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Taipei 101 to Taipei Main Station",
			a:         Point{Lat: 25.0340, Lng: 121.5645},
			b:         Point{Lat: 25.0478, Lng: 121.5170},
			wantKm:    5.0,
			tolerance: 0.5,
		},
		{
			name:      "New York to Los Angeles",
			a:         Point{Lat: 40.7128, Lng: -74.0060},
			b:         Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
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
	a := Point{Lat: 25.0, Lng: 121.0}
	b := Point{Lat: 26.0, Lng: 122.0}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestInitialBearing_Cardinal(t *testing.T) {
	origin := Point{Lat: 0, Lng: 0}
	tests := []struct {
		name string
		to   Point
		want float64
	}{
		{"north", Point{Lat: 1, Lng: 0}, 0},
		{"east", Point{Lat: 0, Lng: 1}, 90},
		{"south", Point{Lat: -1, Lng: 0}, 180},
		{"west", Point{Lat: 0, Lng: -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InitialBearing(origin, tt.to)
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("InitialBearing() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestPointValid(t *testing.T) {
	if !(Point{Lat: 25, Lng: 121}).Valid() {
		t.Error("expected valid point")
	}
	if (Point{Lat: 91, Lng: 0}).Valid() {
		t.Error("latitude out of range accepted")
	}
	if (Point{Lat: 0, Lng: math.NaN()}).Valid() {
		t.Error("NaN accepted")
	}
}

func TestSortByDistance(t *testing.T) {
	type row struct {
		id string
		d  float64
	}
	rows := []row{{"c", 5}, {"a", 1}, {"b", 3}}
	SortByDistance(rows, func(r row) float64 { return r.d })
	if rows[0].id != "a" || rows[1].id != "b" || rows[2].id != "c" {
		t.Errorf("unexpected sort order: %v", rows)
	}
}
