// README: Matching queries, candidates and the spatial index contract.
package matching

import (
	"context"

	"rideflow/internal/config"
	"rideflow/internal/modules/registry"
	"rideflow/internal/types"
)

// Layer separates live driver positions from destination-mode targets.
type Layer string

const (
	LayerPositions    Layer = "positions"
	LayerDestinations Layer = "destinations"
)

type Entry struct {
	ID          types.ID
	VehicleType string
	Point       types.Point
}

type Hit struct {
	ID         types.ID
	DistanceKm float64
}

// Index answers radius queries without scanning every driver.
type Index interface {
	Upsert(ctx context.Context, layer Layer, e Entry) error
	Remove(ctx context.Context, layer Layer, id types.ID) error
	// Within returns hits sorted by ascending distance from center.
	Within(ctx context.Context, layer Layer, vehicleType string, center types.Point, radiusKm float64) ([]Hit, error)
}

type Query struct {
	Pickup      types.Point
	Drop        types.Point
	VehicleType string
	Category    types.Category
	SameDay     bool
}

type Candidate struct {
	DriverID types.ID
	Driver   *registry.Driver
	// DistanceKm is measured from the driver (or its target for secondary hits) to the query point.
	DistanceKm         float64
	IsDestinationMatch bool
}

type Result struct {
	Primary   []Candidate
	Secondary []Candidate
}

// All returns every candidate once, primary first.
func (r Result) All() []Candidate {
	out := make([]Candidate, 0, len(r.Primary)+len(r.Secondary))
	out = append(out, r.Primary...)
	return append(out, r.Secondary...)
}

func (r Result) DriverIDs() []types.ID {
	all := r.All()
	ids := make([]types.ID, len(all))
	for i, c := range all {
		ids[i] = c.DriverID
	}
	return ids
}

// RadiusKm returns the pickup search radius for a trip category.
func RadiusKm(cfg config.MatchingConfig, category types.Category, sameDay bool) float64 {
	switch category {
	case types.CategoryParcel:
		return cfg.ParcelRadiusKm
	case types.CategoryLong:
		if sameDay {
			return cfg.LongSameDayRadiusKm
		}
		return cfg.LongRadiusKm
	default:
		return cfg.ShortRadiusKm
	}
}
