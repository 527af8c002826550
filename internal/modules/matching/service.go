// README: Matching service selects primary and destination-mode candidates for a trip.
package matching

import (
	"context"
	"fmt"

	"rideflow/internal/config"
	"rideflow/internal/modules/registry"
	"rideflow/internal/types"
)

// DriverSource loads authoritative driver records for index hits.
type DriverSource interface {
	Drivers(ctx context.Context, ids []types.ID) ([]*registry.Driver, error)
}

// Reachability tells whether at least one delivery path exists for a user.
type Reachability interface {
	Reachable(userID types.ID, pushToken string) bool
}

type Service struct {
	index   Index
	drivers DriverSource
	reach   Reachability
	cfg     config.MatchingConfig
}

func NewService(index Index, drivers DriverSource, reach Reachability, cfg config.MatchingConfig) *Service {
	return &Service{index: index, drivers: drivers, reach: reach, cfg: cfg}
}

// NewIndex builds the index backend named by cfg.Index.
func NewIndex(cfg config.MatchingConfig, redisIndex func() Index) (Index, error) {
	switch cfg.Index {
	case "redis":
		return redisIndex(), nil
	case "rtree":
		return NewRTreeIndex(), nil
	case "geohash":
		return NewGeohashIndex(), nil
	}
	return nil, fmt.Errorf("unknown index %q", cfg.Index)
}

// Match returns the candidates for q. A driver found by both searches is
// listed once, in Primary, flagged as a destination match.
func (s *Service) Match(ctx context.Context, q Query) (Result, error) {
	radius := RadiusKm(s.cfg, q.Category, q.SameDay)
	primaryHits, err := s.index.Within(ctx, LayerPositions, q.VehicleType, q.Pickup, radius)
	if err != nil {
		return Result{}, err
	}
	destHits, err := s.index.Within(ctx, LayerDestinations, q.VehicleType, q.Drop, s.cfg.DestinationRadiusKm)
	if err != nil {
		return Result{}, err
	}
	if len(primaryHits) == 0 && len(destHits) == 0 {
		return Result{}, nil
	}

	ids := make([]types.ID, 0, len(primaryHits)+len(destHits))
	seen := make(map[types.ID]bool, cap(ids))
	for _, h := range append(append([]Hit{}, primaryHits...), destHits...) {
		if !seen[h.ID] {
			seen[h.ID] = true
			ids = append(ids, h.ID)
		}
	}
	records, err := s.drivers.Drivers(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("load candidates: %w", err)
	}
	byID := make(map[types.ID]*registry.Driver, len(records))
	for _, d := range records {
		byID[d.ID] = d
	}

	destMatch := make(map[types.ID]bool, len(destHits))
	for _, h := range destHits {
		if d := byID[h.ID]; d != nil && d.Destination.Enabled && s.eligible(d, q) {
			destMatch[h.ID] = true
		}
	}

	var res Result
	inPrimary := make(map[types.ID]bool, len(primaryHits))
	for _, h := range primaryHits {
		d := byID[h.ID]
		if d == nil || !s.eligible(d, q) {
			continue
		}
		inPrimary[h.ID] = true
		res.Primary = append(res.Primary, Candidate{
			DriverID:           d.ID,
			Driver:             d,
			DistanceKm:         h.DistanceKm,
			IsDestinationMatch: destMatch[h.ID],
		})
	}
	for _, h := range destHits {
		if !destMatch[h.ID] || inPrimary[h.ID] {
			continue
		}
		d := byID[h.ID]
		res.Secondary = append(res.Secondary, Candidate{
			DriverID:           d.ID,
			Driver:             d,
			DistanceKm:         h.DistanceKm,
			IsDestinationMatch: true,
		})
	}
	return res, nil
}

func (s *Service) eligible(d *registry.Driver, q Query) bool {
	return d.Dispatchable() && d.VehicleType == q.VehicleType && s.reach.Reachable(d.ID, d.PushToken)
}

// The methods below keep the index in sync with registry presence.

func (s *Service) TrackDriver(ctx context.Context, id types.ID, vehicleType string, p types.Point) error {
	return s.index.Upsert(ctx, LayerPositions, Entry{ID: id, VehicleType: vehicleType, Point: p})
}

func (s *Service) TrackDestination(ctx context.Context, id types.ID, vehicleType string, p types.Point) error {
	return s.index.Upsert(ctx, LayerDestinations, Entry{ID: id, VehicleType: vehicleType, Point: p})
}

func (s *Service) Untrack(ctx context.Context, id types.ID) error {
	return s.index.Remove(ctx, LayerPositions, id)
}

func (s *Service) UntrackDestination(ctx context.Context, id types.ID) error {
	return s.index.Remove(ctx, LayerDestinations, id)
}
