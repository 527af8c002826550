// README: Pickup ETA from Google Directions, falling back to straight-line distance at a fixed speed.
package maps

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"googlemaps.github.io/maps"

	"rideflow/internal/types"
)

// Directions is the part of *maps.Client the ETA needs.
type Directions interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

type RouteService struct {
	client       Directions
	fallbackKmph float64
	log          *logrus.Entry
}

// NewRouteService creates a RouteService. An empty apiKey disables the
// Directions call and every estimate uses the fallback speed.
func NewRouteService(apiKey string, fallbackKmph float64, log *logrus.Entry) (*RouteService, error) {
	s := &RouteService{fallbackKmph: fallbackKmph, log: log.WithField("module", "maps")}
	if apiKey == "" {
		return s, nil
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	s.client = client
	return s, nil
}

// PickupETA estimates the driving time from a driver at from to the pickup at to.
func (s *RouteService) PickupETA(ctx context.Context, from, to types.Point) (time.Duration, error) {
	if s.client != nil {
		d, err := s.drivingDuration(ctx, from, to)
		if err == nil {
			return d, nil
		}
		s.log.WithError(err).Debug("directions unavailable; using straight-line estimate")
	}
	return s.straightLine(from, to)
}

func (s *RouteService) drivingDuration(ctx context.Context, from, to types.Point) (time.Duration, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	return routes[0].Legs[0].Duration, nil
}

func (s *RouteService) straightLine(from, to types.Point) (time.Duration, error) {
	if s.fallbackKmph <= 0 {
		return 0, fmt.Errorf("no fallback speed configured")
	}
	hours := types.HaversineKm(from, to) / s.fallbackKmph
	return time.Duration(hours * float64(time.Hour)).Round(time.Second), nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
