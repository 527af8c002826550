// README: Candidate index backed by Redis GEO, one sorted set per layer and vehicle type.
package matching

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const (
	geoKeyFormat     = "matching:%s:%s"
	vehicleKeyFormat = "matching:%s:vehicle"
)

type RedisIndex struct {
	redis *redis.Client
}

func NewRedisIndex(redis *redis.Client) *RedisIndex {
	return &RedisIndex{redis: redis}
}

// Upsert moves the entry to its vehicle key, dropping it from a previous one.
func (s *RedisIndex) Upsert(ctx context.Context, layer Layer, e Entry) error {
	prev, err := s.redis.HGet(ctx, vehicleKey(layer), string(e.ID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lookup vehicle for %s: %w", e.ID, err)
	}

	pipe := s.redis.TxPipeline()
	if prev != "" && prev != e.VehicleType {
		pipe.ZRem(ctx, geoKey(layer, prev), string(e.ID))
	}
	pipe.HSet(ctx, vehicleKey(layer), string(e.ID), e.VehicleType)
	pipe.GeoAdd(ctx, geoKey(layer, e.VehicleType), &redis.GeoLocation{
		Name:      string(e.ID),
		Longitude: e.Point.Lng,
		Latitude:  e.Point.Lat,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index %s %s: %w", layer, e.ID, err)
	}
	return nil
}

func (s *RedisIndex) Remove(ctx context.Context, layer Layer, id types.ID) error {
	vehicle, err := s.redis.HGet(ctx, vehicleKey(layer), string(id)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup vehicle for %s: %w", id, err)
	}
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, geoKey(layer, vehicle), string(id))
	pipe.HDel(ctx, vehicleKey(layer), string(id))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisIndex) Within(ctx context.Context, layer Layer, vehicleType string, center types.Point, radiusKm float64) ([]Hit, error) {
	results, err := s.redis.GeoSearchLocation(ctx, geoKey(layer, vehicleType), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", layer, err)
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: types.ID(r.Name), DistanceKm: r.Dist}
	}
	return hits, nil
}

func geoKey(layer Layer, vehicleType string) string {
	return fmt.Sprintf(geoKeyFormat, layer, vehicleType)
}

func vehicleKey(layer Layer) string {
	return fmt.Sprintf(vehicleKeyFormat, layer)
}
