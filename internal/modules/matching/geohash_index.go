// README: In-process candidate index bucketed by geohash cell (mmcloughlin/geohash).
package matching

import (
	"context"
	"math"
	"sync"

	"github.com/mmcloughlin/geohash"

	"rideflow/internal/types"
)

// cellPrecisions lists the indexed geohash lengths from fine to coarse.
var cellPrecisions = []uint{6, 5, 4, 3, 2}

type geohashEntry struct {
	Entry
	cells map[uint]string
}

type GeohashIndex struct {
	mu      sync.RWMutex
	entries map[Layer]map[types.ID]*geohashEntry
	// buckets[layer][precision][cell] -> ids
	buckets map[Layer]map[uint]map[string]map[types.ID]struct{}
}

func NewGeohashIndex() *GeohashIndex {
	x := &GeohashIndex{
		entries: map[Layer]map[types.ID]*geohashEntry{},
		buckets: map[Layer]map[uint]map[string]map[types.ID]struct{}{},
	}
	for _, layer := range []Layer{LayerPositions, LayerDestinations} {
		x.entries[layer] = map[types.ID]*geohashEntry{}
		x.buckets[layer] = map[uint]map[string]map[types.ID]struct{}{}
		for _, chars := range cellPrecisions {
			x.buckets[layer][chars] = map[string]map[types.ID]struct{}{}
		}
	}
	return x
}

func (x *GeohashIndex) Upsert(_ context.Context, layer Layer, e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(layer, e.ID)
	entry := &geohashEntry{Entry: e, cells: make(map[uint]string, len(cellPrecisions))}
	for _, chars := range cellPrecisions {
		cell := geohash.EncodeWithPrecision(e.Point.Lat, e.Point.Lng, chars)
		entry.cells[chars] = cell
		bucket := x.buckets[layer][chars][cell]
		if bucket == nil {
			bucket = map[types.ID]struct{}{}
			x.buckets[layer][chars][cell] = bucket
		}
		bucket[e.ID] = struct{}{}
	}
	x.entries[layer][e.ID] = entry
	return nil
}

func (x *GeohashIndex) Remove(_ context.Context, layer Layer, id types.ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(layer, id)
	return nil
}

func (x *GeohashIndex) removeLocked(layer Layer, id types.ID) {
	old, ok := x.entries[layer][id]
	if !ok {
		return
	}
	for chars, cell := range old.cells {
		bucket := x.buckets[layer][chars][cell]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(x.buckets[layer][chars], cell)
		}
	}
	delete(x.entries[layer], id)
}

func (x *GeohashIndex) Within(_ context.Context, layer Layer, vehicleType string, center types.Point, radiusKm float64) ([]Hit, error) {
	// The centre cell plus its eight neighbours covers any radius up to the
	// cell's shorter side.
	chars := cellPrecisions[len(cellPrecisions)-1]
	for _, c := range cellPrecisions {
		if radiusKm <= cellSideKm(c, center.Lat) {
			chars = c
			break
		}
	}

	centre := geohash.EncodeWithPrecision(center.Lat, center.Lng, chars)
	cells := append([]string{centre}, geohash.Neighbors(centre)...)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []Hit
	for _, cell := range cells {
		for id := range x.buckets[layer][chars][cell] {
			e := x.entries[layer][id]
			if e.VehicleType != vehicleType {
				continue
			}
			if d := types.HaversineKm(center, e.Point); d <= radiusKm {
				hits = append(hits, Hit{ID: id, DistanceKm: d})
			}
		}
	}
	types.SortByDistance(hits, func(h Hit) float64 { return h.DistanceKm })
	return hits, nil
}

func cellSideKm(chars uint, lat float64) float64 {
	bits := 5 * chars
	lngBits, latBits := (bits+1)/2, bits/2
	latKm := 180 / math.Pow(2, float64(latBits)) * kmPerDegreeLat
	lngKm := 360 / math.Pow(2, float64(lngBits)) * kmPerDegreeLat * math.Cos(lat*math.Pi/180)
	return math.Min(latKm, lngKm)
}
