// README: In-process candidate index on an R-tree (rtreego); for single-node deployments and tests.
package matching

import (
	"context"
	"math"
	"sync"

	"github.com/dhconnelly/rtreego"

	"rideflow/internal/types"
)

const (
	kmPerDegreeLat = 111.32
	// pointTolerance gives each point a tiny non-degenerate box.
	pointTolerance = 1e-7
)

type rtreeEntry struct {
	Entry
	rect rtreego.Rect
}

func (e *rtreeEntry) Bounds() rtreego.Rect { return e.rect }

type RTreeIndex struct {
	mu      sync.RWMutex
	trees   map[Layer]*rtreego.Rtree
	entries map[Layer]map[types.ID]*rtreeEntry
}

func NewRTreeIndex() *RTreeIndex {
	return &RTreeIndex{
		trees: map[Layer]*rtreego.Rtree{
			LayerPositions:    rtreego.NewTree(2, 25, 50),
			LayerDestinations: rtreego.NewTree(2, 25, 50),
		},
		entries: map[Layer]map[types.ID]*rtreeEntry{
			LayerPositions:    {},
			LayerDestinations: {},
		},
	}
}

func (x *RTreeIndex) Upsert(_ context.Context, layer Layer, e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.entries[layer][e.ID]; ok {
		x.trees[layer].Delete(old)
	}
	entry := &rtreeEntry{
		Entry: e,
		rect:  rtreego.Point{e.Point.Lat, e.Point.Lng}.ToRect(pointTolerance),
	}
	x.trees[layer].Insert(entry)
	x.entries[layer][e.ID] = entry
	return nil
}

func (x *RTreeIndex) Remove(_ context.Context, layer Layer, id types.ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.entries[layer][id]; ok {
		x.trees[layer].Delete(old)
		delete(x.entries[layer], id)
	}
	return nil
}

func (x *RTreeIndex) Within(_ context.Context, layer Layer, vehicleType string, center types.Point, radiusKm float64) ([]Hit, error) {
	box, err := boundingRect(center, radiusKm)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	found := x.trees[layer].SearchIntersect(box)
	x.mu.RUnlock()

	hits := make([]Hit, 0, len(found))
	for _, s := range found {
		e := s.(*rtreeEntry)
		if e.VehicleType != vehicleType {
			continue
		}
		// The box over-approximates the circle; trim the corners.
		if d := types.HaversineKm(center, e.Point); d <= radiusKm {
			hits = append(hits, Hit{ID: e.ID, DistanceKm: d})
		}
	}
	types.SortByDistance(hits, func(h Hit) float64 { return h.DistanceKm })
	return hits, nil
}

func boundingRect(center types.Point, radiusKm float64) (rtreego.Rect, error) {
	dLat := radiusKm / kmPerDegreeLat
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	dLng := 180.0
	if cosLat > 1e-6 {
		dLng = math.Min(180, radiusKm/(kmPerDegreeLat*cosLat))
	}
	origin := rtreego.Point{center.Lat - dLat, center.Lng - dLng}
	return rtreego.NewRect(origin, []float64{2 * dLat, 2 * dLng})
}
