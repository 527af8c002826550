// README: Mirrors the driver position of an active trip into Firebase RTDB for polling clients.
package location

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"

	"rideflow/internal/types"
)

// rtdbLocation is the node stored at trips/{id}/driver_location.
type rtdbLocation struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Bearing   *float64 `json:"bearing,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

type Mirror interface {
	Mirror(ctx context.Context, tripID types.ID, p Position) error
}

type RTDBMirror struct {
	client *db.Client
}

func NewRTDBMirror(client *db.Client) *RTDBMirror {
	return &RTDBMirror{client: client}
}

func (m *RTDBMirror) Mirror(ctx context.Context, tripID types.ID, p Position) error {
	ref := m.client.NewRef(fmt.Sprintf("trips/%s/driver_location", tripID))
	err := ref.Set(ctx, rtdbLocation{
		Lat:       p.Point.Lat,
		Lng:       p.Point.Lng,
		Bearing:   p.Bearing,
		Timestamp: p.At.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("mirror trip %s location: %w", tripID, err)
	}
	return nil
}
