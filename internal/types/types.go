// README: Shared value types used across modules (IDs, roles, points, places).
package types

import "math"

type ID string

// Role is the caller role resolved from the identity token.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleSystem   Role = "system"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a usable WGS84 coordinate.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Place is a point plus the human readable address shown to the counterpart.
type Place struct {
	Point
	Address string `json:"address"`
}

// Category is the trip category; it selects the matching radius.
type Category string

const (
	CategoryShort  Category = "short"
	CategoryParcel Category = "parcel"
	CategoryLong   Category = "long"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryShort, CategoryParcel, CategoryLong:
		return true
	}
	return false
}
