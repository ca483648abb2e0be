// Package geofence evaluates whether a coordinate lies inside a task's
// circular site boundary.
package geofence

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by the Haversine formula.
const EarthRadiusMeters = 6371000.0

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidRadius     = errors.New("invalid radius")
)

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Result is the outcome of a single geofence evaluation.
type Result struct {
	Inside         bool    `json:"inside"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Evaluate reports whether user is within radiusKm of site.
// Inputs must already have passed ValidateCoordinate and ValidateRadius.
func Evaluate(user, site Coordinate, radiusKm float64) Result {
	d := Distance(user, site)
	return Result{
		Inside:         d <= radiusKm*1000,
		DistanceMeters: d,
	}
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ValidateCoordinate rejects non-finite or out-of-range coordinates.
func ValidateCoordinate(c Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("%w: non-finite value (%v, %v)", ErrInvalidCoordinate, c.Lat, c.Lng)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Lng)
	}
	return nil
}

// ValidateRadius rejects non-finite or non-positive radii (kilometers).
func ValidateRadius(km float64) error {
	if math.IsNaN(km) || math.IsInf(km, 0) || km <= 0 {
		return fmt.Errorf("%w: %v km", ErrInvalidRadius, km)
	}
	return nil
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
