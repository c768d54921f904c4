// Package coord implements the fleet coordination engine: pairwise
// separation prediction, collision alerts, and avoidance maneuvers.
package coord

import (
	"math"

	"github.com/TejasSiv/fleetcore/internal/fleet"
)

const (
	earthRadiusMeters = 6_371_000
	degToRad          = math.Pi / 180
	radToDeg          = 180 / math.Pi
)

// HaversineMeters returns the great-circle distance between two points
// in meters.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Separation3D combines horizontal great-circle distance with altitude
// difference orthogonally.
func Separation3D(a, b fleet.Position) float64 {
	horizontal := HaversineMeters(a.Lat, a.Lng, b.Lat, b.Lng)
	vertical := a.Alt - b.Alt
	return math.Hypot(horizontal, vertical)
}

// Project returns the position reached by travelling distance meters
// from p along the given heading. Altitude is held constant.
func Project(p fleet.Position, headingDeg, distance float64) fleet.Position {
	if distance == 0 {
		return p
	}

	lat1 := p.Lat * degToRad
	lng1 := p.Lng * degToRad
	brng := headingDeg * degToRad
	d := distance / earthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lng2 := lng1 + math.Atan2(
		math.Sin(brng)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2),
	)

	return fleet.Position{
		Lat: lat2 * radToDeg,
		Lng: math.Mod(lng2*radToDeg+540, 360) - 180,
		Alt: p.Alt,
	}
}

// Bearing returns the initial bearing in degrees [0, 360) from a to b.
func Bearing(a, b fleet.Position) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLng := (b.Lng - a.Lng) * degToRad

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	return math.Mod(math.Atan2(y, x)*radToDeg+360, 360)
}

// normalizeHeading wraps a heading into [0, 360).
func normalizeHeading(deg float64) float64 {
	return math.Mod(math.Mod(deg, 360)+360, 360)
}
