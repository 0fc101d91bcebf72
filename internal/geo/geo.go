package geo

import (
	"fmt"
	"math"

	"github.com/example/roadside-assist/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by every distance in the service.
const EarthRadiusKm = 6371.0

// JitterDegrees is roughly 11 m at the equator.
const JitterDegrees = 0.0001

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// BearingDeg returns the initial forward azimuth from a to b, normalised to [0, 360).
func BearingDeg(from, to models.Coord) float64 {
	lat1 := toRad(from.Lat)
	lat2 := toRad(to.Lat)
	dLng := toRad(to.Lng - from.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// FormatDistance renders a distance for display: metres below 1 km, one
// decimal kilometre above.
func FormatDistance(km float64) string {
	if km < 0 {
		km = 0
	}
	if km < 1 {
		return fmt.Sprintf("%d m", int(math.Round(km*1000)))
	}
	return fmt.Sprintf("%.1f km", km)
}

// Moved reports whether b differs from a by at least minDeg on either axis.
func Moved(a, b models.Coord, minDeg float64) bool {
	return math.Abs(b.Lat-a.Lat) >= minDeg || math.Abs(b.Lng-a.Lng) >= minDeg
}

// Valid rejects out-of-range and null-island coordinates.
func Valid(c models.Coord) bool {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return false
	}
	return !(math.Abs(c.Lat) < 1e-6 && math.Abs(c.Lng) < 1e-6)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
