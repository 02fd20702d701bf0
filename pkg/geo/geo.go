package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineKm calculates the great-circle distance in kilometres between two
// coordinates. The result is symmetric in its arguments.
func HaversineKm(p, q Point) float64 {
	dLat := toRadians(q.Lat - p.Lat)
	dLng := toRadians(q.Lng - p.Lng)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(p.Lat))*math.Cos(toRadians(q.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Quantize rounds each coordinate to 10^-n degrees. n=4 gives roughly 10 m
// buckets, which is what the ETA cache keys on.
func Quantize(p Point, n int) Point {
	factor := math.Pow(10, float64(n))
	return Point{
		Lat: math.Round(p.Lat*factor) / factor,
		Lng: math.Round(p.Lng*factor) / factor,
	}
}

// TripClass buckets a trip by its direct distance.
type TripClass string

const (
	TripShort  TripClass = "short"  // < 3 km
	TripMedium TripClass = "medium" // 3-10 km
	TripLong   TripClass = "long"   // > 10 km
)

// ClassifyTrip returns the trip class for a direct distance in kilometres.
func ClassifyTrip(distanceKm float64) TripClass {
	switch {
	case distanceKm < 3:
		return TripShort
	case distanceKm <= 10:
		return TripMedium
	default:
		return TripLong
	}
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
