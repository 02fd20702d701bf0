// Package eta implements the hybrid travel-time oracle: geodesic estimation
// for short hops, a two-tier cache for repeated corridors, and a budgeted
// external road-network provider for everything else.
package eta

import (
	"time"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
)

// Source tags the provenance of an ETA result.
type Source string

const (
	SourceEstimated Source = "ESTIMATED"
	SourceCached    Source = "CACHED"
	SourceExternal  Source = "EXTERNAL"
)

// Result is a resolved travel estimate.
type Result struct {
	DurationS int    `json:"duration_s"`
	DistanceM int    `json:"distance_m"`
	Source    Source `json:"source"`
}

// Minutes returns the duration rounded up to whole minutes, for rider-facing
// payloads.
func (r Result) Minutes() int {
	return (r.DurationS + 59) / 60
}

// CacheKey identifies a cached route: both endpoints quantized to 10^-4
// degrees plus the hour of day the estimate was made for.
type CacheKey struct {
	OriginLat float64
	OriginLng float64
	DestLat   float64
	DestLng   float64
	Hour      int
}

// NewCacheKey quantizes both endpoints and binds the key to an hour.
func NewCacheKey(origin, dest geo.Point, hour int) CacheKey {
	o := geo.Quantize(origin, 4)
	d := geo.Quantize(dest, 4)
	return CacheKey{
		OriginLat: o.Lat,
		OriginLng: o.Lng,
		DestLat:   d.Lat,
		DestLng:   d.Lng,
		Hour:      hour,
	}
}

// CachedRoute is a persistent cache row.
type CachedRoute struct {
	Key       CacheKey
	DistanceM int
	DurationS int
	HitCount  int
	CachedAt  time.Time
	ExpiresAt time.Time
}
