// Package predictor estimates the probability that a driver rejects a given
// offer. A small feed-forward network trained on recent outcomes is used when
// available; otherwise a rule engine over the driver's behavioral profile
// answers. Callers always get a probability in bounded time.
package predictor

import (
	"time"

	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/internal/presence"
)

// Source tags where a prediction came from.
type Source string

const (
	SourceModel Source = "MODEL"
	SourceRules Source = "RULES"
)

// Prediction is a tagged rejection probability.
type Prediction struct {
	Probability float64 `json:"probability"`
	Source      Source  `json:"source"`
}

// Features are the raw inputs to a prediction. Vector() applies the fixed
// min-max normalization the network was trained with.
type Features struct {
	DistanceToPickupKm float64
	TripDistanceKm     float64
	EstimatedFare      float64
	HourOfDay          int
	DayOfWeek          int
	IsHoliday          bool
	TodayEarnings      float64
	TodayTrips         int
	OnlineHours        float64
	AcceptanceRate     float64 // fraction in [0,1]
}

// Normalization ceilings. Values beyond these saturate at 1.
const (
	maxDistanceKm  = 20.0
	maxTripKm      = 30.0
	maxFare        = 500.0
	maxDayEarnings = 15000.0
	maxDayTrips    = 40.0
	maxOnlineHours = 16.0
)

// Vector returns the 10 normalized inputs in network order.
func (f Features) Vector() []float64 {
	return []float64{
		clamp01(f.DistanceToPickupKm / maxDistanceKm),
		clamp01(f.TripDistanceKm / maxTripKm),
		clamp01(f.EstimatedFare / maxFare),
		clamp01(float64(f.HourOfDay) / 23),
		clamp01(float64(f.DayOfWeek) / 6),
		boolTo01(f.IsHoliday),
		clamp01(f.TodayEarnings / maxDayEarnings),
		clamp01(float64(f.TodayTrips) / maxDayTrips),
		clamp01(f.OnlineHours / maxOnlineHours),
		clamp01(f.AcceptanceRate),
	}
}

// Profile is a driver's behavioral summary over the last 30 days.
type Profile struct {
	DriverID          uuid.UUID
	HourlyAcceptance  [24]float64
	ZoneAcceptance    map[string]float64
	AcceptedDistMean  float64 // km, 0 when no history
	AcceptedDistMax   float64 // km, 0 when no history
	ShortTripRate     float64
	LongTripRate      float64
	EarningsThreshold float64
	Class             presence.DriverClass
	LastRecomputedAt  time.Time
	SampleSize        int
}

// HasDistanceHistory reports whether the accepted-distance stats are usable.
func (p *Profile) HasDistanceHistory() bool {
	return p != nil && p.SampleSize > 0 && p.AcceptedDistMax > 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
