// Package scoring ranks reachable drivers for an order. Each candidate gets
// six weighted component scores plus a rejection probability; high-risk
// drivers are filtered out before sorting.
package scoring

import (
	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/internal/eta"
	"github.com/richxcame/taxi-dispatch/internal/predictor"
)

// Component names, also used as "why" labels in offer payloads and the
// decision log.
const (
	ComponentDistance   = "close_distance"
	ComponentETA        = "fast_eta"
	ComponentEarnings   = "earnings_balance"
	ComponentAcceptance = "likely_accept"
	ComponentEfficiency = "efficiency_match"
	ComponentHotZone    = "hot_zone"
)

// DriverScore is one ranked candidate.
type DriverScore struct {
	DriverID   uuid.UUID
	Total      float64
	Components map[string]float64

	DistanceKm    float64
	ETA           eta.Result
	PReject       float64
	PRejectSource predictor.Source

	// Reasons holds the top component names that pushed this driver up,
	// at most three.
	Reasons []string
}
