package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/internal/scoring"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
)

// Auto-accept is the driver client's pre-commitment: the engine computes
// feasibility and attaches the decision to the offer, but never accepts on
// the driver's behalf.

// AutoAcceptSettings is a driver's opt-in policy row.
type AutoAcceptSettings struct {
	DriverID          uuid.UUID
	Enabled           bool
	MaxPickupKm       float64
	MinFare           float64
	MinTripKm         float64
	ActiveHours       map[int]bool // empty means any hour
	BlacklistedZones  map[uuid.UUID]struct{}
	DailyCap          int
	Cooldown          time.Duration
	ConsecutiveCap    int
	MinCompletionRate float64
}

// AutoAcceptDayStats is today's usage plus the lifetime completion track
// record for the minimum-completion gate.
type AutoAcceptDayStats struct {
	Count         int
	Consecutive   int
	LastAt        *time.Time
	LifetimeTotal int
	LifetimeDone  int
}

// AutoAcceptDecision is attached to the offer payload and logged.
type AutoAcceptDecision struct {
	Score       float64 `json:"score"`
	Allowed     bool    `json:"allowed"`
	BlockReason string  `json:"block_reason,omitempty"`
}

// AutoAcceptLog is the persisted decision record.
type AutoAcceptLog struct {
	OrderID     uuid.UUID
	DriverID    uuid.UUID
	Score       float64
	Allowed     bool
	BlockReason string
	CreatedAt   time.Time
}

// Block reasons, in gate order.
const (
	blockDisabled       = "DISABLED"
	blockPickupTooFar   = "PICKUP_TOO_FAR"
	blockFareBelowMin   = "FARE_BELOW_MIN"
	blockTripTooShort   = "TRIP_TOO_SHORT"
	blockInactiveHour   = "INACTIVE_HOUR"
	blockZoneBlacklist  = "ZONE_BLACKLISTED"
	blockDailyCap       = "DAILY_CAP_REACHED"
	blockCooldown       = "COOLDOWN_ACTIVE"
	blockConsecutiveCap = "CONSECUTIVE_CAP_REACHED"
	blockCompletionRate = "COMPLETION_RATE_LOW"
	blockUnavailable    = "SETTINGS_UNAVAILABLE"
)

// completionGateMin is how many auto-accepted orders a driver needs before
// the completion-rate gate starts applying.
const completionGateMin = 5

// AutoAcceptStore loads policy and usage rows.
type AutoAcceptStore interface {
	Settings(ctx context.Context, driverID uuid.UUID) (*AutoAcceptSettings, error)
	DayStats(ctx context.Context, driverID uuid.UUID, date time.Time) (*AutoAcceptDayStats, error)
	LogDecision(ctx context.Context, rec AutoAcceptLog) error
}

// AutoAcceptEvaluator computes the feasibility decision for one candidate.
type AutoAcceptEvaluator struct {
	store AutoAcceptStore
	now   func() time.Time
}

// NewAutoAcceptEvaluator wires the evaluator.
func NewAutoAcceptEvaluator(store AutoAcceptStore) *AutoAcceptEvaluator {
	return &AutoAcceptEvaluator{store: store, now: time.Now}
}

// Evaluate scores the candidate for auto-accept and runs the driver's
// policy gates. The score is computed even when a gate blocks, so the
// client can show why.
func (e *AutoAcceptEvaluator) Evaluate(ctx context.Context, order *orders.Order, ds scoring.DriverScore, fare float64) AutoAcceptDecision {
	score := e.score(ds, fare, order.HourOfDay, nil)

	if e.store == nil {
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockDisabled}
	}

	settings, err := e.store.Settings(ctx, ds.DriverID)
	if err != nil {
		logger.WarnContext(ctx, "auto-accept settings load failed",
			zap.String("driver_id", ds.DriverID.String()),
			zap.Error(err),
		)
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockUnavailable}
	}
	if settings == nil || !settings.Enabled {
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockDisabled}
	}

	// Recompute with the driver's active-hour window known.
	score = e.score(ds, fare, order.HourOfDay, settings)

	if settings.MaxPickupKm > 0 && ds.DistanceKm > settings.MaxPickupKm {
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockPickupTooFar}
	}
	if settings.MinFare > 0 && fare < settings.MinFare {
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockFareBelowMin}
	}
	if settings.MinTripKm > 0 && order.TripDistanceKm() < settings.MinTripKm {
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockTripTooShort}
	}
	if len(settings.ActiveHours) > 0 && !settings.ActiveHours[order.HourOfDay] {
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockInactiveHour}
	}
	if order.ZoneID != nil {
		if _, blocked := settings.BlacklistedZones[*order.ZoneID]; blocked {
			return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockZoneBlacklist}
		}
	}

	now := e.now()
	stats, err := e.store.DayStats(ctx, ds.DriverID, now)
	if err != nil {
		logger.WarnContext(ctx, "auto-accept stats load failed",
			zap.String("driver_id", ds.DriverID.String()),
			zap.Error(err),
		)
		return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockUnavailable}
	}
	if stats != nil {
		if settings.DailyCap > 0 && stats.Count >= settings.DailyCap {
			return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockDailyCap}
		}
		if settings.Cooldown > 0 && stats.LastAt != nil && now.Sub(*stats.LastAt) < settings.Cooldown {
			return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockCooldown}
		}
		if settings.ConsecutiveCap > 0 && stats.Consecutive >= settings.ConsecutiveCap {
			return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockConsecutiveCap}
		}
		if stats.LifetimeTotal >= completionGateMin && settings.MinCompletionRate > 0 {
			rate := float64(stats.LifetimeDone) / float64(stats.LifetimeTotal)
			if rate < settings.MinCompletionRate {
				return AutoAcceptDecision{Score: score, Allowed: false, BlockReason: blockCompletionRate}
			}
		}
	}

	return AutoAcceptDecision{Score: score, Allowed: true}
}

// score blends the candidate's ranking signals into a 0-100 feasibility
// score: 0.40 acceptance likelihood, 0.20 pickup distance, 0.15 fare,
// 0.15 time-window fit, 0.10 trip/driver fit.
func (e *AutoAcceptEvaluator) score(ds scoring.DriverScore, fare float64, hour int, settings *AutoAcceptSettings) float64 {
	fareScore := fare / 500 * 100
	if fareScore > 100 {
		fareScore = 100
	}

	timeWindow := 100.0
	if settings != nil && len(settings.ActiveHours) > 0 && !settings.ActiveHours[hour] {
		timeWindow = 0
	}

	return 0.40*(1-ds.PReject)*100 +
		0.20*ds.Components[scoring.ComponentDistance] +
		0.15*fareScore +
		0.15*timeWindow +
		0.10*ds.Components[scoring.ComponentEfficiency]
}
