package scoring

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/internal/eta"
	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/internal/predictor"
	"github.com/richxcame/taxi-dispatch/internal/presence"
	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
)

// ETAOracle resolves travel estimates for candidate drivers.
type ETAOracle interface {
	ETABatch(ctx context.Context, origins []geo.Point, dest geo.Point) []eta.Result
}

// RejectPredictor answers p_reject queries.
type RejectPredictor interface {
	PReject(ctx context.Context, driverID uuid.UUID, f predictor.Features) predictor.Prediction
}

// PeakZoneChecker reports whether a point lies in a zone that is currently
// in its peak hours.
type PeakZoneChecker interface {
	InPeakZone(ctx context.Context, p geo.Point) bool
}

// PresenceSource supplies the live candidate pool.
type PresenceSource interface {
	Snapshot() []presence.Entry
}

// Scorer ranks drivers for dispatch.
type Scorer struct {
	cfg      config.DispatchConfig
	registry PresenceSource
	oracle   ETAOracle
	reject   RejectPredictor
	zones    PeakZoneChecker

	now func() time.Time
}

// NewScorer wires the scorer. zones may be nil when no hot-zone controller
// is configured; the bonus component is then always zero.
func NewScorer(cfg config.DispatchConfig, registry PresenceSource, oracle ETAOracle, reject RejectPredictor, zones PeakZoneChecker) *Scorer {
	return &Scorer{
		cfg:      cfg,
		registry: registry,
		oracle:   oracle,
		reject:   reject,
		zones:    zones,
		now:      time.Now,
	}
}

// Rank returns up to k scored candidates for the order, best first. Drivers
// in exclude, with stale heartbeats, off duty, or with p_reject at or above
// the configured threshold are not considered.
func (s *Scorer) Rank(ctx context.Context, order *orders.Order, exclude map[uuid.UUID]struct{}, k int) []DriverScore {
	now := s.now()

	var candidates []presence.Entry
	for _, e := range s.registry.Snapshot() {
		if _, skip := exclude[e.DriverID]; skip {
			continue
		}
		if !e.Reachable(now, s.cfg.HeartbeatFreshness) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	origins := make([]geo.Point, len(candidates))
	for i, e := range candidates {
		origins[i] = e.Location
	}
	etas := s.oracle.ETABatch(ctx, origins, order.Pickup)

	// The hot-zone bonus depends only on the pickup, so compute it once.
	zoneBonus := 0.0
	if s.zones != nil && s.zones.InPeakZone(ctx, order.Pickup) {
		zoneBonus = 100
	}

	tripKm := order.TripDistanceKm()
	tripClass := geo.ClassifyTrip(tripKm)
	fare := orderFare(order)

	scored := make([]DriverScore, 0, len(candidates))
	for i, e := range candidates {
		distKm := geo.HaversineKm(e.Location, order.Pickup)

		pred := s.reject.PReject(ctx, e.DriverID, predictor.Features{
			DistanceToPickupKm: distKm,
			TripDistanceKm:     tripKm,
			EstimatedFare:      fare,
			HourOfDay:          order.HourOfDay,
			DayOfWeek:          order.DayOfWeek,
			IsHoliday:          order.DayOfWeek == 0 || order.DayOfWeek == 6,
			TodayEarnings:      e.TodayEarnings,
			TodayTrips:         e.TodayTrips,
			OnlineHours:        e.OnlineHours,
			AcceptanceRate:     e.AcceptanceRatePct / 100,
		})
		if pred.Probability >= s.cfg.RejectThreshold {
			continue
		}

		components := map[string]float64{
			ComponentDistance:   clampScore(100 - distKm*10),
			ComponentETA:        clampScore(100 - float64(etas[i].Minutes())*5),
			ComponentEarnings:   100 * clamp01(1-e.TodayEarnings/s.cfg.EarningsSaturation),
			ComponentAcceptance: 100 * (1 - pred.Probability),
			ComponentEfficiency: efficiencyScore(tripClass, e.Class),
			ComponentHotZone:    zoneBonus,
		}

		total := components[ComponentDistance]*s.cfg.WeightDistance +
			components[ComponentETA]*s.cfg.WeightETA +
			components[ComponentEarnings]*s.cfg.WeightEarnings +
			components[ComponentAcceptance]*s.cfg.WeightAcceptance +
			components[ComponentEfficiency]*s.cfg.WeightEfficiency +
			components[ComponentHotZone]*s.cfg.WeightHotZone

		scored = append(scored, DriverScore{
			DriverID:      e.DriverID,
			Total:         total,
			Components:    components,
			DistanceKm:    distKm,
			ETA:           etas[i],
			PReject:       pred.Probability,
			PRejectSource: pred.Source,
			Reasons:       topReasons(components),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.PReject != b.PReject {
			return a.PReject < b.PReject
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return strings.Compare(a.DriverID.String(), b.DriverID.String()) < 0
	})

	if len(scored) > k {
		scored = scored[:k]
	}

	logger.DebugContext(ctx, "drivers ranked",
		zap.String("order_id", order.ID.String()),
		zap.Int("candidates", len(candidates)),
		zap.Int("ranked", len(scored)),
	)
	return scored
}

// Efficiency match over (trip class, driver class). A perfect match scores
// 15 points on the raw table; cross matches score 7-10. The raw value is
// scaled to 100 like the other components.
var efficiencyTable = map[geo.TripClass]map[presence.DriverClass]float64{
	geo.TripShort:  {presence.ClassFastTurnover: 15, presence.ClassHighVolume: 10, presence.ClassLongDistance: 7},
	geo.TripMedium: {presence.ClassHighVolume: 15, presence.ClassFastTurnover: 10, presence.ClassLongDistance: 9},
	geo.TripLong:   {presence.ClassLongDistance: 15, presence.ClassHighVolume: 9, presence.ClassFastTurnover: 7},
}

func efficiencyScore(trip geo.TripClass, driver presence.DriverClass) float64 {
	raw, ok := efficiencyTable[trip][driver]
	if !ok {
		raw = 7 // unknown class, treat as weakest cross match
	}
	return raw / 15 * 100
}

// Thresholds above which a component is worth mentioning in the offer.
var reasonThresholds = map[string]float64{
	ComponentDistance:   70,
	ComponentETA:        70,
	ComponentEarnings:   80,
	ComponentAcceptance: 80,
	ComponentEfficiency: 66,
	ComponentHotZone:    99,
}

// topReasons returns up to three component names whose value clears the
// component's own threshold, strongest first.
func topReasons(components map[string]float64) []string {
	type pair struct {
		name  string
		value float64
	}
	var qualifying []pair
	for name, value := range components {
		if value > reasonThresholds[name] {
			qualifying = append(qualifying, pair{name, value})
		}
	}
	sort.Slice(qualifying, func(i, j int) bool {
		if qualifying[i].value != qualifying[j].value {
			return qualifying[i].value > qualifying[j].value
		}
		return qualifying[i].name < qualifying[j].name
	})
	if len(qualifying) > 3 {
		qualifying = qualifying[:3]
	}

	reasons := make([]string, len(qualifying))
	for i, q := range qualifying {
		reasons[i] = q.name
	}
	return reasons
}

func orderFare(o *orders.Order) float64 {
	if o.FinalFare != nil {
		return *o.FinalFare
	}
	if o.BaseFare != nil {
		return *o.BaseFare
	}
	return 0
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
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
