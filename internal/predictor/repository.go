package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/richxcame/taxi-dispatch/internal/presence"
)

// TrainingSample is one historical offer outcome with the feature snapshot
// captured at decision time.
type TrainingSample struct {
	Features Features
	Rejected bool
}

// Repository reads training data and behavioral history from Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new predictor repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// TrainingData returns resolved offers since the cutoff. Timed-out offers
// count as rejections.
func (r *Repository) TrainingData(ctx context.Context, since time.Time) ([]TrainingSample, error) {
	rows, err := r.db.Query(ctx, `
		SELECT
			distance_km, trip_km, fare, hour_of_day, day_of_week, is_holiday,
			driver_earnings, driver_trips, driver_online_hours, driver_acceptance_rate,
			outcome
		FROM dispatch_logs
		WHERE offered_at >= $1
		  AND outcome IN ('ACCEPTED', 'REJECTED', 'TIMEOUT')
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query training data: %w", err)
	}
	defer rows.Close()

	var samples []TrainingSample
	for rows.Next() {
		var s TrainingSample
		var outcome string
		err := rows.Scan(
			&s.Features.DistanceToPickupKm, &s.Features.TripDistanceKm, &s.Features.EstimatedFare,
			&s.Features.HourOfDay, &s.Features.DayOfWeek, &s.Features.IsHoliday,
			&s.Features.TodayEarnings, &s.Features.TodayTrips, &s.Features.OnlineHours,
			&s.Features.AcceptanceRate, &outcome,
		)
		if err != nil {
			return nil, fmt.Errorf("scan training sample: %w", err)
		}
		s.Rejected = outcome != "ACCEPTED"
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// RecomputeProfile rebuilds a driver's behavioral profile from the window.
func (r *Repository) RecomputeProfile(ctx context.Context, driverID uuid.UUID, since time.Time) (*Profile, error) {
	p := &Profile{
		DriverID:         driverID,
		ZoneAcceptance:   make(map[string]float64),
		LastRecomputedAt: time.Now().UTC(),
	}
	for h := range p.HourlyAcceptance {
		p.HourlyAcceptance[h] = 0.5 // neutral prior for unseen hours
	}

	// Hourly acceptance vector.
	rows, err := r.db.Query(ctx, `
		SELECT hour_of_day,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE outcome = 'ACCEPTED')
		FROM dispatch_logs
		WHERE driver_id = $1 AND offered_at >= $2
		GROUP BY hour_of_day
	`, driverID, since)
	if err != nil {
		return nil, fmt.Errorf("query hourly acceptance: %w", err)
	}
	for rows.Next() {
		var hour, total, accepted int
		if err := rows.Scan(&hour, &total, &accepted); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan hourly acceptance: %w", err)
		}
		if hour >= 0 && hour < 24 && total > 0 {
			p.HourlyAcceptance[hour] = float64(accepted) / float64(total)
		}
		p.SampleSize += total
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Zone acceptance map.
	rows, err = r.db.Query(ctx, `
		SELECT zone_id::text,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE outcome = 'ACCEPTED')
		FROM dispatch_logs
		WHERE driver_id = $1 AND offered_at >= $2 AND zone_id IS NOT NULL
		GROUP BY zone_id
	`, driverID, since)
	if err != nil {
		return nil, fmt.Errorf("query zone acceptance: %w", err)
	}
	for rows.Next() {
		var zoneID string
		var total, accepted int
		if err := rows.Scan(&zoneID, &total, &accepted); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan zone acceptance: %w", err)
		}
		if total > 0 {
			p.ZoneAcceptance[zoneID] = float64(accepted) / float64(total)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Accepted-distance stats and trip-length acceptance rates.
	err = r.db.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(distance_km) FILTER (WHERE outcome = 'ACCEPTED'), 0),
			COALESCE(MAX(distance_km) FILTER (WHERE outcome = 'ACCEPTED'), 0),
			COALESCE(
				COUNT(*) FILTER (WHERE outcome = 'ACCEPTED' AND trip_km > 0 AND trip_km < 3)::float
				/ NULLIF(COUNT(*) FILTER (WHERE trip_km > 0 AND trip_km < 3), 0), 1),
			COALESCE(
				COUNT(*) FILTER (WHERE outcome = 'ACCEPTED' AND trip_km > 10)::float
				/ NULLIF(COUNT(*) FILTER (WHERE trip_km > 10), 0), 1)
		FROM dispatch_logs
		WHERE driver_id = $1 AND offered_at >= $2
	`, driverID, since).Scan(&p.AcceptedDistMean, &p.AcceptedDistMax, &p.ShortTripRate, &p.LongTripRate)
	if err != nil {
		return nil, fmt.Errorf("query distance stats: %w", err)
	}

	// Earnings-saturation threshold: the 80th percentile of daily totals.
	var avgTripKm float64
	var avgDayTrips float64
	err = r.db.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT percentile_cont(0.8) WITHIN GROUP (ORDER BY amount)
			          FROM daily_earnings WHERE driver_id = $1 AND date >= $2::date), 0),
			COALESCE((SELECT AVG(trip_km) FROM dispatch_logs
			          WHERE driver_id = $1 AND offered_at >= $2 AND outcome = 'ACCEPTED' AND trip_km > 0), 0),
			COALESCE((SELECT AVG(trips) FROM daily_earnings
			          WHERE driver_id = $1 AND date >= $2::date), 0)
	`, driverID, since).Scan(&p.EarningsThreshold, &avgTripKm, &avgDayTrips)
	if err != nil {
		return nil, fmt.Errorf("query earnings stats: %w", err)
	}

	p.Class = deriveClass(avgTripKm, avgDayTrips)
	return p, nil
}

// ActiveDriverIDs lists drivers with any offer activity in the window.
func (r *Repository) ActiveDriverIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT driver_id FROM dispatch_logs
		WHERE offered_at >= $1 AND driver_id IS NOT NULL
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query active drivers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan driver id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deriveClass buckets a driver by trip length and daily volume.
func deriveClass(avgTripKm, avgDayTrips float64) presence.DriverClass {
	switch {
	case avgTripKm > 10:
		return presence.ClassLongDistance
	case avgDayTrips >= 15:
		return presence.ClassHighVolume
	default:
		return presence.ClassFastTurnover
	}
}
