package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists auto-accept policy reads and the per-driver daily
// earnings rollup.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new dispatch repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Settings returns the driver's auto-accept policy, or nil when the driver
// never configured one.
func (r *Repository) Settings(ctx context.Context, driverID uuid.UUID) (*AutoAcceptSettings, error) {
	s := &AutoAcceptSettings{DriverID: driverID}
	var activeHours []int32
	var blacklisted []uuid.UUID
	var cooldownMin int

	err := r.db.QueryRow(ctx, `
		SELECT enabled, max_pickup_km, min_fare, min_trip_km, active_hours,
		       blacklisted_zones, daily_cap, cooldown_min, consecutive_cap, min_completion_rate
		FROM driver_auto_accept_settings
		WHERE driver_id = $1
	`, driverID).Scan(
		&s.Enabled, &s.MaxPickupKm, &s.MinFare, &s.MinTripKm, &activeHours,
		&blacklisted, &s.DailyCap, &cooldownMin, &s.ConsecutiveCap, &s.MinCompletionRate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load auto-accept settings: %w", err)
	}

	s.ActiveHours = make(map[int]bool, len(activeHours))
	for _, h := range activeHours {
		s.ActiveHours[int(h)] = true
	}
	s.BlacklistedZones = make(map[uuid.UUID]struct{}, len(blacklisted))
	for _, z := range blacklisted {
		s.BlacklistedZones[z] = struct{}{}
	}
	s.Cooldown = time.Duration(cooldownMin) * time.Minute
	return s, nil
}

// DayStats returns today's auto-accept usage plus the lifetime completion
// record of allowed decisions.
func (r *Repository) DayStats(ctx context.Context, driverID uuid.UUID, date time.Time) (*AutoAcceptDayStats, error) {
	stats := &AutoAcceptDayStats{}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())

	err := r.db.QueryRow(ctx, `
		SELECT count, consecutive, last_at
		FROM daily_auto_accept_stats
		WHERE driver_id = $1 AND date = $2
	`, driverID, day).Scan(&stats.Count, &stats.Consecutive, &stats.LastAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load auto-accept day stats: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE o.status = 'DONE')
		FROM auto_accept_logs l
		JOIN orders o ON o.id = l.order_id
		WHERE l.driver_id = $1 AND l.allowed
	`, driverID).Scan(&stats.LifetimeTotal, &stats.LifetimeDone)
	if err != nil {
		return nil, fmt.Errorf("load auto-accept lifetime stats: %w", err)
	}

	return stats, nil
}

// LogDecision records the decision and, when it was allowed, counts it
// against the driver's daily stats.
func (r *Repository) LogDecision(ctx context.Context, rec AutoAcceptLog) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin auto-accept log: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO auto_accept_logs (order_id, driver_id, score, allowed, block_reason, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, rec.OrderID, rec.DriverID, rec.Score, rec.Allowed, rec.BlockReason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert auto-accept log: %w", err)
	}

	if rec.Allowed {
		day := time.Date(rec.CreatedAt.Year(), rec.CreatedAt.Month(), rec.CreatedAt.Day(), 0, 0, 0, 0, rec.CreatedAt.Location())
		_, err = tx.Exec(ctx, `
			INSERT INTO daily_auto_accept_stats (driver_id, date, count, consecutive, last_at)
			VALUES ($1, $2, 1, 1, $3)
			ON CONFLICT (driver_id, date) DO UPDATE SET
				count = daily_auto_accept_stats.count + 1,
				consecutive = daily_auto_accept_stats.consecutive + 1,
				last_at = EXCLUDED.last_at
		`, rec.DriverID, day, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("bump auto-accept stats: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// AddDailyEarnings rolls a completed trip's fare into the driver's daily
// earnings row.
func (r *Repository) AddDailyEarnings(ctx context.Context, driverID uuid.UUID, at time.Time, amount float64) error {
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	_, err := r.db.Exec(ctx, `
		INSERT INTO daily_earnings (driver_id, date, amount, trips)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (driver_id, date) DO UPDATE SET
			amount = daily_earnings.amount + EXCLUDED.amount,
			trips = daily_earnings.trips + 1
	`, driverID, day, amount)
	if err != nil {
		return fmt.Errorf("add daily earnings: %w", err)
	}
	return nil
}
