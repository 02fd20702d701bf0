package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists decision log rows and rejection records.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new decision log repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertEntry writes one offer decision row.
func (r *Repository) InsertEntry(ctx context.Context, e Entry) error {
	components, err := json.Marshal(e.Components)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	weights, err := json.Marshal(e.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO dispatch_logs (
			order_id, driver_id, batch_number,
			score_total, score_components, reasons, weights,
			p_reject, p_reject_source,
			distance_km, trip_km, fare, hour_of_day, day_of_week, is_holiday,
			driver_earnings, driver_trips, driver_online_hours, driver_acceptance_rate,
			zone_id, offered_at, outcome
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22)
	`,
		e.OrderID, e.DriverID, e.BatchNumber,
		e.ScoreTotal, components, e.Reasons, weights,
		e.PReject, e.PRejectSource,
		e.Features.DistanceToPickupKm, e.Features.TripDistanceKm, e.Features.EstimatedFare,
		e.Features.HourOfDay, e.Features.DayOfWeek, e.Features.IsHoliday,
		e.Features.TodayEarnings, e.Features.TodayTrips, e.Features.OnlineHours,
		e.Features.AcceptanceRate,
		e.ZoneID, e.OfferedAt, e.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch log: %w", err)
	}
	return nil
}

// SetOutcome resolves a logged offer. Already-resolved rows are left alone
// so a late timeout cannot clobber an accept.
func (r *Repository) SetOutcome(ctx context.Context, u OutcomeUpdate) error {
	_, err := r.db.Exec(ctx, `
		UPDATE dispatch_logs
		SET outcome = $4, response_ms = $5, responded_at = now()
		WHERE order_id = $1 AND driver_id = $2 AND batch_number = $3 AND outcome = 'OFFERED'
	`, u.OrderID, u.DriverID, u.BatchNumber, u.Outcome, u.ResponseMs)
	if err != nil {
		return fmt.Errorf("update dispatch log outcome: %w", err)
	}
	return nil
}

// BatchRecords returns an order's log grouped per offer round, each record
// carrying its full candidate set.
func (r *Repository) BatchRecords(ctx context.Context, orderID uuid.UUID) ([]BatchRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT batch_number, driver_id, score_total, score_components, reasons, weights,
		       p_reject, p_reject_source, hour_of_day, day_of_week, zone_id,
		       offered_at, outcome, response_ms
		FROM dispatch_logs
		WHERE order_id = $1
		ORDER BY batch_number, score_total DESC, driver_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var offers []loggedOffer
	for rows.Next() {
		var o loggedOffer
		err := rows.Scan(
			&o.BatchNumber, &o.DriverID, &o.ScoreTotal, &o.Components, &o.Reasons, &o.Weights,
			&o.PReject, &o.PRejectSource, &o.HourOfDay, &o.DayOfWeek, &o.ZoneID,
			&o.OfferedAt, &o.Outcome, &o.ResponseMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch log row: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupBatches(orderID, offers), nil
}

// loggedOffer is one per-offer row as stored, before grouping.
type loggedOffer struct {
	BatchNumber   int
	DriverID      uuid.UUID
	ScoreTotal    float64
	Components    map[string]float64
	Reasons       []string
	Weights       map[string]float64
	PReject       float64
	PRejectSource string
	HourOfDay     int
	DayOfWeek     int
	ZoneID        *uuid.UUID
	OfferedAt     time.Time
	Outcome       string
	ResponseMs    *int
}

// groupBatches folds per-offer rows (ordered by batch_number) into per-batch
// records. Batch-level fields come from the round's first row.
func groupBatches(orderID uuid.UUID, offers []loggedOffer) []BatchRecord {
	var records []BatchRecord
	for _, o := range offers {
		if len(records) == 0 || records[len(records)-1].BatchNumber != o.BatchNumber {
			records = append(records, BatchRecord{
				OrderID:     orderID,
				BatchNumber: o.BatchNumber,
				Weights:     o.Weights,
				HourOfDay:   o.HourOfDay,
				DayOfWeek:   o.DayOfWeek,
				ZoneID:      o.ZoneID,
				OfferedAt:   o.OfferedAt,
			})
		}
		rec := &records[len(records)-1]
		rec.Candidates = append(rec.Candidates, BatchCandidate{
			DriverID:      o.DriverID,
			ScoreTotal:    o.ScoreTotal,
			Components:    o.Components,
			Reasons:       o.Reasons,
			PReject:       o.PReject,
			PRejectSource: o.PRejectSource,
			Outcome:       o.Outcome,
			ResponseMs:    o.ResponseMs,
		})
	}
	return records
}

// InsertRejection writes an order_rejections row.
func (r *Repository) InsertRejection(ctx context.Context, rej Rejection) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO order_rejections (order_id, driver_id, batch_number, reason_code, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rej.OrderID, rej.DriverID, rej.BatchNumber, rej.ReasonCode, rej.Detail, rej.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}
