package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
)

// ErrNotFound is returned when no order matches the given ID.
var ErrNotFound = errors.New("order not found")

// ErrConflict is returned when a guarded transition loses its status check.
var ErrConflict = errors.New("order status conflict")

// Repository handles database operations for orders
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new orders repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const orderColumns = `
	id, rider_id, pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address, payment_kind, base_fare, final_fare,
	surge_multiplier, status, driver_id, reject_count, hour_of_day,
	day_of_week, cancel_reason, zone_id, created_at, offered_at, accepted_at,
	arrived_at, started_at, completed_at, cancelled_at`

// Create inserts a new order row.
func (r *Repository) Create(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (
			id, rider_id, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, payment_kind, base_fare,
			surge_multiplier, status, hour_of_day, day_of_week, zone_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	var destLat, destLng *float64
	if o.Destination != nil {
		destLat, destLng = &o.Destination.Lat, &o.Destination.Lng
	}

	_, err := r.db.Exec(ctx, query,
		o.ID, o.RiderID, o.Pickup.Lat, o.Pickup.Lng, o.PickupAddress,
		destLat, destLng, o.DestinationAddress, o.PaymentKind, o.BaseFare,
		o.SurgeMultiplier, o.Status, o.HourOfDay, o.DayOfWeek, o.ZoneID, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

// GetByID retrieves an order by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	o := &Order{}
	var destLat, destLng *float64
	err := row.Scan(
		&o.ID, &o.RiderID, &o.Pickup.Lat, &o.Pickup.Lng, &o.PickupAddress,
		&destLat, &destLng, &o.DestinationAddress, &o.PaymentKind, &o.BaseFare, &o.FinalFare,
		&o.SurgeMultiplier, &o.Status, &o.DriverID, &o.RejectCount, &o.HourOfDay,
		&o.DayOfWeek, &o.CancelReason, &o.ZoneID, &o.CreatedAt, &o.OfferedAt, &o.AcceptedAt,
		&o.ArrivedAt, &o.StartedAt, &o.CompletedAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	if destLat != nil && destLng != nil {
		o.Destination = &geo.Point{Lat: *destLat, Lng: *destLng}
	}
	return o, nil
}

// MarkDispatching moves QUEUED/OFFERED orders into DISPATCHING and stamps offered_at.
func (r *Repository) MarkDispatching(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, offered_at = COALESCE(offered_at, $2)
		WHERE id = $3 AND status IN ($4, $5)
	`, StatusDispatching, time.Now(), id, StatusOffered, StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to mark dispatching: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkQueued parks a fresh order in a zone queue. Used when the zone fills
// up between admission and quota consumption.
func (r *Repository) MarkQueued(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders SET status = $1 WHERE id = $2 AND status = $3
	`, StatusQueued, id, StatusOffered)
	if err != nil {
		return fmt.Errorf("failed to mark queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// BindDriver atomically accepts an order for a driver. The status guard makes
// the first accept win; later attempts observe zero rows and get ErrConflict.
func (r *Repository) BindDriver(ctx context.Context, id, driverID uuid.UUID, acceptedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, driver_id = $2, accepted_at = $3
		WHERE id = $4 AND status = $5
	`, StatusAccepted, driverID, acceptedAt, id, StatusDispatching)
	if err != nil {
		return fmt.Errorf("failed to bind driver: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Cancel finalizes an order as CANCELLED with a reason. No-op on already
// terminal orders so late timers cannot clobber an accept.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID, reason CancelReason) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, cancel_reason = $2, cancelled_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6, $7)
	`, StatusCancelled, string(reason), time.Now(), id, StatusAccepted, StatusDone, StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CancelAccepted cancels an order that is already bound to a driver
// (rider cancel after accept).
func (r *Repository) CancelAccepted(ctx context.Context, id uuid.UUID, reason CancelReason) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, cancel_reason = $2, cancelled_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`, StatusCancelled, string(reason), time.Now(), id, StatusAccepted, StatusArrived)
	if err != nil {
		return fmt.Errorf("failed to cancel accepted order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Advance moves an accepted order along ARRIVED -> ON_TRIP -> DONE. Each
// transition is guarded by the expected prior status.
func (r *Repository) Advance(ctx context.Context, id uuid.UUID, from, to Status) error {
	var stampCol string
	switch to {
	case StatusArrived:
		stampCol = "arrived_at"
	case StatusOnTrip:
		stampCol = "started_at"
	case StatusDone:
		stampCol = "completed_at"
	default:
		return fmt.Errorf("unsupported transition to %s", to)
	}

	query := fmt.Sprintf(`UPDATE orders SET status = $1, %s = $2 WHERE id = $3 AND status = $4`, stampCol)
	tag, err := r.db.Exec(ctx, query, to, time.Now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to advance order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// IncrementRejectCount bumps the denormalized reject counter.
func (r *Repository) IncrementRejectCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE orders SET reject_count = reject_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment reject count: %w", err)
	}
	return nil
}

// SetFinalFare records the surge-adjusted fare committed at admission.
func (r *Repository) SetFinalFare(ctx context.Context, id uuid.UUID, fare float64, surge float64) error {
	_, err := r.db.Exec(ctx, `UPDATE orders SET final_fare = $1, surge_multiplier = $2 WHERE id = $3`, fare, surge, id)
	if err != nil {
		return fmt.Errorf("failed to set final fare: %w", err)
	}
	return nil
}
