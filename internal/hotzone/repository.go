package hotzone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists zone configs, hourly quotas, order tracking and the
// waiting queue.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new hot-zone repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ActiveZones returns all active zone configs ordered by descending priority.
func (r *Repository) ActiveZones(ctx context.Context) ([]Zone, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, center_lat, center_lng, radius_km, peak_hours,
		       quota_normal, quota_peak, surge_threshold, surge_max, surge_step,
		       queue_enabled, max_queue, queue_timeout_min, priority, active
		FROM hot_zone_configs
		WHERE active
		ORDER BY priority DESC, name
	`)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var z Zone
		var peakHours []int32
		var timeoutMin int
		err := rows.Scan(
			&z.ID, &z.Name, &z.Center.Lat, &z.Center.Lng, &z.RadiusKm, &peakHours,
			&z.QuotaNormal, &z.QuotaPeak, &z.SurgeThreshold, &z.SurgeMax, &z.SurgeStep,
			&z.QueueEnabled, &z.MaxQueue, &timeoutMin, &z.Priority, &z.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.PeakHours = make(map[int]bool, len(peakHours))
		for _, h := range peakHours {
			z.PeakHours[int(h)] = true
		}
		z.QueueTimeout = time.Duration(timeoutMin) * time.Minute
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetOrCreateQuota returns the (zone, date, hour) row, creating it lazily
// with the given limit on first demand.
func (r *Repository) GetOrCreateQuota(ctx context.Context, zoneID uuid.UUID, date time.Time, hour, limit int) (*Quota, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO hot_zone_quotas (zone_id, date, hour, limit_count, used, surge, cancelled, completed)
		VALUES ($1, $2, $3, $4, 0, 1.0, 0, 0)
		ON CONFLICT (zone_id, date, hour) DO NOTHING
	`, zoneID, date, hour, limit)
	if err != nil {
		return nil, fmt.Errorf("create quota row: %w", err)
	}

	q := &Quota{ZoneID: zoneID, Hour: hour}
	err = r.db.QueryRow(ctx, `
		SELECT date, limit_count, used, surge, cancelled, completed
		FROM hot_zone_quotas
		WHERE zone_id = $1 AND date = $2 AND hour = $3
	`, zoneID, date, hour).Scan(&q.Date, &q.Limit, &q.Used, &q.Surge, &q.Cancelled, &q.Completed)
	if err != nil {
		return nil, fmt.Errorf("read quota row: %w", err)
	}
	return q, nil
}

// UpdateSurge persists a recomputed surge multiplier.
func (r *Repository) UpdateSurge(ctx context.Context, zoneID uuid.UUID, date time.Time, hour int, surge float64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE hot_zone_quotas SET surge = $4
		WHERE zone_id = $1 AND date = $2 AND hour = $3
	`, zoneID, date, hour, surge)
	if err != nil {
		return fmt.Errorf("update surge: %w", err)
	}
	return nil
}

// ConsumeQuota takes one slot if capacity remains and records the order
// against the zone, in a single transaction. Returns false when the hour is
// already full; callers must then re-check admission.
func (r *Repository) ConsumeQuota(ctx context.Context, zoneID uuid.UUID, date time.Time, hour int, orderID uuid.UUID, baseFare, surge float64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback(ctx)

	var used int
	err = tx.QueryRow(ctx, `
		UPDATE hot_zone_quotas
		SET used = used + 1
		WHERE zone_id = $1 AND date = $2 AND hour = $3 AND used < limit_count
		RETURNING used
	`, zoneID, date, hour).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("consume quota: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO hot_zone_orders (order_id, zone_id, date, hour, base_fare, surge, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'CONSUMED', now())
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, zoneID, date, hour, baseFare, surge)
	if err != nil {
		return false, fmt.Errorf("track consumed order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit consume: %w", err)
	}
	return true, nil
}

// ReleaseQuota gives a cancelled order's slot back and returns the zone it
// belonged to, or nil when the order never consumed one.
func (r *Repository) ReleaseQuota(ctx context.Context, orderID uuid.UUID) (*uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	var zoneID uuid.UUID
	var date time.Time
	var hour int
	err = tx.QueryRow(ctx, `
		UPDATE hot_zone_orders SET status = 'RELEASED'
		WHERE order_id = $1 AND status = 'CONSUMED'
		RETURNING zone_id, date, hour
	`, orderID).Scan(&zoneID, &date, &hour)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("release tracking row: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE hot_zone_quotas
		SET used = GREATEST(used - 1, 0), cancelled = cancelled + 1
		WHERE zone_id = $1 AND date = $2 AND hour = $3
	`, zoneID, date, hour)
	if err != nil {
		return nil, fmt.Errorf("decrement quota: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	return &zoneID, nil
}

// MarkCompleted counts a finished trip against the zone-hour. The slot stays
// consumed; completed trips used real capacity.
func (r *Repository) MarkCompleted(ctx context.Context, orderID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	var zoneID uuid.UUID
	var date time.Time
	var hour int
	err = tx.QueryRow(ctx, `
		UPDATE hot_zone_orders SET status = 'COMPLETED'
		WHERE order_id = $1 AND status = 'CONSUMED'
		RETURNING zone_id, date, hour
	`, orderID).Scan(&zoneID, &date, &hour)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("complete tracking row: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE hot_zone_quotas SET completed = completed + 1
		WHERE zone_id = $1 AND date = $2 AND hour = $3
	`, zoneID, date, hour)
	if err != nil {
		return fmt.Errorf("count completion: %w", err)
	}

	return tx.Commit(ctx)
}

// WaitingCount returns the number of WAITING entries in a zone's queue.
func (r *Repository) WaitingCount(ctx context.Context, zoneID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM hot_zone_queue WHERE zone_id = $1 AND status = 'WAITING'
	`, zoneID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return n, nil
}

// Enqueue appends an order to the zone's queue. Position assignment assumes
// the caller holds the zone's critical section.
func (r *Repository) Enqueue(ctx context.Context, zoneID, orderID, riderID uuid.UUID, baseFare, surge float64, estWaitMin int) (*QueueEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	var position int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) + 1 FROM hot_zone_queue WHERE zone_id = $1 AND status = 'WAITING'
	`, zoneID).Scan(&position)
	if err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	entry := &QueueEntry{
		ID:             uuid.New(),
		ZoneID:         zoneID,
		OrderID:        orderID,
		RiderID:        riderID,
		BaseFare:       baseFare,
		SurgeAtEnqueue: surge,
		SurgedFare:     baseFare * surge,
		Position:       position,
		EstWaitMin:     estWaitMin * position,
		Status:         QueueWaiting,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO hot_zone_queue (id, zone_id, order_id, rider_id, base_fare, surge_at_enqueue, surged_fare, position, est_wait_min, status, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'WAITING', now())
		RETURNING queued_at
	`, entry.ID, zoneID, orderID, riderID, baseFare, entry.SurgeAtEnqueue, entry.SurgedFare,
		entry.Position, entry.EstWaitMin).Scan(&entry.QueuedAt)
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return entry, nil
}

// Dequeue finalizes a WAITING entry with the given status and closes the
// position gap behind it in the same transaction.
func (r *Repository) Dequeue(ctx context.Context, orderID uuid.UUID, status QueueEntryStatus) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback(ctx)

	var zoneID uuid.UUID
	var position int
	err = tx.QueryRow(ctx, `
		UPDATE hot_zone_queue SET status = $2
		WHERE order_id = $1 AND status = 'WAITING'
		RETURNING zone_id, position
	`, orderID, string(status)).Scan(&zoneID, &position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("finalize queue entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE hot_zone_queue SET position = position - 1
		WHERE zone_id = $1 AND status = 'WAITING' AND position > $2
	`, zoneID, position)
	if err != nil {
		return fmt.Errorf("reshuffle positions: %w", err)
	}

	return tx.Commit(ctx)
}

// ReleaseHead promotes the zone's head waiter to RELEASED and shifts the
// rest forward. Returns nil when the queue is empty.
func (r *Repository) ReleaseHead(ctx context.Context, zoneID uuid.UUID) (*QueueEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin release head: %w", err)
	}
	defer tx.Rollback(ctx)

	entry := &QueueEntry{ZoneID: zoneID, Status: QueueReleased}
	err = tx.QueryRow(ctx, `
		SELECT id, order_id, rider_id, base_fare, surge_at_enqueue, surged_fare, position, est_wait_min, queued_at
		FROM hot_zone_queue
		WHERE zone_id = $1 AND status = 'WAITING'
		ORDER BY position
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, zoneID).Scan(&entry.ID, &entry.OrderID, &entry.RiderID, &entry.BaseFare,
		&entry.SurgeAtEnqueue, &entry.SurgedFare,
		&entry.Position, &entry.EstWaitMin, &entry.QueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select head: %w", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE hot_zone_queue SET status = 'RELEASED' WHERE id = $1
	`, entry.ID); err != nil {
		return nil, fmt.Errorf("release head: %w", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE hot_zone_queue SET position = position - 1
		WHERE zone_id = $1 AND status = 'WAITING' AND position > $2
	`, zoneID, entry.Position); err != nil {
		return nil, fmt.Errorf("reshuffle positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit release head: %w", err)
	}
	return entry, nil
}

// QueueStatus returns the current status and position of an order's queue
// entry.
func (r *Repository) QueueStatus(ctx context.Context, orderID uuid.UUID) (QueueEntryStatus, int, error) {
	var status string
	var position int
	err := r.db.QueryRow(ctx, `
		SELECT status, position FROM hot_zone_queue WHERE order_id = $1
		ORDER BY queued_at DESC LIMIT 1
	`, orderID).Scan(&status, &position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("queue status: %w", err)
	}
	return QueueEntryStatus(status), position, nil
}

// ExpireTimedOut marks WAITING entries older than their zone's timeout as
// EXPIRED, renumbers each affected zone densely, and returns the expired
// order IDs.
func (r *Repository) ExpireTimedOut(ctx context.Context) ([]uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE hot_zone_queue q SET status = 'EXPIRED'
		FROM hot_zone_configs z
		WHERE q.zone_id = z.id
		  AND q.status = 'WAITING'
		  AND q.queued_at < now() - make_interval(mins => z.queue_timeout_min)
		RETURNING q.order_id, q.zone_id
	`)
	if err != nil {
		return nil, fmt.Errorf("expire entries: %w", err)
	}

	var expired []uuid.UUID
	zones := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var orderID, zoneID uuid.UUID
		if err := rows.Scan(&orderID, &zoneID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired entry: %w", err)
		}
		expired = append(expired, orderID)
		zones[zoneID] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for zoneID := range zones {
		_, err = tx.Exec(ctx, `
			UPDATE hot_zone_queue SET position = ranked.rn
			FROM (
				SELECT id, ROW_NUMBER() OVER (ORDER BY position) AS rn
				FROM hot_zone_queue
				WHERE zone_id = $1 AND status = 'WAITING'
			) ranked
			WHERE hot_zone_queue.id = ranked.id
		`, zoneID)
		if err != nil {
			return nil, fmt.Errorf("renumber zone queue: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return expired, nil
}
