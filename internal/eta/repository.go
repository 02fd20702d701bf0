package eta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the persistent cache tier backed by the eta_cache table.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new ETA cache repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Get returns an unexpired cache row for the key and bumps its hit counter
// in the same statement. Returns (Result{}, false, nil) on a miss.
func (r *Repository) Get(ctx context.Context, key CacheKey) (Result, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE eta_cache
		SET hit_count = hit_count + 1
		WHERE origin_lat = $1 AND origin_lng = $2
		  AND dest_lat = $3 AND dest_lng = $4
		  AND hour_of_day = $5
		  AND expires_at > now()
		RETURNING distance_m, duration_s
	`, key.OriginLat, key.OriginLng, key.DestLat, key.DestLng, key.Hour)

	var res Result
	if err := row.Scan(&res.DistanceM, &res.DurationS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("eta cache lookup: %w", err)
	}
	res.Source = SourceCached
	return res, true, nil
}

// Put upserts a cache row, resetting its hit counter and expiry.
func (r *Repository) Put(ctx context.Context, key CacheKey, res Result, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO eta_cache (
			origin_lat, origin_lng, dest_lat, dest_lng, hour_of_day,
			distance_m, duration_s, hit_count, cached_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), $8)
		ON CONFLICT (origin_lat, origin_lng, dest_lat, dest_lng, hour_of_day)
		DO UPDATE SET
			distance_m = EXCLUDED.distance_m,
			duration_s = EXCLUDED.duration_s,
			hit_count  = 0,
			cached_at  = now(),
			expires_at = EXCLUDED.expires_at
	`, key.OriginLat, key.OriginLng, key.DestLat, key.DestLng, key.Hour,
		res.DistanceM, res.DurationS, expiresAt)
	if err != nil {
		return fmt.Errorf("eta cache upsert: %w", err)
	}
	return nil
}

// DeleteExpired removes rows past their expiry and returns how many.
func (r *Repository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM eta_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("eta cache sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
