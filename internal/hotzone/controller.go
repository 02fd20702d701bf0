package hotzone

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/pkg/async"
	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
	"github.com/richxcame/taxi-dispatch/pkg/metrics"
)

const zoneCacheTTL = time.Minute

// Store is the persistence surface the controller needs.
type Store interface {
	ActiveZones(ctx context.Context) ([]Zone, error)
	GetOrCreateQuota(ctx context.Context, zoneID uuid.UUID, date time.Time, hour, limit int) (*Quota, error)
	UpdateSurge(ctx context.Context, zoneID uuid.UUID, date time.Time, hour int, surge float64) error
	ConsumeQuota(ctx context.Context, zoneID uuid.UUID, date time.Time, hour int, orderID uuid.UUID, baseFare, surge float64) (bool, error)
	ReleaseQuota(ctx context.Context, orderID uuid.UUID) (*uuid.UUID, error)
	MarkCompleted(ctx context.Context, orderID uuid.UUID) error
	WaitingCount(ctx context.Context, zoneID uuid.UUID) (int, error)
	Enqueue(ctx context.Context, zoneID, orderID, riderID uuid.UUID, baseFare, surge float64, estWaitMin int) (*QueueEntry, error)
	Dequeue(ctx context.Context, orderID uuid.UUID, status QueueEntryStatus) error
	ReleaseHead(ctx context.Context, zoneID uuid.UUID) (*QueueEntry, error)
	QueueStatus(ctx context.Context, orderID uuid.UUID) (QueueEntryStatus, int, error)
	ExpireTimedOut(ctx context.Context) ([]uuid.UUID, error)
}

// Controller runs zone admission: quota consumption, the surge staircase,
// and the per-zone waiting queue. Queue position maintenance happens under
// one mutex per zone.
type Controller struct {
	cfg   config.SurgeConfig
	store Store

	lockMu    sync.Mutex
	zoneLocks map[uuid.UUID]*sync.Mutex

	cacheMu  sync.RWMutex
	zones    []Zone
	cachedAt time.Time

	now func() time.Time
}

// NewController creates the hot-zone controller.
func NewController(cfg config.SurgeConfig, store Store) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     store,
		zoneLocks: make(map[uuid.UUID]*sync.Mutex),
		now:       time.Now,
	}
}

// MatchZone returns the highest-priority active zone covering the point,
// or nil when none does.
func (c *Controller) MatchZone(ctx context.Context, p geo.Point) *Zone {
	for _, z := range c.activeZones(ctx) {
		if z.Contains(p) {
			matched := z
			return &matched
		}
	}
	return nil
}

// InPeakZone reports whether the point lies in a zone currently within its
// peak hours. Used by the scorer's bonus component.
func (c *Controller) InPeakZone(ctx context.Context, p geo.Point) bool {
	z := c.MatchZone(ctx, p)
	return z != nil && z.PeakHours[c.now().Hour()]
}

// CheckAdmission decides how an order at this pickup enters the system.
func (c *Controller) CheckAdmission(ctx context.Context, pickup geo.Point, baseFare float64) (*Admission, error) {
	zone := c.MatchZone(ctx, pickup)
	if zone == nil {
		return &Admission{Decision: DecisionNormal, Surge: 1.0}, nil
	}

	now := c.now()
	hour := now.Hour()
	limit := zone.QuotaLimit(hour)
	if limit <= 0 {
		return &Admission{Decision: DecisionNormal, Surge: 1.0, Zone: zone, ZoneName: zone.Name}, nil
	}

	quota, err := c.store.GetOrCreateQuota(ctx, zone.ID, dateOf(now), hour, limit)
	if err != nil {
		return nil, err
	}

	u := float64(quota.Used) / float64(quota.Limit)

	// Full hour: queue when possible, otherwise price at the ceiling.
	if u >= 1 {
		if zone.QueueEnabled {
			waiting, err := c.store.WaitingCount(ctx, zone.ID)
			if err != nil {
				return nil, err
			}
			if waiting < zone.MaxQueue {
				metrics.HotZoneAdmissions.WithLabelValues("queue").Inc()
				position := waiting + 1
				return &Admission{
					Decision: DecisionQueue,
					Surge:    1.0,
					Zone:     zone,
					ZoneName: zone.Name,
					QueueInfo: &QueueInfo{
						Position:   position,
						EstWaitMin: position * int(c.cfg.AvgWaitPerOrder.Minutes()),
					},
				}, nil
			}
		}
		metrics.HotZoneAdmissions.WithLabelValues("surge").Inc()
		c.persistSurge(ctx, zone, quota, zone.SurgeMax)
		return &Admission{Decision: DecisionSurge, Surge: zone.SurgeMax, Zone: zone, ZoneName: zone.Name}, nil
	}

	surge := c.surgeFor(zone, quota.Used, quota.Limit)
	if surge > 1 {
		metrics.HotZoneAdmissions.WithLabelValues("surge").Inc()
		c.persistSurge(ctx, zone, quota, surge)
		return &Admission{Decision: DecisionSurge, Surge: surge, Zone: zone, ZoneName: zone.Name}, nil
	}

	metrics.HotZoneAdmissions.WithLabelValues("normal").Inc()
	c.persistSurge(ctx, zone, quota, 1.0)
	return &Admission{Decision: DecisionNormal, Surge: 1.0, Zone: zone, ZoneName: zone.Name}, nil
}

// Consume takes one quota slot for the order. A false return means the hour
// filled up since admission was checked; the caller must re-run admission.
func (c *Controller) Consume(ctx context.Context, zone *Zone, orderID uuid.UUID, baseFare, surge float64) (bool, error) {
	now := c.now()
	hour := now.Hour()

	// Ensure the row exists; admission normally did this already, but
	// consume can land in a fresh hour.
	if _, err := c.store.GetOrCreateQuota(ctx, zone.ID, dateOf(now), hour, zone.QuotaLimit(hour)); err != nil {
		return false, err
	}
	return c.store.ConsumeQuota(ctx, zone.ID, dateOf(now), hour, orderID, baseFare, surge)
}

// Release returns a cancelled order's slot and promotes the zone's head
// waiter, if any. The released entry is returned so the engine can resume
// its dispatch.
func (c *Controller) Release(ctx context.Context, orderID uuid.UUID) (*QueueEntry, error) {
	zoneID, err := c.store.ReleaseQuota(ctx, orderID)
	if err != nil || zoneID == nil {
		return nil, err
	}

	lock := c.zoneLock(*zoneID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := c.store.ReleaseHead(ctx, *zoneID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		logger.InfoContext(ctx, "queue head released",
			zap.String("zone_id", zoneID.String()),
			zap.String("order_id", entry.OrderID.String()),
		)
	}
	return entry, nil
}

// MarkCompleted records a finished trip against its zone-hour.
func (c *Controller) MarkCompleted(ctx context.Context, orderID uuid.UUID) error {
	return c.store.MarkCompleted(ctx, orderID)
}

// Enqueue adds an order to the zone's queue under the zone's critical
// section so positions stay dense.
func (c *Controller) Enqueue(ctx context.Context, zone *Zone, orderID, riderID uuid.UUID, baseFare, surge float64) (*QueueEntry, error) {
	lock := c.zoneLock(zone.ID)
	lock.Lock()
	defer lock.Unlock()

	return c.store.Enqueue(ctx, zone.ID, orderID, riderID, baseFare, surge, int(c.cfg.AvgWaitPerOrder.Minutes()))
}

// Dequeue removes a queued order (rider cancel).
func (c *Controller) Dequeue(ctx context.Context, orderID uuid.UUID) error {
	return c.store.Dequeue(ctx, orderID, QueueCancelled)
}

// Released reports whether the order's queue slot has been released.
func (c *Controller) Released(ctx context.Context, orderID uuid.UUID) (bool, error) {
	status, _, err := c.store.QueueStatus(ctx, orderID)
	if err != nil {
		return false, err
	}
	return status == QueueReleased, nil
}

// QueuePosition returns the order's live queue position and wait estimate,
// or nil when it is not WAITING.
func (c *Controller) QueuePosition(ctx context.Context, orderID uuid.UUID) (*QueueInfo, error) {
	status, position, err := c.store.QueueStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if status != QueueWaiting {
		return nil, nil
	}
	return &QueueInfo{
		Position:   position,
		EstWaitMin: position * int(c.cfg.AvgWaitPerOrder.Minutes()),
	}, nil
}

// StartSweeper expires timed-out queue entries on a fixed interval and
// reports each expired order to onExpired.
func (c *Controller) StartSweeper(ctx context.Context, onExpired func(orderID uuid.UUID)) {
	async.Go(ctx, "hotzone-queue-sweeper", func(taskCtx context.Context) {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := c.store.ExpireTimedOut(taskCtx)
				if err != nil {
					logger.WarnContext(taskCtx, "queue expiry sweep failed", zap.Error(err))
					continue
				}
				for _, orderID := range expired {
					if onExpired != nil {
						onExpired(orderID)
					}
				}
			}
		}
	})
}

// surgeFor computes the staircase multiplier. One step at the threshold,
// one more per step of utilization beyond it, in fixed 0.10 increments,
// capped at the zone's maximum.
func (c *Controller) surgeFor(z *Zone, used, limit int) float64 {
	if limit <= 0 {
		return 1
	}
	u := float64(used) / float64(limit)
	if u < z.SurgeThreshold {
		return 1
	}
	// The small epsilon keeps exact multiples of step on the higher stair.
	steps := math.Floor((u-z.SurgeThreshold)/z.SurgeStep+1e-9) + 1
	surge := 1 + steps*0.10
	if surge > z.SurgeMax {
		surge = z.SurgeMax
	}
	return surge
}

func (c *Controller) persistSurge(ctx context.Context, zone *Zone, quota *Quota, surge float64) {
	if quota.Surge == surge {
		return
	}
	if err := c.store.UpdateSurge(ctx, zone.ID, quota.Date, quota.Hour, surge); err != nil {
		logger.WarnContext(ctx, "surge persist failed",
			zap.String("zone_id", zone.ID.String()),
			zap.Error(err),
		)
	}
}

// activeZones returns the cached zone list, refreshing it when stale. Zone
// rows that omit surge tuning inherit the configured defaults.
func (c *Controller) activeZones(ctx context.Context) []Zone {
	c.cacheMu.RLock()
	if c.zones != nil && c.now().Sub(c.cachedAt) < zoneCacheTTL {
		zones := c.zones
		c.cacheMu.RUnlock()
		return zones
	}
	c.cacheMu.RUnlock()

	zones, err := c.store.ActiveZones(ctx)
	if err != nil {
		logger.WarnContext(ctx, "zone refresh failed, serving stale list", zap.Error(err))
		c.cacheMu.RLock()
		defer c.cacheMu.RUnlock()
		return c.zones
	}

	for i := range zones {
		if zones[i].SurgeThreshold == 0 {
			zones[i].SurgeThreshold = c.cfg.Threshold
		}
		if zones[i].SurgeMax == 0 {
			zones[i].SurgeMax = c.cfg.Max
		}
		if zones[i].SurgeStep == 0 {
			zones[i].SurgeStep = c.cfg.Step
		}
		if zones[i].QueueTimeout == 0 {
			zones[i].QueueTimeout = c.cfg.QueueTimeout
		}
	}

	c.cacheMu.Lock()
	c.zones = zones
	c.cachedAt = c.now()
	c.cacheMu.Unlock()
	return zones
}

func (c *Controller) zoneLock(zoneID uuid.UUID) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	lock, ok := c.zoneLocks[zoneID]
	if !ok {
		lock = &sync.Mutex{}
		c.zoneLocks[zoneID] = lock
	}
	return lock
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
