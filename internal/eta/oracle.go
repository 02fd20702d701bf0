package eta

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/pkg/async"
	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
	"github.com/richxcame/taxi-dispatch/pkg/metrics"
	"github.com/richxcame/taxi-dispatch/pkg/resilience"
)

// CacheStore is the persistent cache tier as the oracle sees it.
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) (Result, bool, error)
	Put(ctx context.Context, key CacheKey, res Result, expiresAt time.Time) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Oracle resolves travel estimates. Resolution order for non-trivial
// distances: in-process cache, persistent cache, external provider, and
// finally geodesic estimation. It never returns an error; every failure
// mode degrades to an ESTIMATED result.
type Oracle struct {
	cfg      config.ETAConfig
	mem      *memoryCache
	store    CacheStore
	provider RoadProvider
	breaker  *resilience.CircuitBreaker
	budget   *DailyBudget

	now func() time.Time
}

// NewOracle wires the oracle. store, provider and breaker may each be nil;
// the oracle degrades gracefully without them.
func NewOracle(cfg config.ETAConfig, store CacheStore, provider RoadProvider, breaker *resilience.CircuitBreaker) *Oracle {
	return &Oracle{
		cfg:      cfg,
		mem:      newMemoryCache(cfg.CacheTTL),
		store:    store,
		provider: provider,
		breaker:  breaker,
		budget:   NewDailyBudget(cfg.DailyExternalLimit),
		now:      time.Now,
	}
}

// ETA resolves a single origin/destination pair.
func (o *Oracle) ETA(ctx context.Context, origin, dest geo.Point) Result {
	dGeo := geo.HaversineKm(origin, dest)
	hour := o.now().Hour()

	// Short hops never touch the cache or the provider.
	if dGeo < o.cfg.GeodesicThresholdKm {
		metrics.ETARequests.WithLabelValues("estimated").Inc()
		return o.estimate(dGeo, hour)
	}

	key := NewCacheKey(origin, dest, hour)

	if res, ok := o.mem.get(key); ok {
		metrics.ETARequests.WithLabelValues("cached").Inc()
		return res
	}

	if o.store != nil {
		res, ok, err := o.store.Get(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "eta cache read failed", zap.Error(err))
		} else if ok {
			o.mem.put(key, res)
			metrics.ETARequests.WithLabelValues("cached").Inc()
			return res
		}
	}

	if legs, ok := o.callProvider(ctx, []geo.Point{origin}, dest); ok && legs[0].OK {
		res := Result{DurationS: legs[0].DurationS, DistanceM: legs[0].DistanceM, Source: SourceExternal}
		o.cacheBoth(ctx, key, res)
		metrics.ETARequests.WithLabelValues("external").Inc()
		return res
	}

	metrics.ETARequests.WithLabelValues("estimated").Inc()
	return o.estimate(dGeo, hour)
}

// ETABatch resolves many origins against one destination. Origins below the
// geodesic threshold are estimated; the rest are served from cache where
// possible, and the remainder go to the provider in chunks of at most
// BatchMaxOrigins per call. Partial provider failures degrade element-wise.
func (o *Oracle) ETABatch(ctx context.Context, origins []geo.Point, dest geo.Point) []Result {
	results := make([]Result, len(origins))
	hour := o.now().Hour()

	var pending []int
	for i, origin := range origins {
		dGeo := geo.HaversineKm(origin, dest)
		if dGeo < o.cfg.GeodesicThresholdKm {
			results[i] = o.estimate(dGeo, hour)
			metrics.ETARequests.WithLabelValues("estimated").Inc()
			continue
		}

		key := NewCacheKey(origin, dest, hour)
		if res, ok := o.mem.get(key); ok {
			results[i] = res
			metrics.ETARequests.WithLabelValues("cached").Inc()
			continue
		}
		if o.store != nil {
			if res, ok, err := o.store.Get(ctx, key); err == nil && ok {
				o.mem.put(key, res)
				results[i] = res
				metrics.ETARequests.WithLabelValues("cached").Inc()
				continue
			}
		}
		pending = append(pending, i)
	}

	maxOrigins := o.cfg.BatchMaxOrigins
	if maxOrigins <= 0 {
		maxOrigins = 25
	}

	for start := 0; start < len(pending); start += maxOrigins {
		end := start + maxOrigins
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		points := make([]geo.Point, len(chunk))
		for j, idx := range chunk {
			points[j] = origins[idx]
		}

		legs, ok := o.callProvider(ctx, points, dest)
		for j, idx := range chunk {
			if ok && legs[j].OK {
				res := Result{DurationS: legs[j].DurationS, DistanceM: legs[j].DistanceM, Source: SourceExternal}
				o.cacheBoth(ctx, NewCacheKey(origins[idx], dest, hour), res)
				results[idx] = res
				metrics.ETARequests.WithLabelValues("external").Inc()
				continue
			}
			results[idx] = o.estimate(geo.HaversineKm(origins[idx], dest), hour)
			metrics.ETARequests.WithLabelValues("estimated").Inc()
		}
	}

	return results
}

// StartSweeper evicts expired entries from both cache tiers on a fixed
// interval until ctx is cancelled.
func (o *Oracle) StartSweeper(ctx context.Context, interval time.Duration) {
	async.Go(ctx, "eta-cache-sweeper", func(taskCtx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := o.mem.sweep()
				var deleted int64
				if o.store != nil {
					var err error
					deleted, err = o.store.DeleteExpired(taskCtx)
					if err != nil {
						logger.WarnContext(taskCtx, "eta cache sweep failed", zap.Error(err))
					}
				}
				if evicted > 0 || deleted > 0 {
					logger.DebugContext(taskCtx, "eta cache swept",
						zap.Int("memory_evicted", evicted),
						zap.Int64("rows_deleted", deleted),
					)
				}
			}
		}
	})
}

// estimate computes the geodesic fallback for a direct distance at a given hour.
func (o *Oracle) estimate(dGeoKm float64, hour int) Result {
	roadKm := dGeoKm * o.cfg.RoadFactor

	speed := 25.0
	if config.PeakHours[hour] {
		speed = 18.0
	} else if config.NightHours[hour] {
		speed = 35.0
	}

	durationS := int(math.Ceil(roadKm / speed * 3600))
	if durationS < 180 {
		durationS = 180
	}

	return Result{
		DurationS: durationS,
		DistanceM: int(math.Round(roadKm * 1000)),
		Source:    SourceEstimated,
	}
}

// callProvider spends one budget unit and issues a provider call, through
// the breaker when one is configured. Failed calls still consume budget.
func (o *Oracle) callProvider(ctx context.Context, origins []geo.Point, dest geo.Point) ([]RouteLeg, bool) {
	if o.provider == nil {
		return nil, false
	}
	if !o.budget.TryAcquire() {
		logger.DebugContext(ctx, "eta external budget exhausted",
			zap.Int("origins", len(origins)),
		)
		return nil, false
	}

	call := func(callCtx context.Context) (interface{}, error) {
		return o.provider.Routes(callCtx, origins, dest)
	}

	var raw interface{}
	var err error
	if o.breaker != nil {
		raw, err = o.breaker.Execute(ctx, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		logger.WarnContext(ctx, "road provider call failed",
			zap.Error(err),
			zap.Int("origins", len(origins)),
		)
		return nil, false
	}

	legs, ok := raw.([]RouteLeg)
	if !ok || len(legs) != len(origins) {
		logger.WarnContext(ctx, "road provider returned malformed legs",
			zap.Int("origins", len(origins)),
		)
		return nil, false
	}
	return legs, true
}

// cacheBoth writes a fresh external result into both tiers. The memory copy
// is tagged CACHED so later hits report their true provenance.
func (o *Oracle) cacheBoth(ctx context.Context, key CacheKey, res Result) {
	cached := res
	cached.Source = SourceCached
	o.mem.put(key, cached)

	if o.store == nil {
		return
	}
	if err := o.store.Put(ctx, key, res, o.now().Add(o.cfg.CacheTTL)); err != nil {
		logger.WarnContext(ctx, "eta cache write failed", zap.Error(err))
	}
}
