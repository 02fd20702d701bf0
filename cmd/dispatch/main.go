package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/internal/decisionlog"
	"github.com/richxcame/taxi-dispatch/internal/dispatch"
	"github.com/richxcame/taxi-dispatch/internal/eta"
	"github.com/richxcame/taxi-dispatch/internal/hotzone"
	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/internal/predictor"
	"github.com/richxcame/taxi-dispatch/internal/presence"
	"github.com/richxcame/taxi-dispatch/internal/scoring"
	"github.com/richxcame/taxi-dispatch/pkg/async"
	"github.com/richxcame/taxi-dispatch/pkg/cache"
	"github.com/richxcame/taxi-dispatch/pkg/common"
	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/database"
	"github.com/richxcame/taxi-dispatch/pkg/eventbus"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
	"github.com/richxcame/taxi-dispatch/pkg/middleware"
	redisclient "github.com/richxcame/taxi-dispatch/pkg/redis"
	"github.com/richxcame/taxi-dispatch/pkg/resilience"
	"github.com/richxcame/taxi-dispatch/pkg/websocket"
)

const (
	serviceName = "taxi-dispatch"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := logger.Init(cfg.Server.Environment); err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer database.Close(pool)

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer redisClient.Close()
	cacheMgr := cache.NewManager(redisClient)

	hub := websocket.NewHub()
	go hub.Run()

	registry := presence.NewRegistry()
	presence.BindHub(hub, registry)

	var bus *eventbus.Bus
	if cfg.NATS.Enabled {
		bus, err = eventbus.New(eventbus.Config{
			URL:        cfg.NATS.URL,
			Name:       serviceName,
			StreamName: "DISPATCH",
		})
		if err != nil {
			logger.Warn("event bus unavailable, continuing without it", zap.Error(err))
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	var breaker *resilience.CircuitBreaker
	if cfg.Resilience.CircuitBreaker.Enabled {
		breaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "eta-provider",
			Interval:         time.Duration(cfg.Resilience.CircuitBreaker.IntervalSeconds) * time.Second,
			Timeout:          time.Duration(cfg.Resilience.CircuitBreaker.TimeoutSeconds) * time.Second,
			FailureThreshold: uint32(cfg.Resilience.CircuitBreaker.FailureThreshold),
			SuccessThreshold: uint32(cfg.Resilience.CircuitBreaker.SuccessThreshold),
		}, nil)
	}
	var provider eta.RoadProvider
	if cfg.ETA.ProviderURL != "" {
		provider = eta.NewHTTPProvider(cfg.ETA.ProviderURL, cfg.ETA.ProviderTimeout)
	}
	oracle := eta.NewOracle(cfg.ETA, eta.NewRepository(pool), provider, breaker)
	oracle.StartSweeper(ctx, time.Hour)

	pred := predictor.NewService(cfg.Predictor, predictor.NewRepository(pool))

	zones := hotzone.NewController(cfg.Surge, hotzone.NewRepository(pool))

	scorer := scoring.NewScorer(cfg.Dispatch, registry, oracle, pred, zones)

	decisionRepo := decisionlog.NewRepository(pool)
	decisions := decisionlog.NewWriter(decisionRepo)
	decisions.Start(ctx)
	defer decisions.Close()

	dispatchRepo := dispatch.NewRepository(pool)
	var publisher dispatch.EventPublisher
	if bus != nil {
		publisher = bus
	}
	engine := dispatch.NewEngine(cfg.Dispatch, dispatch.Deps{
		Orders:     orders.NewRepository(pool),
		Scorer:     scorer,
		Zones:      zones,
		Hub:        hub,
		Presence:   registry,
		Logs:       decisions,
		AutoAccept: dispatch.NewAutoAcceptEvaluator(dispatchRepo),
		Profiles:   pred,
		Earnings:   dispatchRepo,
		Bus:        publisher,
		Cache:      cacheMgr,
	})
	zones.StartSweeper(ctx, engine.OnQueueExpired)

	startPredictorMaintenance(ctx, pred)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.Recovery(),
		middleware.CorrelationID(),
		middleware.RequestLogger(serviceName),
		middleware.CORS(cfg.Server.CORSOrigins),
	)

	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": serviceName, "version": version})
	})
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, map[string]func() error{
		"postgres": func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
		"redis": func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(pingCtx).Err()
		},
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) {
		websocket.HandleWebSocket(c, hub)
	})

	api := router.Group("/api/v1")
	dispatch.NewHandler(engine).RegisterRoutes(api)

	admin := api.Group("/admin")
	admin.GET("/orders/:id/dispatch-log", func(c *gin.Context) {
		orderID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
			return
		}
		batches, err := decisionRepo.BatchRecords(c.Request.Context(), orderID)
		if err != nil {
			logger.ErrorContext(c.Request.Context(), "dispatch log read failed", zap.Error(err))
			common.ErrorResponse(c, http.StatusInternalServerError, "dispatch log unavailable")
			return
		}
		common.SuccessResponse(c, batches)
	})
	admin.POST("/predictor/train", func(c *gin.Context) {
		async.Go(c.Request.Context(), "predictor-train", func(taskCtx context.Context) {
			if err := pred.Train(taskCtx); err != nil {
				logger.WarnContext(taskCtx, "model training failed", zap.Error(err))
			}
		})
		c.JSON(http.StatusAccepted, gin.H{"status": "training started"})
	})
	admin.POST("/predictor/profiles/refresh", func(c *gin.Context) {
		async.Go(c.Request.Context(), "profile-refresh-all", func(taskCtx context.Context) {
			if err := pred.RefreshAllProfiles(taskCtx); err != nil {
				logger.WarnContext(taskCtx, "profile refresh failed", zap.Error(err))
			}
		})
		c.JSON(http.StatusAccepted, gin.H{"status": "refresh started"})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("dispatch service listening",
			zap.String("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}

// startPredictorMaintenance retrains the rejection model daily and refreshes
// driver profiles hourly.
func startPredictorMaintenance(ctx context.Context, pred *predictor.Service) {
	async.Go(ctx, "predictor-maintenance", func(taskCtx context.Context) {
		trainTicker := time.NewTicker(24 * time.Hour)
		profileTicker := time.NewTicker(time.Hour)
		defer trainTicker.Stop()
		defer profileTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-trainTicker.C:
				if err := pred.Train(taskCtx); err != nil && !errors.Is(err, predictor.ErrTrainingInProgress) {
					logger.WarnContext(taskCtx, "scheduled training failed", zap.Error(err))
				}
			case <-profileTicker.C:
				if err := pred.RefreshAllProfiles(taskCtx); err != nil {
					logger.WarnContext(taskCtx, "scheduled profile refresh failed", zap.Error(err))
				}
			}
		}
	})
}
