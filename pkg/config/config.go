package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Dispatch   DispatchConfig
	ETA        ETAConfig
	Surge      SurgeConfig
	Predictor  PredictorConfig
	Resilience ResilienceConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds the event bus configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// DispatchConfig tunes the batched offer protocol.
type DispatchConfig struct {
	BatchSize         int
	BatchTimeout      time.Duration
	MaxBatches        int
	OrderTotalTimeout time.Duration
	RejectThreshold   float64
	QueueReleaseTick  time.Duration

	// Scorer component weights. Must sum to 1.0.
	WeightDistance   float64
	WeightETA        float64
	WeightEarnings   float64
	WeightAcceptance float64
	WeightEfficiency float64
	WeightHotZone    float64

	// Daily earnings level at which the earnings-balance component bottoms out.
	EarningsSaturation float64

	// Presence entries older than this are not offered to.
	HeartbeatFreshness time.Duration
}

// ETAConfig tunes the hybrid ETA oracle.
type ETAConfig struct {
	GeodesicThresholdKm float64
	DailyExternalLimit  int
	CacheTTL            time.Duration
	RoadFactor          float64
	ProviderURL         string
	ProviderTimeout     time.Duration
	BatchMaxOrigins     int
}

// SurgeConfig holds hot-zone surge defaults applied when a zone row omits them.
type SurgeConfig struct {
	Threshold       float64
	Max             float64
	Step            float64
	AvgWaitPerOrder time.Duration
	QueueTimeout    time.Duration
	SweepInterval   time.Duration
}

// PredictorConfig tunes the rejection predictor.
type PredictorConfig struct {
	ModelPath      string
	MinSamples     int
	TrainingWindow time.Duration
	ProfileCacheTTL time.Duration
}

// ResilienceConfig groups runtime resilience controls
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig captures breaker tuning for the road-network provider
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	TimeoutSeconds   int
	IntervalSeconds  int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "taxidispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Dispatch: DispatchConfig{
			BatchSize:         getEnvAsInt("BATCH_SIZE", 3),
			BatchTimeout:      getEnvAsMillis("BATCH_TIMEOUT_MS", 20000),
			MaxBatches:        getEnvAsInt("MAX_BATCHES", 5),
			OrderTotalTimeout: getEnvAsMillis("ORDER_TOTAL_TIMEOUT_MS", 300000),
			RejectThreshold:   getEnvAsFloat("REJECT_THRESHOLD", 0.70),
			QueueReleaseTick:  getEnvAsMillis("QUEUE_RELEASE_TICK_MS", 10000),

			WeightDistance:   getEnvAsFloat("SCORE_WEIGHT_DISTANCE", 0.20),
			WeightETA:        getEnvAsFloat("SCORE_WEIGHT_ETA", 0.20),
			WeightEarnings:   getEnvAsFloat("SCORE_WEIGHT_EARNINGS", 0.20),
			WeightAcceptance: getEnvAsFloat("SCORE_WEIGHT_ACCEPTANCE", 0.20),
			WeightEfficiency: getEnvAsFloat("SCORE_WEIGHT_EFFICIENCY", 0.10),
			WeightHotZone:    getEnvAsFloat("SCORE_WEIGHT_HOTZONE", 0.10),

			EarningsSaturation: getEnvAsFloat("EARNINGS_SATURATION", 8500),
			HeartbeatFreshness: getEnvAsMillis("HEARTBEAT_FRESHNESS_MS", 120000),
		},
		ETA: ETAConfig{
			GeodesicThresholdKm: getEnvAsFloat("ETA_GEODESIC_THRESHOLD_KM", 3),
			DailyExternalLimit:  getEnvAsInt("ETA_DAILY_EXTERNAL_CALL_LIMIT", 100),
			CacheTTL:            time.Duration(getEnvAsInt("ETA_CACHE_TTL_H", 1)) * time.Hour,
			RoadFactor:          getEnvAsFloat("ETA_ROAD_FACTOR", 1.3),
			ProviderURL:         getEnv("ETA_PROVIDER_URL", ""),
			ProviderTimeout:     getEnvAsMillis("ETA_PROVIDER_TIMEOUT_MS", 5000),
			BatchMaxOrigins:     getEnvAsInt("ETA_BATCH_MAX_ORIGINS", 25),
		},
		Surge: SurgeConfig{
			Threshold:       getEnvAsFloat("SURGE_THRESHOLD", 0.80),
			Max:             getEnvAsFloat("SURGE_MAX", 1.50),
			Step:            getEnvAsFloat("SURGE_STEP", 0.10),
			AvgWaitPerOrder: getEnvAsMillis("QUEUE_AVG_WAIT_MS", 180000),
			QueueTimeout:    getEnvAsMillis("QUEUE_TIMEOUT_MS", 900000),
			SweepInterval:   getEnvAsMillis("QUEUE_SWEEP_INTERVAL_MS", 60000),
		},
		Predictor: PredictorConfig{
			ModelPath:       getEnv("PREDICTOR_MODEL_PATH", "data/reject_model.json"),
			MinSamples:      getEnvAsInt("PREDICTOR_MIN_SAMPLES", 100),
			TrainingWindow:  time.Duration(getEnvAsInt("PREDICTOR_WINDOW_DAYS", 30)) * 24 * time.Hour,
			ProfileCacheTTL: getEnvAsMillis("PROFILE_CACHE_TTL_MS", 900000),
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          getEnvAsBool("CB_ENABLED", true),
				FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
				SuccessThreshold: getEnvAsInt("CB_SUCCESS_THRESHOLD", 1),
				TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
				IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			},
		},
	}

	if err := cfg.Dispatch.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c DispatchConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxBatches <= 0 {
		return fmt.Errorf("MAX_BATCHES must be positive, got %d", c.MaxBatches)
	}
	if c.RejectThreshold <= 0 || c.RejectThreshold > 1 {
		return fmt.Errorf("REJECT_THRESHOLD must be in (0,1], got %f", c.RejectThreshold)
	}
	sum := c.WeightDistance + c.WeightETA + c.WeightEarnings + c.WeightAcceptance + c.WeightEfficiency + c.WeightHotZone
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scorer weights must sum to 1.0, got %f", sum)
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// PeakHours are the hours during which the ESTIMATED path assumes congestion speed.
var PeakHours = map[int]bool{7: true, 8: true, 17: true, 18: true, 19: true}

// NightHours are the hours during which the ESTIMATED path assumes free-flow speed.
var NightHours = map[int]bool{23: true, 0: true, 1: true, 2: true, 3: true, 4: true, 5: true}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}
