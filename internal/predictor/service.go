package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
)

// ErrTrainingInProgress is returned when a training run is already active.
var ErrTrainingInProgress = errors.New("training already in progress")

// ErrInsufficientData is returned when the window holds too few samples.
var ErrInsufficientData = errors.New("insufficient training data")

const (
	trainEpochs       = 30
	trainLearningRate = 0.05
)

// Store is the historical data access the service needs.
type Store interface {
	TrainingData(ctx context.Context, since time.Time) ([]TrainingSample, error)
	RecomputeProfile(ctx context.Context, driverID uuid.UUID, since time.Time) (*Profile, error)
	ActiveDriverIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

type cachedProfile struct {
	profile   *Profile
	fetchedAt time.Time
}

// Service answers p_reject queries. One model instance per process; the
// pointer is swapped atomically after training so in-flight inferences keep
// the model they started with.
type Service struct {
	cfg   config.PredictorConfig
	store Store

	model    atomic.Pointer[Network]
	training atomic.Bool

	profileMu sync.RWMutex
	profiles  map[uuid.UUID]cachedProfile

	now func() time.Time
}

// NewService creates the predictor and loads a persisted model if one exists.
func NewService(cfg config.PredictorConfig, store Store) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		profiles: make(map[uuid.UUID]cachedProfile),
		now:      time.Now,
	}

	if cfg.ModelPath != "" {
		if n, err := LoadNetwork(cfg.ModelPath); err == nil {
			s.model.Store(n)
			logger.Info("rejection model loaded",
				zap.String("path", cfg.ModelPath),
				zap.Time("trained_at", n.TrainedAt),
				zap.Int("samples", n.Samples),
			)
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("rejection model load failed, using rule engine", zap.Error(err))
		}
	}

	return s
}

// PReject returns the rejection probability for a driver and offer features.
// It never fails: a missing or misbehaving model falls back to the rule
// engine, and a missing profile degrades to profile-free rules.
func (s *Service) PReject(ctx context.Context, driverID uuid.UUID, f Features) Prediction {
	if m := s.model.Load(); m != nil {
		p := m.Predict(f.Vector())
		if !math.IsNaN(p) && p >= 0 && p <= 1 {
			return Prediction{Probability: p, Source: SourceModel}
		}
		logger.WarnContext(ctx, "model returned out-of-range probability, falling back to rules",
			zap.Float64("probability", p),
		)
	}

	return Prediction{Probability: ruleScore(f, s.profile(ctx, driverID)), Source: SourceRules}
}

// Profile returns the driver's cached behavioral profile, recomputing it on
// a cold or expired cache entry. Returns nil when nothing can be computed.
func (s *Service) profile(ctx context.Context, driverID uuid.UUID) *Profile {
	s.profileMu.RLock()
	entry, ok := s.profiles[driverID]
	s.profileMu.RUnlock()
	if ok && s.now().Sub(entry.fetchedAt) < s.cfg.ProfileCacheTTL {
		return entry.profile
	}

	if s.store == nil {
		return nil
	}
	p, err := s.store.RecomputeProfile(ctx, driverID, s.now().Add(-s.cfg.TrainingWindow))
	if err != nil {
		logger.WarnContext(ctx, "profile recompute failed",
			zap.String("driver_id", driverID.String()),
			zap.Error(err),
		)
		if ok {
			return entry.profile // stale beats nothing
		}
		return nil
	}

	s.profileMu.Lock()
	s.profiles[driverID] = cachedProfile{profile: p, fetchedAt: s.now()}
	s.profileMu.Unlock()
	return p
}

// UpdateProfile recomputes one driver's profile and replaces the cache entry.
func (s *Service) UpdateProfile(ctx context.Context, driverID uuid.UUID) error {
	p, err := s.store.RecomputeProfile(ctx, driverID, s.now().Add(-s.cfg.TrainingWindow))
	if err != nil {
		return fmt.Errorf("recompute profile: %w", err)
	}

	s.profileMu.Lock()
	s.profiles[driverID] = cachedProfile{profile: p, fetchedAt: s.now()}
	s.profileMu.Unlock()
	return nil
}

// RefreshAllProfiles recomputes every active driver's profile.
func (s *Service) RefreshAllProfiles(ctx context.Context) error {
	ids, err := s.store.ActiveDriverIDs(ctx, s.now().Add(-s.cfg.TrainingWindow))
	if err != nil {
		return fmt.Errorf("list active drivers: %w", err)
	}

	var failed int
	for _, id := range ids {
		if err := s.UpdateProfile(ctx, id); err != nil {
			failed++
			logger.WarnContext(ctx, "profile refresh failed",
				zap.String("driver_id", id.String()),
				zap.Error(err),
			)
		}
	}

	logger.InfoContext(ctx, "driver profiles refreshed",
		zap.Int("total", len(ids)),
		zap.Int("failed", failed),
	)
	return nil
}

// Train fits a fresh model on the recent window and swaps it in. At most one
// training run executes at a time; concurrent callers get
// ErrTrainingInProgress immediately.
func (s *Service) Train(ctx context.Context) error {
	if !s.training.CompareAndSwap(false, true) {
		return ErrTrainingInProgress
	}
	defer s.training.Store(false)

	samples, err := s.store.TrainingData(ctx, s.now().Add(-s.cfg.TrainingWindow))
	if err != nil {
		return fmt.Errorf("load training data: %w", err)
	}
	if len(samples) < s.cfg.MinSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(samples), s.cfg.MinSamples)
	}

	vectors := make([][]float64, len(samples))
	labels := make([]float64, len(samples))
	for i, sample := range samples {
		vectors[i] = sample.Features.Vector()
		if sample.Rejected {
			labels[i] = 1
		}
	}

	start := s.now()
	n := NewNetwork(start.UnixNano())
	n.Train(vectors, labels, trainEpochs, trainLearningRate)

	if s.cfg.ModelPath != "" {
		if err := n.Save(s.cfg.ModelPath); err != nil {
			logger.WarnContext(ctx, "model persist failed, keeping in-memory model", zap.Error(err))
		}
	}

	s.model.Store(n)
	logger.InfoContext(ctx, "rejection model trained",
		zap.Int("samples", len(samples)),
		zap.Duration("took", s.now().Sub(start)),
	)
	return nil
}

// HasModel reports whether a trained model is active.
func (s *Service) HasModel() bool {
	return s.model.Load() != nil
}
