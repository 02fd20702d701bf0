package predictor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/richxcame/taxi-dispatch/pkg/config"
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type mockStore struct {
	mock.Mock
}

func (m *mockStore) TrainingData(ctx context.Context, since time.Time) ([]TrainingSample, error) {
	args := m.Called(ctx, since)
	if samples, ok := args.Get(0).([]TrainingSample); ok {
		return samples, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) RecomputeProfile(ctx context.Context, driverID uuid.UUID, since time.Time) (*Profile, error) {
	args := m.Called(ctx, driverID, since)
	if p, ok := args.Get(0).(*Profile); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) ActiveDriverIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, since)
	if ids, ok := args.Get(0).([]uuid.UUID); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func testPredictorConfig() config.PredictorConfig {
	return config.PredictorConfig{
		MinSamples:      50,
		TrainingWindow:  30 * 24 * time.Hour,
		ProfileCacheTTL: 15 * time.Minute,
	}
}

// syntheticSamples labels far pickups as rejections and near ones as
// accepts, which a working network must learn to separate.
func syntheticSamples(n int) []TrainingSample {
	samples := make([]TrainingSample, n)
	for i := range samples {
		far := i%2 == 0
		f := Features{AcceptanceRate: 0.9, HourOfDay: 12, DayOfWeek: 3}
		if far {
			f.DistanceToPickupKm = 15 + float64(i%5)
		} else {
			f.DistanceToPickupKm = 1 + float64(i%3)
		}
		samples[i] = TrainingSample{Features: f, Rejected: far}
	}
	return samples
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestPRejectFallsBackToRulesWithoutModel(t *testing.T) {
	store := new(mockStore)
	store.On("RecomputeProfile", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	s := NewService(testPredictorConfig(), store)
	require.False(t, s.HasModel())

	pred := s.PReject(context.Background(), uuid.New(), Features{
		DistanceToPickupKm: 9,
		AcceptanceRate:     0.9,
	})

	assert.Equal(t, SourceRules, pred.Source)
	assert.InDelta(t, 0.30, pred.Probability, 1e-9, "default far-distance rule")
}

func TestTrainSwapsModelIn(t *testing.T) {
	store := new(mockStore)
	store.On("TrainingData", mock.Anything, mock.Anything).
		Return(syntheticSamples(200), nil)

	cfg := testPredictorConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "model.json")

	s := NewService(cfg, store)
	require.NoError(t, s.Train(context.Background()))
	require.True(t, s.HasModel())

	far := s.PReject(context.Background(), uuid.New(), Features{
		DistanceToPickupKm: 16, AcceptanceRate: 0.9, HourOfDay: 12, DayOfWeek: 3,
	})
	near := s.PReject(context.Background(), uuid.New(), Features{
		DistanceToPickupKm: 2, AcceptanceRate: 0.9, HourOfDay: 12, DayOfWeek: 3,
	})

	assert.Equal(t, SourceModel, far.Source)
	assert.Equal(t, SourceModel, near.Source)
	assert.Greater(t, far.Probability, near.Probability,
		"far pickups must look riskier than near ones after training")

	// The persisted model must load back and agree with the live one.
	loaded, err := LoadNetwork(cfg.ModelPath)
	require.NoError(t, err)
	assert.InDelta(t,
		s.model.Load().Predict(Features{DistanceToPickupKm: 16, AcceptanceRate: 0.9, HourOfDay: 12, DayOfWeek: 3}.Vector()),
		loaded.Predict(Features{DistanceToPickupKm: 16, AcceptanceRate: 0.9, HourOfDay: 12, DayOfWeek: 3}.Vector()),
		1e-12,
	)
}

func TestTrainRequiresMinimumSamples(t *testing.T) {
	store := new(mockStore)
	store.On("TrainingData", mock.Anything, mock.Anything).
		Return(syntheticSamples(10), nil)

	s := NewService(testPredictorConfig(), store)
	err := s.Train(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, s.HasModel())
}

func TestTrainIsSingleFlight(t *testing.T) {
	s := NewService(testPredictorConfig(), new(mockStore))

	require.True(t, s.training.CompareAndSwap(false, true))
	defer s.training.Store(false)

	assert.ErrorIs(t, s.Train(context.Background()), ErrTrainingInProgress)
}

func TestProfileCacheAvoidsRepeatedRecomputes(t *testing.T) {
	driverID := uuid.New()
	profile := &Profile{DriverID: driverID, SampleSize: 40, AcceptedDistMean: 4, AcceptedDistMax: 8}
	for h := range profile.HourlyAcceptance {
		profile.HourlyAcceptance[h] = 1
	}

	store := new(mockStore)
	store.On("RecomputeProfile", mock.Anything, driverID, mock.Anything).
		Return(profile, nil).Once()

	s := NewService(testPredictorConfig(), store)

	f := Features{DistanceToPickupKm: 9, AcceptanceRate: 0.9}
	first := s.PReject(context.Background(), driverID, f)
	second := s.PReject(context.Background(), driverID, f)

	assert.InDelta(t, 0.35, first.Probability, 1e-9, "beyond personal max distance")
	assert.Equal(t, first, second)
	store.AssertNumberOfCalls(t, "RecomputeProfile", 1)
}

func TestRefreshAllProfiles(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	store := new(mockStore)
	store.On("ActiveDriverIDs", mock.Anything, mock.Anything).Return(ids, nil)
	store.On("RecomputeProfile", mock.Anything, ids[0], mock.Anything).Return(&Profile{DriverID: ids[0]}, nil)
	store.On("RecomputeProfile", mock.Anything, ids[1], mock.Anything).Return(nil, assert.AnError)

	s := NewService(testPredictorConfig(), store)
	require.NoError(t, s.RefreshAllProfiles(context.Background()), "partial failure is not fatal")
	store.AssertExpectations(t)
}
