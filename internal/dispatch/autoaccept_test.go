package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/internal/scoring"
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type mockAutoAcceptStore struct {
	mock.Mock
}

func (m *mockAutoAcceptStore) Settings(ctx context.Context, driverID uuid.UUID) (*AutoAcceptSettings, error) {
	args := m.Called(ctx, driverID)
	if s, ok := args.Get(0).(*AutoAcceptSettings); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAutoAcceptStore) DayStats(ctx context.Context, driverID uuid.UUID, date time.Time) (*AutoAcceptDayStats, error) {
	args := m.Called(ctx, driverID, date)
	if s, ok := args.Get(0).(*AutoAcceptDayStats); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAutoAcceptStore) LogDecision(ctx context.Context, rec AutoAcceptLog) error {
	return m.Called(ctx, rec).Error(0)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

var evalNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func openSettings(driverID uuid.UUID) *AutoAcceptSettings {
	return &AutoAcceptSettings{
		DriverID: driverID,
		Enabled:  true,
	}
}

func evalOrder() *orders.Order {
	o := rideOrder()
	o.HourOfDay = 10
	return o
}

func evalScore(driverID uuid.UUID) scoring.DriverScore {
	return scoring.DriverScore{
		DriverID:   driverID,
		Total:      85,
		DistanceKm: 2.0,
		PReject:    0.20,
		Components: map[string]float64{
			scoring.ComponentDistance:   80,
			scoring.ComponentEfficiency: 66,
		},
	}
}

func newEvaluator(store AutoAcceptStore) *AutoAcceptEvaluator {
	e := NewAutoAcceptEvaluator(store)
	e.now = func() time.Time { return evalNow }
	return e
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestAutoAcceptAllowed(t *testing.T) {
	driverID := uuid.New()
	store := &mockAutoAcceptStore{}
	store.On("Settings", mock.Anything, driverID).Return(openSettings(driverID), nil)
	store.On("DayStats", mock.Anything, driverID, evalNow).Return(&AutoAcceptDayStats{}, nil)

	dec := newEvaluator(store).Evaluate(context.Background(), evalOrder(), evalScore(driverID), 200)
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.BlockReason)

	// 0.40*(1-0.20)*100 + 0.20*80 + 0.15*(200/500*100) + 0.15*100 + 0.10*66
	assert.InDelta(t, 32+16+6+15+6.6, dec.Score, 1e-9)
}

func TestAutoAcceptGates(t *testing.T) {
	driverID := uuid.New()
	lastAt := evalNow.Add(-time.Minute)

	cases := []struct {
		name     string
		settings func(*AutoAcceptSettings)
		stats    *AutoAcceptDayStats
		reason   string
	}{
		{
			name:     "pickup too far",
			settings: func(s *AutoAcceptSettings) { s.MaxPickupKm = 1 },
			reason:   blockPickupTooFar,
		},
		{
			name:     "fare below minimum",
			settings: func(s *AutoAcceptSettings) { s.MinFare = 500 },
			reason:   blockFareBelowMin,
		},
		{
			name:     "trip too short",
			settings: func(s *AutoAcceptSettings) { s.MinTripKm = 5 },
			reason:   blockTripTooShort,
		},
		{
			name:     "outside active hours",
			settings: func(s *AutoAcceptSettings) { s.ActiveHours = map[int]bool{22: true, 23: true} },
			reason:   blockInactiveHour,
		},
		{
			name:     "daily cap reached",
			settings: func(s *AutoAcceptSettings) { s.DailyCap = 3 },
			stats:    &AutoAcceptDayStats{Count: 3},
			reason:   blockDailyCap,
		},
		{
			name:     "cooldown active",
			settings: func(s *AutoAcceptSettings) { s.Cooldown = 10 * time.Minute },
			stats:    &AutoAcceptDayStats{Count: 1, LastAt: &lastAt},
			reason:   blockCooldown,
		},
		{
			name:     "consecutive cap reached",
			settings: func(s *AutoAcceptSettings) { s.ConsecutiveCap = 2 },
			stats:    &AutoAcceptDayStats{Consecutive: 2},
			reason:   blockConsecutiveCap,
		},
		{
			name:     "completion rate too low",
			settings: func(s *AutoAcceptSettings) { s.MinCompletionRate = 0.80 },
			stats:    &AutoAcceptDayStats{LifetimeTotal: 10, LifetimeDone: 5},
			reason:   blockCompletionRate,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := openSettings(driverID)
			tc.settings(settings)
			stats := tc.stats
			if stats == nil {
				stats = &AutoAcceptDayStats{}
			}

			store := &mockAutoAcceptStore{}
			store.On("Settings", mock.Anything, driverID).Return(settings, nil)
			store.On("DayStats", mock.Anything, driverID, evalNow).Return(stats, nil)

			dec := newEvaluator(store).Evaluate(context.Background(), evalOrder(), evalScore(driverID), 200)
			assert.False(t, dec.Allowed)
			assert.Equal(t, tc.reason, dec.BlockReason)
			assert.Greater(t, dec.Score, 0.0)
		})
	}
}

func TestAutoAcceptDisabledAndUnavailable(t *testing.T) {
	driverID := uuid.New()

	store := &mockAutoAcceptStore{}
	store.On("Settings", mock.Anything, driverID).Return(nil, nil)
	dec := newEvaluator(store).Evaluate(context.Background(), evalOrder(), evalScore(driverID), 200)
	assert.False(t, dec.Allowed)
	assert.Equal(t, blockDisabled, dec.BlockReason)

	broken := &mockAutoAcceptStore{}
	broken.On("Settings", mock.Anything, driverID).Return(nil, errors.New("db down"))
	dec = newEvaluator(broken).Evaluate(context.Background(), evalOrder(), evalScore(driverID), 200)
	assert.False(t, dec.Allowed)
	assert.Equal(t, blockUnavailable, dec.BlockReason)
}

func TestAutoAcceptCompletionGateNeedsHistory(t *testing.T) {
	driverID := uuid.New()
	settings := openSettings(driverID)
	settings.MinCompletionRate = 0.80

	// Below the minimum sample the completion gate does not apply yet.
	store := &mockAutoAcceptStore{}
	store.On("Settings", mock.Anything, driverID).Return(settings, nil)
	store.On("DayStats", mock.Anything, driverID, evalNow).
		Return(&AutoAcceptDayStats{LifetimeTotal: completionGateMin - 1, LifetimeDone: 0}, nil)

	dec := newEvaluator(store).Evaluate(context.Background(), evalOrder(), evalScore(driverID), 200)
	assert.True(t, dec.Allowed)
}
