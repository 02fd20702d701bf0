package hotzone

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ActiveZones(ctx context.Context) ([]Zone, error) {
	args := m.Called(ctx)
	if zones, ok := args.Get(0).([]Zone); ok {
		return zones, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetOrCreateQuota(ctx context.Context, zoneID uuid.UUID, date time.Time, hour, limit int) (*Quota, error) {
	args := m.Called(ctx, zoneID, date, hour, limit)
	if q, ok := args.Get(0).(*Quota); ok {
		return q, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) UpdateSurge(ctx context.Context, zoneID uuid.UUID, date time.Time, hour int, surge float64) error {
	return m.Called(ctx, zoneID, date, hour, surge).Error(0)
}

func (m *mockStore) ConsumeQuota(ctx context.Context, zoneID uuid.UUID, date time.Time, hour int, orderID uuid.UUID, baseFare, surge float64) (bool, error) {
	args := m.Called(ctx, zoneID, date, hour, orderID, baseFare, surge)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ReleaseQuota(ctx context.Context, orderID uuid.UUID) (*uuid.UUID, error) {
	args := m.Called(ctx, orderID)
	if id, ok := args.Get(0).(*uuid.UUID); ok {
		return id, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) MarkCompleted(ctx context.Context, orderID uuid.UUID) error {
	return m.Called(ctx, orderID).Error(0)
}

func (m *mockStore) WaitingCount(ctx context.Context, zoneID uuid.UUID) (int, error) {
	args := m.Called(ctx, zoneID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Enqueue(ctx context.Context, zoneID, orderID, riderID uuid.UUID, baseFare, surge float64, estWaitMin int) (*QueueEntry, error) {
	args := m.Called(ctx, zoneID, orderID, riderID, baseFare, surge, estWaitMin)
	if e, ok := args.Get(0).(*QueueEntry); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) Dequeue(ctx context.Context, orderID uuid.UUID, status QueueEntryStatus) error {
	return m.Called(ctx, orderID, status).Error(0)
}

func (m *mockStore) ReleaseHead(ctx context.Context, zoneID uuid.UUID) (*QueueEntry, error) {
	args := m.Called(ctx, zoneID)
	if e, ok := args.Get(0).(*QueueEntry); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) QueueStatus(ctx context.Context, orderID uuid.UUID) (QueueEntryStatus, int, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(QueueEntryStatus), args.Int(1), args.Error(2)
}

func (m *mockStore) ExpireTimedOut(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	if ids, ok := args.Get(0).([]uuid.UUID); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

var admissionNow = time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

func surgeDefaults() config.SurgeConfig {
	return config.SurgeConfig{
		Threshold:       0.80,
		Max:             1.50,
		Step:            0.10,
		AvgWaitPerOrder: 3 * time.Minute,
		QueueTimeout:    15 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

func testZone(queueEnabled bool) Zone {
	return Zone{
		ID:             uuid.New(),
		Name:           "center",
		Center:         geo.Point{Lat: 37.95, Lng: 58.38},
		RadiusKm:       3,
		PeakHours:      map[int]bool{},
		QuotaNormal:    10,
		QuotaPeak:      20,
		SurgeThreshold: 0.80,
		SurgeMax:       1.50,
		SurgeStep:      0.10,
		QueueEnabled:   queueEnabled,
		MaxQueue:       5,
		QueueTimeout:   15 * time.Minute,
		Priority:       1,
		Active:         true,
	}
}

func newTestController(store Store) *Controller {
	c := NewController(surgeDefaults(), store)
	c.now = func() time.Time { return admissionNow }
	return c
}

var insideZone = geo.Point{Lat: 37.955, Lng: 58.385}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSurgeStaircase(t *testing.T) {
	c := newTestController(nil)
	z := testZone(true)

	tests := []struct {
		used, limit int
		want        float64
	}{
		{0, 10, 1.0},
		{7, 10, 1.0},
		{8, 10, 1.10}, // threshold hit, one step
		{9, 10, 1.20},
		{10, 10, 1.30},
		{15, 10, 1.50}, // capped
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, c.surgeFor(&z, tt.used, tt.limit), 1e-9,
			"used=%d limit=%d", tt.used, tt.limit)
	}
}

func TestCheckAdmissionOutsideAnyZone(t *testing.T) {
	store := new(mockStore)
	store.On("ActiveZones", mock.Anything).Return([]Zone{testZone(true)}, nil)

	c := newTestController(store)
	adm, err := c.CheckAdmission(context.Background(), geo.Point{Lat: 39.0, Lng: 60.0}, 50)
	require.NoError(t, err)
	assert.Equal(t, DecisionNormal, adm.Decision)
	assert.Equal(t, 1.0, adm.Surge)
	assert.Nil(t, adm.Zone)
}

func TestCheckAdmissionSurgeLevels(t *testing.T) {
	z := testZone(true)

	admissionFor := func(used int) *Admission {
		store := new(mockStore)
		store.On("ActiveZones", mock.Anything).Return([]Zone{z}, nil)
		store.On("GetOrCreateQuota", mock.Anything, z.ID, mock.Anything, 14, 10).
			Return(&Quota{ZoneID: z.ID, Hour: 14, Limit: 10, Used: used, Surge: 1.0}, nil)
		store.On("UpdateSurge", mock.Anything, z.ID, mock.Anything, 14, mock.Anything).Return(nil)
		store.On("WaitingCount", mock.Anything, z.ID).Return(0, nil)

		c := newTestController(store)
		adm, err := c.CheckAdmission(context.Background(), insideZone, 50)
		require.NoError(t, err)
		return adm
	}

	t.Run("below threshold is NORMAL", func(t *testing.T) {
		adm := admissionFor(5)
		assert.Equal(t, DecisionNormal, adm.Decision)
		assert.Equal(t, 1.0, adm.Surge)
	})

	t.Run("at threshold one step", func(t *testing.T) {
		adm := admissionFor(8)
		assert.Equal(t, DecisionSurge, adm.Decision)
		assert.InDelta(t, 1.10, adm.Surge, 1e-9)
	})

	t.Run("deeper in the staircase", func(t *testing.T) {
		adm := admissionFor(9)
		assert.Equal(t, DecisionSurge, adm.Decision)
		assert.InDelta(t, 1.20, adm.Surge, 1e-9)
	})

	t.Run("full hour queues", func(t *testing.T) {
		adm := admissionFor(10)
		assert.Equal(t, DecisionQueue, adm.Decision)
		require.NotNil(t, adm.QueueInfo)
		assert.Equal(t, 1, adm.QueueInfo.Position)
		assert.Equal(t, 3, adm.QueueInfo.EstWaitMin)
	})
}

func TestCheckAdmissionFullZoneWithoutQueue(t *testing.T) {
	z := testZone(false)
	store := new(mockStore)
	store.On("ActiveZones", mock.Anything).Return([]Zone{z}, nil)
	store.On("GetOrCreateQuota", mock.Anything, z.ID, mock.Anything, 14, 10).
		Return(&Quota{ZoneID: z.ID, Hour: 14, Limit: 10, Used: 10, Surge: 1.2}, nil)
	store.On("UpdateSurge", mock.Anything, z.ID, mock.Anything, 14, 1.50).Return(nil)

	c := newTestController(store)
	adm, err := c.CheckAdmission(context.Background(), insideZone, 50)
	require.NoError(t, err)
	assert.Equal(t, DecisionSurge, adm.Decision)
	assert.InDelta(t, 1.50, adm.Surge, 1e-9)
	store.AssertCalled(t, "UpdateSurge", mock.Anything, z.ID, mock.Anything, 14, 1.50)
}

func TestCheckAdmissionQueueOverflowFallsBackToSurge(t *testing.T) {
	z := testZone(true)
	store := new(mockStore)
	store.On("ActiveZones", mock.Anything).Return([]Zone{z}, nil)
	store.On("GetOrCreateQuota", mock.Anything, z.ID, mock.Anything, 14, 10).
		Return(&Quota{ZoneID: z.ID, Hour: 14, Limit: 10, Used: 10, Surge: 1.5}, nil)
	store.On("WaitingCount", mock.Anything, z.ID).Return(5, nil)

	c := newTestController(store)
	adm, err := c.CheckAdmission(context.Background(), insideZone, 50)
	require.NoError(t, err)
	assert.Equal(t, DecisionSurge, adm.Decision)
	assert.InDelta(t, 1.50, adm.Surge, 1e-9)
}

func TestMatchZonePrefersHigherPriority(t *testing.T) {
	outer := testZone(true)
	outer.Name = "city"
	outer.RadiusKm = 20
	outer.Priority = 1

	inner := testZone(true)
	inner.Name = "airport"
	inner.RadiusKm = 3
	inner.Priority = 5

	store := new(mockStore)
	// ActiveZones returns priority-descending order, as the query does.
	store.On("ActiveZones", mock.Anything).Return([]Zone{inner, outer}, nil)

	c := newTestController(store)
	z := c.MatchZone(context.Background(), insideZone)
	require.NotNil(t, z)
	assert.Equal(t, "airport", z.Name)
}

func TestReleasePromotesHeadWaiter(t *testing.T) {
	orderID := uuid.New()
	zoneID := uuid.New()
	head := &QueueEntry{ID: uuid.New(), ZoneID: zoneID, OrderID: uuid.New(), Position: 1, Status: QueueReleased}

	store := new(mockStore)
	store.On("ReleaseQuota", mock.Anything, orderID).Return(&zoneID, nil)
	store.On("ReleaseHead", mock.Anything, zoneID).Return(head, nil)

	c := newTestController(store)
	entry, err := c.Release(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, head.OrderID, entry.OrderID)
	store.AssertExpectations(t)
}

func TestReleaseWithoutConsumedSlotIsNoOp(t *testing.T) {
	store := new(mockStore)
	store.On("ReleaseQuota", mock.Anything, mock.Anything).Return(nil, nil)

	c := newTestController(store)
	entry, err := c.Release(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, entry)
	store.AssertNotCalled(t, "ReleaseHead", mock.Anything, mock.Anything)
}

func TestEnqueueRecordsCommittedPrice(t *testing.T) {
	z := testZone(true)
	orderID, riderID := uuid.New(), uuid.New()

	store := new(mockStore)
	store.On("Enqueue", mock.Anything, z.ID, orderID, riderID, 100.0, 1.0, 3).
		Return(&QueueEntry{
			ID:             uuid.New(),
			ZoneID:         z.ID,
			OrderID:        orderID,
			RiderID:        riderID,
			BaseFare:       100,
			SurgeAtEnqueue: 1.0,
			SurgedFare:     100,
			Position:       1,
			Status:         QueueWaiting,
		}, nil)

	c := newTestController(store)
	entry, err := c.Enqueue(context.Background(), &z, orderID, riderID, 100, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.SurgeAtEnqueue)
	assert.Equal(t, 100.0, entry.SurgedFare)
	store.AssertExpectations(t)
}

func TestQueuePosition(t *testing.T) {
	orderID := uuid.New()

	store := new(mockStore)
	store.On("QueueStatus", mock.Anything, orderID).Return(QueueWaiting, 2, nil)

	c := newTestController(store)
	info, err := c.QueuePosition(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.Position)
	assert.Equal(t, 6, info.EstWaitMin)
}

func TestZoneDefaultsAppliedOnLoad(t *testing.T) {
	bare := testZone(true)
	bare.SurgeThreshold = 0
	bare.SurgeMax = 0
	bare.SurgeStep = 0
	bare.QueueTimeout = 0

	store := new(mockStore)
	store.On("ActiveZones", mock.Anything).Return([]Zone{bare}, nil)

	c := newTestController(store)
	zones := c.activeZones(context.Background())
	require.Len(t, zones, 1)
	assert.Equal(t, 0.80, zones[0].SurgeThreshold)
	assert.Equal(t, 1.50, zones[0].SurgeMax)
	assert.Equal(t, 0.10, zones[0].SurgeStep)
	assert.Equal(t, 15*time.Minute, zones[0].QueueTimeout)
}
