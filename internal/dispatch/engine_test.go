package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richxcame/taxi-dispatch/internal/decisionlog"
	"github.com/richxcame/taxi-dispatch/internal/hotzone"
	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/internal/predictor"
	"github.com/richxcame/taxi-dispatch/internal/presence"
	"github.com/richxcame/taxi-dispatch/internal/scoring"
	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/eventbus"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/websocket"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeOrders struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*orders.Order
	reasons map[uuid.UUID]orders.CancelReason
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		rows:    make(map[uuid.UUID]*orders.Order),
		reasons: make(map[uuid.UUID]orders.CancelReason),
	}
}

func (f *fakeOrders) Create(_ context.Context, o *orders.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.rows[o.ID] = &cp
	return nil
}

func (f *fakeOrders) GetByID(_ context.Context, id uuid.UUID) (*orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) MarkQueued(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok || o.Status != orders.StatusOffered {
		return orders.ErrConflict
	}
	o.Status = orders.StatusQueued
	return nil
}

func (f *fakeOrders) MarkDispatching(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok || (o.Status != orders.StatusOffered && o.Status != orders.StatusQueued) {
		return orders.ErrConflict
	}
	o.Status = orders.StatusDispatching
	return nil
}

func (f *fakeOrders) BindDriver(_ context.Context, id, driverID uuid.UUID, acceptedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok || o.Status != orders.StatusDispatching {
		return orders.ErrConflict
	}
	o.Status = orders.StatusAccepted
	o.DriverID = &driverID
	o.AcceptedAt = &acceptedAt
	return nil
}

func (f *fakeOrders) Cancel(_ context.Context, id uuid.UUID, reason orders.CancelReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok {
		return orders.ErrNotFound
	}
	switch o.Status {
	case orders.StatusAccepted, orders.StatusDone, orders.StatusCancelled:
		return orders.ErrConflict
	}
	o.Status = orders.StatusCancelled
	f.reasons[id] = reason
	return nil
}

func (f *fakeOrders) CancelAccepted(_ context.Context, id uuid.UUID, reason orders.CancelReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok || (o.Status != orders.StatusAccepted && o.Status != orders.StatusArrived) {
		return orders.ErrConflict
	}
	o.Status = orders.StatusCancelled
	f.reasons[id] = reason
	return nil
}

func (f *fakeOrders) Advance(_ context.Context, id uuid.UUID, from, to orders.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok || o.Status != from {
		return orders.ErrConflict
	}
	o.Status = to
	return nil
}

func (f *fakeOrders) IncrementRejectCount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.rows[id]; ok {
		o.RejectCount++
	}
	return nil
}

func (f *fakeOrders) SetFinalFare(_ context.Context, id uuid.UUID, fare, surge float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.rows[id]; ok {
		o.FinalFare = &fare
		o.SurgeMultiplier = surge
	}
	return nil
}

func (f *fakeOrders) status(id uuid.UUID) orders.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.rows[id]; ok {
		return o.Status
	}
	return ""
}

func (f *fakeOrders) reason(id uuid.UUID) orders.CancelReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reasons[id]
}

type fakeRanker struct {
	mu       sync.Mutex
	batches  [][]scoring.DriverScore
	calls    int
	excludes []map[uuid.UUID]struct{}
}

func (f *fakeRanker) Rank(_ context.Context, _ *orders.Order, exclude map[uuid.UUID]struct{}, _ int) []scoring.DriverScore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excludes = append(f.excludes, exclude)
	if f.calls >= len(f.batches) {
		f.calls++
		return nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch
}

func (f *fakeRanker) rankCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeZones struct {
	mu           sync.Mutex
	admissions   []*hotzone.Admission
	consumeOK    bool
	enqueued     []uuid.UUID
	dequeued     []uuid.UUID
	released     map[uuid.UUID]bool
	releaseEntry *hotzone.QueueEntry
	completed    []uuid.UUID
}

func newFakeZones() *fakeZones {
	return &fakeZones{consumeOK: true, released: make(map[uuid.UUID]bool)}
}

func (f *fakeZones) CheckAdmission(_ context.Context, _ geo.Point, _ float64) (*hotzone.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.admissions) > 0 {
		adm := f.admissions[0]
		f.admissions = f.admissions[1:]
		return adm, nil
	}
	return &hotzone.Admission{Decision: hotzone.DecisionNormal, Surge: 1.0}, nil
}

func (f *fakeZones) Consume(_ context.Context, _ *hotzone.Zone, _ uuid.UUID, _, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumeOK, nil
}

func (f *fakeZones) Release(_ context.Context, _ uuid.UUID) (*hotzone.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.releaseEntry
	f.releaseEntry = nil
	return entry, nil
}

func (f *fakeZones) MarkCompleted(_ context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, orderID)
	return nil
}

func (f *fakeZones) Enqueue(_ context.Context, _ *hotzone.Zone, orderID, _ uuid.UUID, baseFare, surge float64) (*hotzone.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, orderID)
	return &hotzone.QueueEntry{
		OrderID:        orderID,
		BaseFare:       baseFare,
		SurgeAtEnqueue: surge,
		SurgedFare:     baseFare * surge,
		Position:       len(f.enqueued),
		EstWaitMin:     3 * len(f.enqueued),
	}, nil
}

func (f *fakeZones) Dequeue(_ context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeued = append(f.dequeued, orderID)
	return nil
}

func (f *fakeZones) Released(_ context.Context, orderID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[orderID], nil
}

func (f *fakeZones) QueuePosition(_ context.Context, _ uuid.UUID) (*hotzone.QueueInfo, error) {
	return nil, nil
}

func (f *fakeZones) markReleased(orderID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[orderID] = true
}

type fakeHub struct {
	mu          sync.Mutex
	msgs        map[string][]*websocket.Message
	unreachable map[string]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{msgs: make(map[string][]*websocket.Message), unreachable: make(map[string]bool)}
}

func (f *fakeHub) PushToUser(userID string, msg *websocket.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[userID] {
		return false
	}
	f.msgs[userID] = append(f.msgs[userID], msg)
	return true
}

func (f *fakeHub) typesFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, m := range f.msgs[userID] {
		types = append(types, m.Type)
	}
	return types
}

func (f *fakeHub) has(userID, msgType string) bool {
	for _, t := range f.typesFor(userID) {
		if t == msgType {
			return true
		}
	}
	return false
}

type fakePresence struct {
	mu      sync.Mutex
	entries map[uuid.UUID]presence.Entry
	avail   map[uuid.UUID]presence.Availability
}

func newFakePresence(driverIDs ...uuid.UUID) *fakePresence {
	f := &fakePresence{
		entries: make(map[uuid.UUID]presence.Entry),
		avail:   make(map[uuid.UUID]presence.Availability),
	}
	for _, id := range driverIDs {
		f.entries[id] = presence.Entry{DriverID: id, Availability: presence.Available}
	}
	return f
}

func (f *fakePresence) Lookup(driverID uuid.UUID) (presence.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[driverID]
	return e, ok
}

func (f *fakePresence) SetAvailability(driverID uuid.UUID, av presence.Availability) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avail[driverID] = av
	return true
}

func (f *fakePresence) availability(driverID uuid.UUID) presence.Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail[driverID]
}

type fakeLogs struct {
	mu         sync.Mutex
	entries    []decisionlog.Entry
	outcomes   []decisionlog.OutcomeUpdate
	rejections []decisionlog.Rejection
}

func (f *fakeLogs) LogEntry(e decisionlog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeLogs) LogOutcome(u decisionlog.OutcomeUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, u)
}

func (f *fakeLogs) LogRejection(rej decisionlog.Rejection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, rej)
}

func (f *fakeLogs) outcomeFor(driverID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.outcomes) - 1; i >= 0; i-- {
		if f.outcomes[i].DriverID == driverID {
			return f.outcomes[i].Outcome
		}
	}
	return ""
}

func (f *fakeLogs) entryOutcomeFor(driverID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].DriverID == driverID {
			return f.entries[i].Outcome
		}
	}
	return ""
}

func (f *fakeLogs) sourceFor(driverID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].DriverID == driverID {
			return f.entries[i].PRejectSource
		}
	}
	return ""
}

var _ EventPublisher = (*nopBus)(nil)

type nopBus struct{}

func (nopBus) Publish(_ context.Context, _ string, _ *eventbus.Event) error { return nil }

// ─── helpers ─────────────────────────────────────────────────────────────────

func testDispatchCfg() config.DispatchConfig {
	return config.DispatchConfig{
		BatchSize:          2,
		BatchTimeout:       40 * time.Millisecond,
		MaxBatches:         3,
		OrderTotalTimeout:  2 * time.Second,
		RejectThreshold:    0.70,
		QueueReleaseTick:   10 * time.Millisecond,
		WeightDistance:     0.20,
		WeightETA:          0.20,
		WeightEarnings:     0.20,
		WeightAcceptance:   0.20,
		WeightEfficiency:   0.10,
		WeightHotZone:      0.10,
		EarningsSaturation: 8500,
		HeartbeatFreshness: 15 * time.Second,
	}
}

type engineFixture struct {
	engine *Engine
	repo   *fakeOrders
	ranker *fakeRanker
	zones  *fakeZones
	hub    *fakeHub
	pres   *fakePresence
	logs   *fakeLogs
}

func newEngineFixture(cfg config.DispatchConfig, ranker *fakeRanker, driverIDs ...uuid.UUID) *engineFixture {
	f := &engineFixture{
		repo:   newFakeOrders(),
		ranker: ranker,
		zones:  newFakeZones(),
		hub:    newFakeHub(),
		pres:   newFakePresence(driverIDs...),
		logs:   &fakeLogs{},
	}
	f.engine = NewEngine(cfg, Deps{
		Orders:   f.repo,
		Scorer:   f.ranker,
		Zones:    f.zones,
		Hub:      f.hub,
		Presence: f.pres,
		Logs:     f.logs,
		Bus:      nopBus{},
	})
	return f
}

func candidate(driverID uuid.UUID, total float64) scoring.DriverScore {
	return scoring.DriverScore{
		DriverID:      driverID,
		Total:         total,
		Components:    map[string]float64{scoring.ComponentDistance: total},
		DistanceKm:    1.2,
		PReject:       0.10,
		PRejectSource: predictor.SourceRules,
	}
}

func rideOrder() *orders.Order {
	fare := 120.0
	return &orders.Order{
		ID:        uuid.New(),
		RiderID:   uuid.New(),
		Pickup:    geo.Point{Lat: 37.95, Lng: 58.38},
		BaseFare:  &fare,
		HourOfDay: 14,
		DayOfWeek: 2,
		CreatedAt: time.Now(),
	}
}

func eventually(t *testing.T, cond func() bool, hint string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, hint)
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSubmitOffersAndAcceptWins(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90), candidate(d2, 80)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1, d2)

	order := rideOrder()
	placement, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, DispatchSearching, placement.Status)
	assert.Equal(t, 1.0, placement.Surge)

	eventually(t, func() bool {
		return f.hub.has(d1.String(), websocket.TypeOrderOffer) && f.hub.has(d2.String(), websocket.TypeOrderOffer)
	}, "both drivers should receive the offer")

	res, err := f.engine.Accept(context.Background(), order.ID, d1)
	require.NoError(t, err)
	assert.True(t, res.OK)

	assert.Equal(t, orders.StatusAccepted, f.repo.status(order.ID))
	assert.Equal(t, presence.OnTrip, f.pres.availability(d1))
	assert.Equal(t, decisionlog.OutcomeAccepted, f.logs.outcomeFor(d1))
	assert.Equal(t, decisionlog.OutcomeSkipped, f.logs.outcomeFor(d2))
	eventually(t, func() bool { return f.hub.has(d2.String(), websocket.TypeOrderTaken) }, "loser should learn the order is taken")
	eventually(t, func() bool { return f.hub.has(order.RiderID.String(), websocket.TypeOrderUpdate) }, "rider should get the accept update")
}

func TestSecondAcceptLoses(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90), candidate(d2, 80)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1, d2)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "offer should arrive")

	res, err := f.engine.Accept(context.Background(), order.ID, d1)
	require.NoError(t, err)
	require.True(t, res.OK)

	res2, err := f.engine.Accept(context.Background(), order.ID, d2)
	require.NoError(t, err)
	assert.False(t, res2.OK)
	assert.True(t, res2.AlreadyTaken)

	// The winner retrying gets a calm OK back.
	res3, err := f.engine.Accept(context.Background(), order.ID, d1)
	require.NoError(t, err)
	assert.True(t, res3.OK)
}

func TestRejectEscalatesToNextBatch(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{
		{candidate(d1, 90)},
		{candidate(d2, 80)},
	}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1, d2)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "first batch should go out")

	res, err := f.engine.Reject(context.Background(), order.ID, d1, orders.RejectTooFar, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.ReDispatched)
	assert.Equal(t, 2, res.NextBatch)

	eventually(t, func() bool { return f.hub.has(d2.String(), websocket.TypeOrderOffer) }, "second batch should go out")
	assert.Equal(t, decisionlog.OutcomeRejected, f.logs.outcomeFor(d1))

	// The rejecting driver never sees the order again.
	f.logs.mu.Lock()
	rejection := f.logs.rejections[0]
	f.logs.mu.Unlock()
	assert.Equal(t, string(orders.RejectTooFar), rejection.ReasonCode)
	_, excluded := f.ranker.excludes[1][d1]
	assert.True(t, excluded)
}

func TestAllRejectedCancelsOrder(t *testing.T) {
	d1 := uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "offer should arrive")

	_, err = f.engine.Reject(context.Background(), order.ID, d1, orders.RejectLowFare, nil)
	require.NoError(t, err)

	eventually(t, func() bool { return f.repo.status(order.ID) == orders.StatusCancelled }, "order should cancel")
	assert.Equal(t, orders.ReasonAllRejected, f.repo.reason(order.ID))
	eventually(t, func() bool { return f.hub.has(order.RiderID.String(), websocket.TypeOrderUpdate) }, "rider should learn the outcome")
}

func TestBatchTimeoutPromotesNextTier(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{
		{candidate(d1, 90)},
		{candidate(d2, 80)},
	}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1, d2)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)

	eventually(t, func() bool { return f.hub.has(d2.String(), websocket.TypeOrderOffer) }, "timeout should promote the next tier")
	assert.True(t, f.hub.has(d1.String(), websocket.TypeOrderBatchTimeout))
	assert.Equal(t, decisionlog.OutcomeTimeout, f.logs.outcomeFor(d1))
}

func TestTimeoutThenEmptyRankingCancelsAllRejected(t *testing.T) {
	d1 := uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "offer should arrive")
	assert.Equal(t, string(predictor.SourceRules), f.logs.sourceFor(d1))

	// d1 never responds: the batch times out, the next ranking is empty, and
	// the implicit timeout counts as a rejection.
	eventually(t, func() bool { return f.repo.status(order.ID) == orders.StatusCancelled }, "order should cancel")
	assert.Equal(t, orders.ReasonAllRejected, f.repo.reason(order.ID))
	assert.Equal(t, decisionlog.OutcomeTimeout, f.logs.outcomeFor(d1))
}

func TestUnreachableDriverBurnsSlot(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{
		{candidate(d1, 90)},
		{candidate(d2, 80)},
	}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1, d2)
	f.hub.unreachable[d1.String()] = true

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)

	eventually(t, func() bool { return f.hub.has(d2.String(), websocket.TypeOrderOffer) }, "next tier should fire immediately")
	assert.Equal(t, decisionlog.OutcomeSkipped, f.logs.entryOutcomeFor(d1))
	_, excluded := f.ranker.excludes[1][d1]
	assert.True(t, excluded)
}

func TestMaxBatchesCancels(t *testing.T) {
	d1 := uuid.New()
	cfg := testDispatchCfg()
	cfg.MaxBatches = 1
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{
		{candidate(d1, 90)},
		{candidate(uuid.New(), 80)},
	}}
	f := newEngineFixture(cfg, ranker, d1)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "offer should arrive")

	res, err := f.engine.Reject(context.Background(), order.ID, d1, orders.RejectOther, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.ReDispatched)

	eventually(t, func() bool { return f.repo.status(order.ID) == orders.StatusCancelled }, "order should cancel")
	assert.Equal(t, orders.ReasonMaxBatches, f.repo.reason(order.ID))
}

func TestRiderCancelDuringSearch(t *testing.T) {
	d1 := uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "offer should arrive")

	require.NoError(t, f.engine.CancelByRider(context.Background(), order.ID, order.RiderID))

	assert.Equal(t, orders.StatusCancelled, f.repo.status(order.ID))
	assert.Equal(t, orders.ReasonRider, f.repo.reason(order.ID))
	assert.Equal(t, decisionlog.OutcomeSkipped, f.logs.outcomeFor(d1))

	// Another rider cannot cancel someone else's order.
	err = f.engine.CancelByRider(context.Background(), order.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestQueueAdmissionParksOrder(t *testing.T) {
	zone := &hotzone.Zone{ID: uuid.New(), Name: "airport"}
	d1 := uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1)
	f.zones.admissions = []*hotzone.Admission{{
		Decision: hotzone.DecisionQueue,
		Surge:    1.0,
		Zone:     zone,
		ZoneName: zone.Name,
	}}

	order := rideOrder()
	placement, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, DispatchQueued, placement.Status)
	require.NotNil(t, placement.QueueInfo)
	assert.Equal(t, 1, placement.QueueInfo.Position)
	assert.Equal(t, orders.StatusQueued, f.repo.status(order.ID))
	assert.Zero(t, f.ranker.rankCalls())

	// Slot frees up: the poll notices and dispatch starts.
	f.zones.markReleased(order.ID)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "released order should start offering")
	assert.Equal(t, orders.StatusDispatching, f.repo.status(order.ID))
}

func TestQueueExpiryCancelsOrder(t *testing.T) {
	zone := &hotzone.Zone{ID: uuid.New(), Name: "airport"}
	f := newEngineFixture(testDispatchCfg(), &fakeRanker{})
	f.zones.admissions = []*hotzone.Admission{{
		Decision: hotzone.DecisionQueue,
		Surge:    1.0,
		Zone:     zone,
		ZoneName: zone.Name,
	}}

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)

	f.engine.OnQueueExpired(order.ID)

	eventually(t, func() bool { return f.repo.status(order.ID) == orders.StatusCancelled }, "expired order should cancel")
	assert.Equal(t, orders.ReasonQueueExpired, f.repo.reason(order.ID))
}

func TestFinalizeResumesPromotedQueueEntry(t *testing.T) {
	zone := &hotzone.Zone{ID: uuid.New(), Name: "airport"}
	d1 := uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{
		nil,                 // order B finds nobody
		{candidate(d1, 90)}, // promoted order A offers
	}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1)

	// Order A waits in the zone queue.
	f.zones.admissions = []*hotzone.Admission{{
		Decision: hotzone.DecisionQueue, Surge: 1.0, Zone: zone, ZoneName: zone.Name,
	}}
	orderA := rideOrder()
	_, err := f.engine.Submit(context.Background(), orderA)
	require.NoError(t, err)

	// Order B dies with no drivers; its slot release promotes A.
	f.zones.releaseEntry = &hotzone.QueueEntry{OrderID: orderA.ID, ZoneID: zone.ID}
	orderB := rideOrder()
	_, err = f.engine.Submit(context.Background(), orderB)
	require.NoError(t, err)

	eventually(t, func() bool { return f.repo.status(orderB.ID) == orders.StatusCancelled }, "order B should cancel")
	assert.Equal(t, orders.ReasonNoDrivers, f.repo.reason(orderB.ID))
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "order A should resume dispatch")
	eventually(t, func() bool { return f.repo.status(orderA.ID) == orders.StatusDispatching }, "order A should be dispatching")
}

func TestTripLifecycle(t *testing.T) {
	d1 := uuid.New()
	ranker := &fakeRanker{batches: [][]scoring.DriverScore{{candidate(d1, 90)}}}
	f := newEngineFixture(testDispatchCfg(), ranker, d1)

	order := rideOrder()
	_, err := f.engine.Submit(context.Background(), order)
	require.NoError(t, err)
	eventually(t, func() bool { return f.hub.has(d1.String(), websocket.TypeOrderOffer) }, "offer should arrive")

	res, err := f.engine.Accept(context.Background(), order.ID, d1)
	require.NoError(t, err)
	require.True(t, res.OK)

	require.NoError(t, f.engine.Arrive(context.Background(), order.ID, d1))
	assert.Equal(t, orders.StatusArrived, f.repo.status(order.ID))

	require.NoError(t, f.engine.StartTrip(context.Background(), order.ID, d1))
	assert.Equal(t, orders.StatusOnTrip, f.repo.status(order.ID))

	require.NoError(t, f.engine.Complete(context.Background(), order.ID, d1))
	assert.Equal(t, orders.StatusDone, f.repo.status(order.ID))
	assert.Equal(t, presence.Available, f.pres.availability(d1))
	assert.Contains(t, f.zones.completed, order.ID)

	// A stranger cannot drive someone else's trip.
	err = f.engine.Arrive(context.Background(), order.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotOwner)
}
