package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/internal/decisionlog"
	"github.com/richxcame/taxi-dispatch/internal/hotzone"
	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/internal/predictor"
	"github.com/richxcame/taxi-dispatch/internal/presence"
	"github.com/richxcame/taxi-dispatch/internal/scoring"
	"github.com/richxcame/taxi-dispatch/pkg/async"
	"github.com/richxcame/taxi-dispatch/pkg/cache"
	"github.com/richxcame/taxi-dispatch/pkg/config"
	"github.com/richxcame/taxi-dispatch/pkg/eventbus"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
	"github.com/richxcame/taxi-dispatch/pkg/metrics"
	"github.com/richxcame/taxi-dispatch/pkg/websocket"
)

// ErrBusy means the order's mailbox is full; the caller should retry.
var ErrBusy = errors.New("order is busy, retry")

// ErrNotOwner means the caller does not own the order they are acting on.
var ErrNotOwner = errors.New("order belongs to another user")

// Dispatch status values surfaced to the rider on placement.
const (
	DispatchSearching = "SEARCHING"
	DispatchQueued    = "QUEUED"
)

// OrderStore is the durable order surface the engine drives.
type OrderStore interface {
	Create(ctx context.Context, o *orders.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*orders.Order, error)
	MarkQueued(ctx context.Context, id uuid.UUID) error
	MarkDispatching(ctx context.Context, id uuid.UUID) error
	BindDriver(ctx context.Context, id, driverID uuid.UUID, acceptedAt time.Time) error
	Cancel(ctx context.Context, id uuid.UUID, reason orders.CancelReason) error
	CancelAccepted(ctx context.Context, id uuid.UUID, reason orders.CancelReason) error
	Advance(ctx context.Context, id uuid.UUID, from, to orders.Status) error
	IncrementRejectCount(ctx context.Context, id uuid.UUID) error
	SetFinalFare(ctx context.Context, id uuid.UUID, fare, surge float64) error
}

// Ranker produces the scored candidate list for a batch.
type Ranker interface {
	Rank(ctx context.Context, order *orders.Order, exclude map[uuid.UUID]struct{}, k int) []scoring.DriverScore
}

// ZoneController is the hot-zone admission surface.
type ZoneController interface {
	CheckAdmission(ctx context.Context, pickup geo.Point, baseFare float64) (*hotzone.Admission, error)
	Consume(ctx context.Context, zone *hotzone.Zone, orderID uuid.UUID, baseFare, surge float64) (bool, error)
	Release(ctx context.Context, orderID uuid.UUID) (*hotzone.QueueEntry, error)
	MarkCompleted(ctx context.Context, orderID uuid.UUID) error
	Enqueue(ctx context.Context, zone *hotzone.Zone, orderID, riderID uuid.UUID, baseFare, surge float64) (*hotzone.QueueEntry, error)
	Dequeue(ctx context.Context, orderID uuid.UUID) error
	Released(ctx context.Context, orderID uuid.UUID) (bool, error)
	QueuePosition(ctx context.Context, orderID uuid.UUID) (*hotzone.QueueInfo, error)
}

// Pusher delivers realtime messages to connected clients.
type Pusher interface {
	PushToUser(userID string, msg *websocket.Message) bool
}

// PresenceStore is the live driver pool surface.
type PresenceStore interface {
	Lookup(driverID uuid.UUID) (presence.Entry, bool)
	SetAvailability(driverID uuid.UUID, av presence.Availability) bool
}

// DecisionSink receives offer decisions and their resolutions.
type DecisionSink interface {
	LogEntry(e decisionlog.Entry)
	LogOutcome(u decisionlog.OutcomeUpdate)
	LogRejection(rej decisionlog.Rejection)
}

// ProfileRefresher recomputes a driver's behavioral profile after a reject.
type ProfileRefresher interface {
	UpdateProfile(ctx context.Context, driverID uuid.UUID) error
}

// EarningsSink rolls completed fares into the driver's daily totals.
type EarningsSink interface {
	AddDailyEarnings(ctx context.Context, driverID uuid.UUID, at time.Time, amount float64) error
}

// EventPublisher emits order lifecycle events. Optional.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// Deps bundles the engine's collaborators. AutoAccept, Profiles, Earnings,
// Bus and Cache are optional and may be nil.
type Deps struct {
	Orders   OrderStore
	Scorer   Ranker
	Zones    ZoneController
	Hub      Pusher
	Presence PresenceStore
	Logs     DecisionSink

	AutoAccept *AutoAcceptEvaluator
	Profiles   ProfileRefresher
	Earnings   EarningsSink
	Bus        EventPublisher
	Cache      *cache.Manager
}

// Engine runs the tiered offer loop. Each in-flight order is owned by one
// goroutine draining a mailbox; handlers and timers only post messages, so
// per-order state needs no locks.
type Engine struct {
	cfg      config.DispatchConfig
	repo     OrderStore
	scorer   Ranker
	zones    ZoneController
	hub      Pusher
	presence PresenceStore
	logs     DecisionSink
	registry *Registry

	autoAccept *AutoAcceptEvaluator
	profiles   ProfileRefresher
	earnings   EarningsSink
	bus        EventPublisher
	cache      *cache.Manager

	now func() time.Time
}

// NewEngine wires the dispatch engine.
func NewEngine(cfg config.DispatchConfig, d Deps) *Engine {
	return &Engine{
		cfg:        cfg,
		repo:       d.Orders,
		scorer:     d.Scorer,
		zones:      d.Zones,
		hub:        d.Hub,
		presence:   d.Presence,
		logs:       d.Logs,
		registry:   NewRegistry(),
		autoAccept: d.AutoAccept,
		profiles:   d.Profiles,
		earnings:   d.Earnings,
		bus:        d.Bus,
		cache:      d.Cache,
		now:        time.Now,
	}
}

// ActiveOrders returns the number of orders currently in dispatch.
func (e *Engine) ActiveOrders() int {
	return e.registry.Count()
}

// Placement is the rider-facing result of submitting an order.
type Placement struct {
	OrderID   uuid.UUID          `json:"order_id"`
	Status    string             `json:"dispatch_status"`
	Surge     float64            `json:"surge_multiplier"`
	ZoneName  string             `json:"zone_name,omitempty"`
	QueueInfo *hotzone.QueueInfo `json:"queue_info,omitempty"`
}

// Submit persists the order, runs zone admission, and either starts the
// offer loop or parks the order in the zone's queue.
func (e *Engine) Submit(ctx context.Context, order *orders.Order) (*Placement, error) {
	fare := orderFareValue(order)

	adm, err := e.zones.CheckAdmission(ctx, order.Pickup, fare)
	if err != nil {
		logger.WarnContext(ctx, "zone admission failed, dispatching without it",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		adm = &hotzone.Admission{Decision: hotzone.DecisionNormal, Surge: 1.0}
	}

	order.SurgeMultiplier = adm.Surge
	if adm.Zone != nil {
		order.ZoneID = &adm.Zone.ID
	}
	order.Status = orders.StatusOffered
	if adm.Decision == hotzone.DecisionQueue {
		order.Status = orders.StatusQueued
	}

	if err := e.repo.Create(ctx, order); err != nil {
		return nil, err
	}

	if adm.Decision == hotzone.DecisionQueue {
		return e.parkInQueue(ctx, order, adm.Zone, adm.Surge)
	}

	// Consume the zone slot. The hour can fill between admission and here;
	// re-run admission once and follow where it points.
	if adm.Zone != nil && adm.Zone.QuotaLimit(e.now().Hour()) > 0 {
		ok, err := e.zones.Consume(ctx, adm.Zone, order.ID, fare, adm.Surge)
		if err != nil {
			logger.WarnContext(ctx, "quota consume failed, dispatching anyway",
				zap.String("order_id", order.ID.String()),
				zap.Error(err),
			)
		} else if !ok {
			again, err := e.zones.CheckAdmission(ctx, order.Pickup, fare)
			if err == nil && again.Decision == hotzone.DecisionQueue {
				if qErr := e.repo.MarkQueued(ctx, order.ID); qErr != nil {
					logger.WarnContext(ctx, "mark queued failed", zap.Error(qErr))
				}
				order.Status = orders.StatusQueued
				order.SurgeMultiplier = again.Surge
				return e.parkInQueue(ctx, order, again.Zone, again.Surge)
			}
			// Queue unavailable: admit at the zone ceiling without a slot.
			adm.Surge = adm.Zone.SurgeMax
			order.SurgeMultiplier = adm.Surge
		}
	}

	if order.BaseFare != nil {
		final := *order.BaseFare * adm.Surge
		if err := e.repo.SetFinalFare(ctx, order.ID, final, adm.Surge); err != nil {
			logger.WarnContext(ctx, "final fare update failed", zap.Error(err))
		}
		order.FinalFare = &final
	}

	if err := e.repo.MarkDispatching(ctx, order.ID); err != nil {
		return nil, err
	}
	order.Status = orders.StatusDispatching

	e.startTask(ctx, order, adm.Zone, adm.Surge, false)
	e.publish(ctx, eventbus.SubjectOrderRequested, map[string]interface{}{
		"order_id": order.ID,
		"rider_id": order.RiderID,
		"surge":    adm.Surge,
	})

	return &Placement{
		OrderID:  order.ID,
		Status:   DispatchSearching,
		Surge:    adm.Surge,
		ZoneName: adm.ZoneName,
	}, nil
}

func (e *Engine) parkInQueue(ctx context.Context, order *orders.Order, zone *hotzone.Zone, surge float64) (*Placement, error) {
	entry, err := e.zones.Enqueue(ctx, zone, order.ID, order.RiderID, orderFareValue(order), surge)
	if err != nil {
		return nil, err
	}

	e.startTask(ctx, order, zone, surge, true)

	info := &hotzone.QueueInfo{Position: entry.Position, EstWaitMin: entry.EstWaitMin}
	e.pushRider(order.RiderID, order.ID, map[string]interface{}{
		"status":     string(orders.StatusQueued),
		"zone_name":  zone.Name,
		"queue_info": info,
	})
	e.publish(ctx, eventbus.SubjectOrderQueued, map[string]interface{}{
		"order_id": order.ID,
		"rider_id": order.RiderID,
		"zone_id":  zone.ID,
		"position": entry.Position,
	})
	logger.InfoContext(ctx, "order queued",
		zap.String("order_id", order.ID.String()),
		zap.String("zone", zone.Name),
		zap.Int("position", entry.Position),
	)

	return &Placement{
		OrderID:   order.ID,
		Status:    DispatchQueued,
		Surge:     surge,
		ZoneName:  zone.Name,
		QueueInfo: info,
	}, nil
}

func (e *Engine) startTask(ctx context.Context, order *orders.Order, zone *hotzone.Zone, surge float64, queued bool) {
	state := newOrderState(order, zone, surge)
	state.queued = queued
	task := newOrderTask(state)
	e.registry.Insert(task)

	async.Go(ctx, "dispatch-order", func(taskCtx context.Context) {
		e.runOrder(taskCtx, task)
	})
	if !queued {
		task.post(msgStartBatch{})
	}
}

// runOrder is the single goroutine owning one order's dispatch state. Queued
// orders additionally poll their queue slot on a fixed tick.
func (e *Engine) runOrder(ctx context.Context, t *orderTask) {
	tick := e.cfg.QueueReleaseTick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.state.queued {
				continue
			}
			released, err := e.zones.Released(ctx, t.orderID)
			if err != nil {
				logger.WarnContext(ctx, "queue poll failed",
					zap.String("order_id", t.orderID.String()),
					zap.Error(err),
				)
				continue
			}
			if released {
				e.handleQueueReleased(ctx, t)
			}
		case msg := <-t.mailbox:
			e.handleMsg(ctx, t, msg)
		}
		if t.state.finalized {
			return
		}
	}
}

func (e *Engine) handleMsg(ctx context.Context, t *orderTask, msg mailboxMsg) {
	switch m := msg.(type) {
	case msgStartBatch:
		e.executeBatch(ctx, t)
	case msgAccept:
		e.handleAccept(ctx, t, m)
	case msgReject:
		e.handleReject(ctx, t, m)
	case msgBatchTimeout:
		e.handleBatchTimeout(ctx, t, m)
	case msgOrderTimeout:
		e.finalize(ctx, t, orders.ReasonTimeout)
	case msgCancel:
		e.handleCancel(ctx, t, m)
	case msgQueueReleased:
		e.handleQueueReleased(ctx, t)
	case msgQueueExpired:
		e.handleQueueExpired(ctx, t)
	}
}

// executeBatch ranks the remaining pool and offers to the next tier. An
// empty ranking ends the order; a tier where nobody was reachable burns the
// tier and tries again.
func (e *Engine) executeBatch(ctx context.Context, t *orderTask) {
	s := t.state

	if s.batchNum >= e.cfg.MaxBatches {
		e.finalize(ctx, t, orders.ReasonMaxBatches)
		return
	}

	ranked := e.scorer.Rank(ctx, s.order, s.excludeSet(), e.cfg.BatchSize)
	if len(ranked) == 0 {
		// A timeout counts as a rejection: NO_DRIVERS is reserved for
		// orders where nobody was ever offered.
		reason := orders.ReasonNoDrivers
		if len(s.allRejected)+len(s.allTimedOut) > 0 {
			reason = orders.ReasonAllRejected
		}
		e.finalize(ctx, t, reason)
		return
	}

	s.batchNum++
	now := e.now()
	batch := newBatchRecord(s.batchNum, now)
	s.batches = append(s.batches, batch)

	fare := orderFareValue(s.order)
	for _, ds := range ranked {
		entry := e.decisionEntry(s, ds, now)
		driverKey := ds.DriverID.String()

		delivered := e.hub.PushToUser(driverKey, &websocket.Message{
			Type:    websocket.TypeOrderOffer,
			OrderID: s.order.ID.String(),
			UserID:  driverKey,
			Data:    e.offerPayload(ctx, s, ds, fare),
		})
		if !delivered {
			// Unreachable driver burns their slot in this order.
			entry.Outcome = decisionlog.OutcomeSkipped
			e.logs.LogEntry(entry)
			s.allTimedOut[ds.DriverID] = struct{}{}
			continue
		}

		entry.Outcome = decisionlog.OutcomeOffered
		e.logs.LogEntry(entry)
		batch.offered[ds.DriverID] = struct{}{}
		s.allOffered[ds.DriverID] = struct{}{}
		s.offeredAt[ds.DriverID] = now
		e.trackOffer(ctx, s.order.ID, ds.DriverID)
	}

	if len(batch.offered) == 0 {
		e.executeBatch(ctx, t)
		return
	}

	metrics.BatchesExecuted.Inc()
	logger.InfoContext(ctx, "offer batch sent",
		zap.String("order_id", s.order.ID.String()),
		zap.Int("batch", s.batchNum),
		zap.Int("offers", len(batch.offered)),
	)

	batchNum := s.batchNum
	s.batchTimer = time.AfterFunc(e.cfg.BatchTimeout, func() {
		t.post(msgBatchTimeout{batch: batchNum})
	})
	if s.orderTimer == nil {
		s.orderTimer = time.AfterFunc(e.cfg.OrderTotalTimeout, func() {
			t.post(msgOrderTimeout{})
		})
	}
}

func (e *Engine) handleAccept(ctx context.Context, t *orderTask, m msgAccept) {
	s := t.state
	batch := s.currentBatch()

	eligible := batch != nil && !s.queued
	if eligible {
		_, offered := batch.offered[m.driverID]
		_, rejected := batch.rejected[m.driverID]
		_, timedOut := batch.timedOut[m.driverID]
		eligible = offered && !rejected && !timedOut
	}
	if !eligible {
		m.reply <- acceptResult{AlreadyTaken: true}
		return
	}

	acceptedAt := e.now()
	if err := e.repo.BindDriver(ctx, s.order.ID, m.driverID, acceptedAt); err != nil {
		if errors.Is(err, orders.ErrConflict) {
			m.reply <- acceptResult{AlreadyTaken: true}
		} else {
			m.reply <- acceptResult{Err: err}
		}
		return
	}

	s.stopTimers()
	winner := m.driverID
	batch.acceptedBy = &winner
	batch.endedAt = acceptedAt

	var responseMs *int
	if at, ok := s.offeredAt[m.driverID]; ok {
		elapsed := acceptedAt.Sub(at)
		ms := int(elapsed.Milliseconds())
		responseMs = &ms
		metrics.OfferResponseSeconds.Observe(elapsed.Seconds())
	}
	e.logs.LogOutcome(decisionlog.OutcomeUpdate{
		OrderID:     s.order.ID,
		DriverID:    m.driverID,
		BatchNumber: batch.number,
		Outcome:     decisionlog.OutcomeAccepted,
		ResponseMs:  responseMs,
	})

	// Losers with a live offer learn the order is gone.
	for other := range batch.offered {
		if other == m.driverID {
			continue
		}
		if _, done := batch.rejected[other]; done {
			continue
		}
		if _, done := batch.timedOut[other]; done {
			continue
		}
		e.logs.LogOutcome(decisionlog.OutcomeUpdate{
			OrderID:     s.order.ID,
			DriverID:    other,
			BatchNumber: batch.number,
			Outcome:     decisionlog.OutcomeSkipped,
		})
		e.hub.PushToUser(other.String(), &websocket.Message{
			Type:    websocket.TypeOrderTaken,
			OrderID: s.order.ID.String(),
			UserID:  other.String(),
			Data:    map[string]interface{}{"order_id": s.order.ID.String()},
		})
	}

	e.presence.SetAvailability(m.driverID, presence.OnTrip)
	e.clearOffers(ctx, s.order.ID, batch)
	e.mirrorStatus(ctx, s.order.ID, orders.StatusAccepted)
	e.pushRider(s.order.RiderID, s.order.ID, map[string]interface{}{
		"status":    string(orders.StatusAccepted),
		"driver_id": m.driverID.String(),
	})
	metrics.OrdersFinalized.WithLabelValues("accepted").Inc()
	e.publish(ctx, eventbus.SubjectOrderAccepted, map[string]interface{}{
		"order_id":  s.order.ID,
		"rider_id":  s.order.RiderID,
		"driver_id": m.driverID,
		"batch":     batch.number,
	})
	logger.InfoContext(ctx, "order accepted",
		zap.String("order_id", s.order.ID.String()),
		zap.String("driver_id", m.driverID.String()),
		zap.Int("batch", batch.number),
	)

	s.finalized = true
	e.registry.Remove(t.orderID)
	m.reply <- acceptResult{OK: true}
}

func (e *Engine) handleReject(ctx context.Context, t *orderTask, m msgReject) {
	s := t.state
	batch := s.currentBatch()
	if batch == nil || s.queued {
		m.reply <- rejectResult{}
		return
	}
	if _, already := batch.rejected[m.driverID]; already {
		m.reply <- rejectResult{OK: true}
		return
	}
	if _, offered := batch.offered[m.driverID]; !offered {
		m.reply <- rejectResult{}
		return
	}
	if _, out := batch.timedOut[m.driverID]; out {
		m.reply <- rejectResult{}
		return
	}

	now := e.now()
	batch.rejected[m.driverID] = struct{}{}
	s.allRejected[m.driverID] = struct{}{}

	e.logs.LogRejection(decisionlog.Rejection{
		OrderID:     s.order.ID,
		DriverID:    m.driverID,
		BatchNumber: batch.number,
		ReasonCode:  string(m.reason),
		Detail:      m.detail,
		CreatedAt:   now,
	})
	var responseMs *int
	if at, ok := s.offeredAt[m.driverID]; ok {
		ms := int(now.Sub(at).Milliseconds())
		responseMs = &ms
	}
	e.logs.LogOutcome(decisionlog.OutcomeUpdate{
		OrderID:     s.order.ID,
		DriverID:    m.driverID,
		BatchNumber: batch.number,
		Outcome:     decisionlog.OutcomeRejected,
		ResponseMs:  responseMs,
	})
	if err := e.repo.IncrementRejectCount(ctx, s.order.ID); err != nil {
		logger.WarnContext(ctx, "reject count update failed", zap.Error(err))
	}
	if e.profiles != nil {
		driverID := m.driverID
		async.Go(ctx, "profile-refresh", func(taskCtx context.Context) {
			if err := e.profiles.UpdateProfile(taskCtx, driverID); err != nil {
				logger.WarnContext(taskCtx, "profile refresh failed",
					zap.String("driver_id", driverID.String()),
					zap.Error(err),
				)
			}
		})
	}

	res := rejectResult{OK: true}
	if batch.responded() {
		if s.batchTimer != nil {
			s.batchTimer.Stop()
			s.batchTimer = nil
		}
		batch.endedAt = now
		if s.batchNum < e.cfg.MaxBatches {
			res.ReDispatched = true
			res.NextBatch = s.batchNum + 1
		}
		m.reply <- res
		e.executeBatch(ctx, t)
		return
	}
	m.reply <- res
}

func (e *Engine) handleBatchTimeout(ctx context.Context, t *orderTask, m msgBatchTimeout) {
	s := t.state
	if m.batch != s.batchNum {
		return
	}
	batch := s.currentBatch()
	if batch == nil {
		return
	}

	for id := range batch.offered {
		if _, done := batch.rejected[id]; done {
			continue
		}
		if _, done := batch.timedOut[id]; done {
			continue
		}
		batch.timedOut[id] = struct{}{}
		s.allTimedOut[id] = struct{}{}
		e.logs.LogOutcome(decisionlog.OutcomeUpdate{
			OrderID:     s.order.ID,
			DriverID:    id,
			BatchNumber: batch.number,
			Outcome:     decisionlog.OutcomeTimeout,
		})
		e.hub.PushToUser(id.String(), &websocket.Message{
			Type:    websocket.TypeOrderBatchTimeout,
			OrderID: s.order.ID.String(),
			UserID:  id.String(),
			Data: map[string]interface{}{
				"order_id": s.order.ID.String(),
				"batch":    m.batch,
			},
		})
	}
	batch.endedAt = e.now()
	s.batchTimer = nil

	e.executeBatch(ctx, t)
}

func (e *Engine) handleCancel(ctx context.Context, t *orderTask, m msgCancel) {
	if t.state.queued {
		if err := e.zones.Dequeue(ctx, t.orderID); err != nil {
			logger.WarnContext(ctx, "queue dequeue failed", zap.Error(err))
		}
	}
	e.finalize(ctx, t, orders.ReasonRider)
	m.reply <- nil
}

func (e *Engine) handleQueueReleased(ctx context.Context, t *orderTask) {
	s := t.state
	if !s.queued {
		return
	}
	s.queued = false

	if err := e.repo.MarkDispatching(ctx, t.orderID); err != nil {
		// Somebody else moved the order (rider cancel, expiry). Let the
		// durable state win and retire the task.
		logger.WarnContext(ctx, "queued order no longer dispatchable",
			zap.String("order_id", t.orderID.String()),
			zap.Error(err),
		)
		s.stopTimers()
		s.finalized = true
		e.registry.Remove(t.orderID)
		return
	}
	s.order.Status = orders.StatusDispatching

	e.pushRider(s.order.RiderID, s.order.ID, map[string]interface{}{
		"status": string(orders.StatusDispatching),
	})
	logger.InfoContext(ctx, "queued order released",
		zap.String("order_id", t.orderID.String()),
	)

	e.executeBatch(ctx, t)
}

func (e *Engine) handleQueueExpired(ctx context.Context, t *orderTask) {
	if !t.state.queued {
		return
	}
	t.state.queued = false
	e.finalize(ctx, t, orders.ReasonQueueExpired)
}

// finalize ends the order as CANCELLED, releases any zone slot it held, and
// resumes the queue head the release promoted.
func (e *Engine) finalize(ctx context.Context, t *orderTask, reason orders.CancelReason) {
	s := t.state
	s.stopTimers()

	if err := e.repo.Cancel(ctx, s.order.ID, reason); err != nil && !errors.Is(err, orders.ErrConflict) {
		logger.ErrorContext(ctx, "order cancel failed",
			zap.String("order_id", s.order.ID.String()),
			zap.Error(err),
		)
	}

	if batch := s.currentBatch(); batch != nil {
		for id := range batch.offered {
			if _, done := batch.rejected[id]; done {
				continue
			}
			if _, done := batch.timedOut[id]; done {
				continue
			}
			e.logs.LogOutcome(decisionlog.OutcomeUpdate{
				OrderID:     s.order.ID,
				DriverID:    id,
				BatchNumber: batch.number,
				Outcome:     decisionlog.OutcomeSkipped,
			})
			e.hub.PushToUser(id.String(), &websocket.Message{
				Type:    websocket.TypeOrderTaken,
				OrderID: s.order.ID.String(),
				UserID:  id.String(),
				Data:    map[string]interface{}{"order_id": s.order.ID.String()},
			})
		}
		e.clearOffers(ctx, s.order.ID, batch)
	}

	released, err := e.zones.Release(ctx, s.order.ID)
	if err != nil {
		logger.WarnContext(ctx, "zone release failed",
			zap.String("order_id", s.order.ID.String()),
			zap.Error(err),
		)
	} else if released != nil {
		e.resumeQueued(released)
	}

	e.mirrorStatus(ctx, s.order.ID, orders.StatusCancelled)
	e.pushRider(s.order.RiderID, s.order.ID, map[string]interface{}{
		"status": string(orders.StatusCancelled),
		"reason": string(reason),
	})
	metrics.OrdersFinalized.WithLabelValues(finalizeLabel(reason)).Inc()
	e.publish(ctx, eventbus.SubjectOrderCancelled, map[string]interface{}{
		"order_id": s.order.ID,
		"rider_id": s.order.RiderID,
		"reason":   string(reason),
	})
	logger.InfoContext(ctx, "order cancelled",
		zap.String("order_id", s.order.ID.String()),
		zap.String("reason", string(reason)),
		zap.Int("batches", s.batchNum),
	)

	s.finalized = true
	e.registry.Remove(t.orderID)
}

// resumeQueued wakes a queued order whose slot was just released.
func (e *Engine) resumeQueued(entry *hotzone.QueueEntry) {
	task, ok := e.registry.Lookup(entry.OrderID)
	if !ok {
		logger.Warn("released queue entry has no live task",
			zap.String("order_id", entry.OrderID.String()),
		)
		return
	}
	task.post(msgQueueReleased{})
}

// OnQueueExpired is the sweeper callback for queue entries past their wait
// limit.
func (e *Engine) OnQueueExpired(orderID uuid.UUID) {
	if task, ok := e.registry.Lookup(orderID); ok {
		task.post(msgQueueExpired{})
	}
}

// Accept routes a driver's accept to the order's task and waits for the
// verdict. A missing task means the order already settled.
func (e *Engine) Accept(ctx context.Context, orderID, driverID uuid.UUID) (acceptResult, error) {
	task, ok := e.registry.Lookup(orderID)
	if !ok {
		o, err := e.repo.GetByID(ctx, orderID)
		if err != nil {
			return acceptResult{}, err
		}
		// Idempotent retry from the winner.
		if o.DriverID != nil && *o.DriverID == driverID && o.Status == orders.StatusAccepted {
			return acceptResult{OK: true}, nil
		}
		return acceptResult{AlreadyTaken: true}, nil
	}

	reply := make(chan acceptResult, 1)
	if !task.post(msgAccept{driverID: driverID, reply: reply}) {
		return acceptResult{}, ErrBusy
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return acceptResult{}, ctx.Err()
	}
}

// Reject routes a driver's reject to the order's task.
func (e *Engine) Reject(ctx context.Context, orderID, driverID uuid.UUID, reason orders.RejectReasonCode, detail *string) (rejectResult, error) {
	task, ok := e.registry.Lookup(orderID)
	if !ok {
		return rejectResult{}, nil
	}

	reply := make(chan rejectResult, 1)
	if !task.post(msgReject{driverID: driverID, reason: reason, detail: detail, reply: reply}) {
		return rejectResult{}, ErrBusy
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return rejectResult{}, ctx.Err()
	}
}

// CancelByRider cancels the rider's own order at any pre-trip stage.
func (e *Engine) CancelByRider(ctx context.Context, orderID, riderID uuid.UUID) error {
	o, err := e.repo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.RiderID != riderID {
		return ErrNotOwner
	}
	if o.Status.Terminal() || o.Status == orders.StatusOnTrip {
		return orders.ErrConflict
	}

	if task, ok := e.registry.Lookup(orderID); ok {
		reply := make(chan error, 1)
		if !task.post(msgCancel{reason: orders.ReasonRider, reply: reply}) {
			return ErrBusy
		}
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// No live task: the order is bound to a driver already.
	if err := e.repo.CancelAccepted(ctx, orderID, orders.ReasonRider); err != nil {
		return err
	}
	if released, relErr := e.zones.Release(ctx, orderID); relErr != nil {
		logger.WarnContext(ctx, "zone release failed", zap.Error(relErr))
	} else if released != nil {
		e.resumeQueued(released)
	}
	if o.DriverID != nil {
		e.presence.SetAvailability(*o.DriverID, presence.Available)
		e.hub.PushToUser(o.DriverID.String(), &websocket.Message{
			Type:    websocket.TypeOrderUpdate,
			OrderID: orderID.String(),
			UserID:  o.DriverID.String(),
			Data: map[string]interface{}{
				"order_id": orderID.String(),
				"status":   string(orders.StatusCancelled),
				"reason":   string(orders.ReasonRider),
			},
		})
	}
	e.mirrorStatus(ctx, orderID, orders.StatusCancelled)
	e.pushRider(riderID, orderID, map[string]interface{}{
		"status": string(orders.StatusCancelled),
		"reason": string(orders.ReasonRider),
	})
	metrics.OrdersFinalized.WithLabelValues(finalizeLabel(orders.ReasonRider)).Inc()
	e.publish(ctx, eventbus.SubjectOrderCancelled, map[string]interface{}{
		"order_id": orderID,
		"rider_id": riderID,
		"reason":   string(orders.ReasonRider),
	})
	return nil
}

// Arrive marks the driver at the pickup point.
func (e *Engine) Arrive(ctx context.Context, orderID, driverID uuid.UUID) error {
	o, err := e.assignedOrder(ctx, orderID, driverID)
	if err != nil {
		return err
	}
	if err := e.repo.Advance(ctx, orderID, orders.StatusAccepted, orders.StatusArrived); err != nil {
		return err
	}
	e.mirrorStatus(ctx, orderID, orders.StatusArrived)
	e.pushRider(o.RiderID, orderID, map[string]interface{}{
		"status": string(orders.StatusArrived),
	})
	return nil
}

// StartTrip begins the ride.
func (e *Engine) StartTrip(ctx context.Context, orderID, driverID uuid.UUID) error {
	o, err := e.assignedOrder(ctx, orderID, driverID)
	if err != nil {
		return err
	}
	if err := e.repo.Advance(ctx, orderID, orders.StatusArrived, orders.StatusOnTrip); err != nil {
		return err
	}
	e.mirrorStatus(ctx, orderID, orders.StatusOnTrip)
	e.pushRider(o.RiderID, orderID, map[string]interface{}{
		"status": string(orders.StatusOnTrip),
	})
	return nil
}

// Complete finishes the ride: the zone-hour gets its completion, the fare
// lands in the driver's daily earnings, and the driver goes back on duty.
func (e *Engine) Complete(ctx context.Context, orderID, driverID uuid.UUID) error {
	o, err := e.assignedOrder(ctx, orderID, driverID)
	if err != nil {
		return err
	}
	if err := e.repo.Advance(ctx, orderID, orders.StatusOnTrip, orders.StatusDone); err != nil {
		return err
	}

	if err := e.zones.MarkCompleted(ctx, orderID); err != nil {
		logger.WarnContext(ctx, "zone completion mark failed", zap.Error(err))
	}

	fare := orderFareValue(o)
	if e.earnings != nil && fare > 0 {
		if err := e.earnings.AddDailyEarnings(ctx, driverID, e.now(), fare); err != nil {
			logger.WarnContext(ctx, "daily earnings update failed",
				zap.String("driver_id", driverID.String()),
				zap.Error(err),
			)
		}
	}

	e.presence.SetAvailability(driverID, presence.Available)
	e.mirrorStatus(ctx, orderID, orders.StatusDone)
	e.pushRider(o.RiderID, orderID, map[string]interface{}{
		"status": string(orders.StatusDone),
		"fare":   fare,
	})
	e.publish(ctx, eventbus.SubjectOrderCompleted, map[string]interface{}{
		"order_id":  orderID,
		"rider_id":  o.RiderID,
		"driver_id": driverID,
		"fare":      fare,
	})
	logger.InfoContext(ctx, "order completed",
		zap.String("order_id", orderID.String()),
		zap.String("driver_id", driverID.String()),
		zap.Float64("fare", fare),
	)
	return nil
}

// QueueStatus returns the live queue position for a waiting order, or nil.
func (e *Engine) QueueStatus(ctx context.Context, orderID uuid.UUID) (*hotzone.QueueInfo, error) {
	return e.zones.QueuePosition(ctx, orderID)
}

func (e *Engine) assignedOrder(ctx context.Context, orderID, driverID uuid.UUID) (*orders.Order, error) {
	o, err := e.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.DriverID == nil || *o.DriverID != driverID {
		return nil, ErrNotOwner
	}
	return o, nil
}

// decisionEntry snapshots what the scorer saw for one offer.
func (e *Engine) decisionEntry(s *orderState, ds scoring.DriverScore, at time.Time) decisionlog.Entry {
	o := s.order
	f := predictor.Features{
		DistanceToPickupKm: ds.DistanceKm,
		TripDistanceKm:     o.TripDistanceKm(),
		EstimatedFare:      orderFareValue(o),
		HourOfDay:          o.HourOfDay,
		DayOfWeek:          o.DayOfWeek,
		IsHoliday:          o.DayOfWeek == 0 || o.DayOfWeek == 6,
	}
	if entry, ok := e.presence.Lookup(ds.DriverID); ok {
		f.TodayEarnings = entry.TodayEarnings
		f.TodayTrips = entry.TodayTrips
		f.OnlineHours = entry.OnlineHours
		f.AcceptanceRate = entry.AcceptanceRatePct / 100
	}

	return decisionlog.Entry{
		OrderID:       o.ID,
		DriverID:      ds.DriverID,
		BatchNumber:   s.batchNum,
		ScoreTotal:    ds.Total,
		Components:    ds.Components,
		Reasons:       ds.Reasons,
		Weights:       e.weights(),
		PReject:       ds.PReject,
		PRejectSource: string(ds.PRejectSource),
		Features:      f,
		ZoneID:        o.ZoneID,
		OfferedAt:     at,
	}
}

func (e *Engine) offerPayload(ctx context.Context, s *orderState, ds scoring.DriverScore, fare float64) map[string]interface{} {
	o := s.order
	payload := map[string]interface{}{
		"order_id":           o.ID.String(),
		"pickup":             o.Pickup,
		"pickup_address":     o.PickupAddress,
		"destination":        o.Destination,
		"dest_address":       o.DestinationAddress,
		"payment_kind":       o.PaymentKind,
		"fare":               fare,
		"surge_multiplier":   s.surge,
		"pickup_distance_km": ds.DistanceKm,
		"pickup_eta_min":     ds.ETA.Minutes(),
		"reasons":            ds.Reasons,
		"batch":              s.batchNum,
		"expires_in_s":       int(e.cfg.BatchTimeout.Seconds()),
	}
	if e.autoAccept != nil {
		decision := e.autoAccept.Evaluate(ctx, o, ds, fare)
		payload["auto_accept"] = decision
		if e.autoAccept.store != nil {
			rec := AutoAcceptLog{
				OrderID:     o.ID,
				DriverID:    ds.DriverID,
				Score:       decision.Score,
				Allowed:     decision.Allowed,
				BlockReason: decision.BlockReason,
				CreatedAt:   e.now(),
			}
			async.Go(ctx, "auto-accept-log", func(taskCtx context.Context) {
				if err := e.autoAccept.store.LogDecision(taskCtx, rec); err != nil {
					logger.WarnContext(taskCtx, "auto-accept log failed", zap.Error(err))
				}
			})
		}
	}
	return payload
}

func (e *Engine) weights() map[string]float64 {
	return map[string]float64{
		scoring.ComponentDistance:   e.cfg.WeightDistance,
		scoring.ComponentETA:        e.cfg.WeightETA,
		scoring.ComponentEarnings:   e.cfg.WeightEarnings,
		scoring.ComponentAcceptance: e.cfg.WeightAcceptance,
		scoring.ComponentEfficiency: e.cfg.WeightEfficiency,
		scoring.ComponentHotZone:    e.cfg.WeightHotZone,
	}
}

func (e *Engine) trackOffer(ctx context.Context, orderID, driverID uuid.UUID) {
	if e.cache == nil {
		return
	}
	key := cache.Keys.Offer(orderID.String(), driverID.String())
	if err := e.cache.Set(ctx, key, e.now().Unix(), 2*e.cfg.BatchTimeout); err != nil {
		logger.DebugContext(ctx, "offer tracking write failed", zap.Error(err))
	}
}

func (e *Engine) clearOffers(ctx context.Context, orderID uuid.UUID, batch *batchRecord) {
	if e.cache == nil || len(batch.offered) == 0 {
		return
	}
	keys := make([]string, 0, len(batch.offered))
	for driverID := range batch.offered {
		keys = append(keys, cache.Keys.Offer(orderID.String(), driverID.String()))
	}
	if err := e.cache.Delete(ctx, keys...); err != nil {
		logger.DebugContext(ctx, "offer tracking cleanup failed", zap.Error(err))
	}
}

func (e *Engine) mirrorStatus(ctx context.Context, orderID uuid.UUID, status orders.Status) {
	if e.cache == nil {
		return
	}
	key := cache.Keys.OrderStatus(orderID.String())
	if err := e.cache.Set(ctx, key, string(status), time.Hour); err != nil {
		logger.DebugContext(ctx, "order status mirror failed", zap.Error(err))
	}
}

func (e *Engine) pushRider(riderID, orderID uuid.UUID, data map[string]interface{}) {
	data["order_id"] = orderID.String()
	e.hub.PushToUser(riderID.String(), &websocket.Message{
		Type:    websocket.TypeOrderUpdate,
		OrderID: orderID.String(),
		UserID:  riderID.String(),
		Data:    data,
	})
}

func (e *Engine) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(subject, "dispatch-engine", data)
	if err != nil {
		logger.WarnContext(ctx, "event build failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	async.Go(ctx, "publish-"+subject, func(taskCtx context.Context) {
		if err := e.bus.Publish(taskCtx, subject, event); err != nil {
			logger.WarnContext(taskCtx, "event publish failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	})
}

func finalizeLabel(reason orders.CancelReason) string {
	switch reason {
	case orders.ReasonNoDrivers:
		return "cancelled_no_drivers"
	case orders.ReasonAllRejected:
		return "cancelled_all_rejected"
	case orders.ReasonMaxBatches:
		return "cancelled_max_batches"
	case orders.ReasonTimeout:
		return "cancelled_timeout"
	case orders.ReasonRider:
		return "cancelled_by_rider"
	case orders.ReasonQueueExpired:
		return "cancelled_queue_expired"
	}
	return "cancelled"
}

func orderFareValue(o *orders.Order) float64 {
	if o.FinalFare != nil {
		return *o.FinalFare
	}
	if o.BaseFare != nil {
		return *o.BaseFare
	}
	return 0
}
