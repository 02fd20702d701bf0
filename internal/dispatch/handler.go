package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/internal/orders"
	"github.com/richxcame/taxi-dispatch/pkg/common"
	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
)

// Handler exposes the dispatch API. Identity arrives pre-verified from the
// gateway in the X-User-ID header, same as the websocket endpoint.
type Handler struct {
	engine *Engine
	now    func() time.Time
}

// NewHandler creates the dispatch HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, now: time.Now}
}

// RegisterRoutes mounts the order endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	ordersGroup := rg.Group("/orders")
	{
		ordersGroup.POST("", h.CreateOrder)
		ordersGroup.GET("/:id", h.GetOrder)
		ordersGroup.POST("/:id/cancel", h.CancelOrder)
		ordersGroup.POST("/:id/accept", h.AcceptOrder)
		ordersGroup.POST("/:id/reject", h.RejectOrder)
		ordersGroup.POST("/:id/arrive", h.Arrive)
		ordersGroup.POST("/:id/start", h.StartTrip)
		ordersGroup.POST("/:id/complete", h.Complete)
	}
}

type createOrderRequest struct {
	PickupLat     float64  `json:"pickup_lat"`
	PickupLng     float64  `json:"pickup_lng"`
	PickupAddress string   `json:"pickup_address"`
	DestLat       *float64 `json:"dest_lat"`
	DestLng       *float64 `json:"dest_lng"`
	DestAddress   *string  `json:"dest_address"`
	PaymentKind   string   `json:"payment_kind"`
	BaseFare      *float64 `json:"base_fare"`
}

// CreateOrder places a ride request and starts dispatch.
func (h *Handler) CreateOrder(c *gin.Context) {
	riderID, ok := h.userID(c)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PickupLat < -90 || req.PickupLat > 90 || req.PickupLng < -180 || req.PickupLng > 180 {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid pickup coordinates")
		return
	}
	if (req.DestLat == nil) != (req.DestLng == nil) {
		common.ErrorResponse(c, http.StatusBadRequest, "destination requires both coordinates")
		return
	}

	now := h.now()
	order := &orders.Order{
		ID:                 uuid.New(),
		RiderID:            riderID,
		Pickup:             geo.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestAddress,
		PaymentKind:        req.PaymentKind,
		BaseFare:           req.BaseFare,
		SurgeMultiplier:    1.0,
		HourOfDay:          now.Hour(),
		DayOfWeek:          int(now.Weekday()),
		CreatedAt:          now,
	}
	if req.DestLat != nil && req.DestLng != nil {
		order.Destination = &geo.Point{Lat: *req.DestLat, Lng: *req.DestLng}
	}

	placement, err := h.engine.Submit(c.Request.Context(), order)
	if err != nil {
		logger.ErrorContext(c.Request.Context(), "order submit failed",
			zap.String("rider_id", riderID.String()),
			zap.Error(err),
		)
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to place order")
		return
	}

	common.CreatedResponse(c, placement)
}

// GetOrder returns the order plus its live queue position when waiting.
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, err := h.engine.repo.GetByID(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			common.ErrorResponse(c, http.StatusNotFound, "order not found")
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to load order")
		return
	}

	resp := gin.H{"order": order}
	if order.Status == orders.StatusQueued {
		if info, err := h.engine.QueueStatus(c.Request.Context(), orderID); err == nil && info != nil {
			resp["queue_info"] = info
		}
	}
	common.SuccessResponse(c, resp)
}

// CancelOrder handles a rider cancellation.
func (h *Handler) CancelOrder(c *gin.Context) {
	riderID, ok := h.userID(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	err := h.engine.CancelByRider(c.Request.Context(), orderID, riderID)
	switch {
	case err == nil:
		common.SuccessResponse(c, gin.H{"status": string(orders.StatusCancelled)})
	case errors.Is(err, orders.ErrNotFound):
		common.ErrorResponse(c, http.StatusNotFound, "order not found")
	case errors.Is(err, ErrNotOwner):
		common.ErrorResponse(c, http.StatusForbidden, "order belongs to another rider")
	case errors.Is(err, orders.ErrConflict):
		common.ErrorResponse(c, http.StatusConflict, "order can no longer be cancelled")
	case errors.Is(err, ErrBusy):
		common.ErrorResponse(c, http.StatusServiceUnavailable, "order is busy, retry")
	default:
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to cancel order")
	}
}

// AcceptOrder handles a driver accepting an offer. The first accept wins;
// everyone else learns the order is taken.
func (h *Handler) AcceptOrder(c *gin.Context) {
	driverID, ok := h.userID(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	res, err := h.engine.Accept(c.Request.Context(), orderID, driverID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			common.ErrorResponse(c, http.StatusNotFound, "order not found")
			return
		}
		if errors.Is(err, ErrBusy) {
			common.ErrorResponse(c, http.StatusServiceUnavailable, "order is busy, retry")
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to accept order")
		return
	}
	if res.AlreadyTaken {
		common.ErrorResponse(c, http.StatusConflict, "order already taken")
		return
	}

	common.SuccessResponse(c, gin.H{"accepted": true})
}

type rejectOrderRequest struct {
	Reason string  `json:"reason" binding:"required"`
	Detail *string `json:"detail"`
}

// RejectOrder handles an explicit driver decline with its reason code.
func (h *Handler) RejectOrder(c *gin.Context) {
	driverID, ok := h.userID(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req rejectOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "reject reason required")
		return
	}
	reason := orders.RejectReasonCode(req.Reason)
	if !orders.ValidRejectReason(reason) {
		common.ErrorResponse(c, http.StatusBadRequest, "unknown reject reason")
		return
	}

	res, err := h.engine.Reject(c.Request.Context(), orderID, driverID, reason, req.Detail)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			common.ErrorResponse(c, http.StatusServiceUnavailable, "order is busy, retry")
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to reject order")
		return
	}
	if !res.OK {
		common.ErrorResponse(c, http.StatusConflict, "offer is no longer active")
		return
	}

	common.SuccessResponse(c, gin.H{
		"rejected":      true,
		"re_dispatched": res.ReDispatched,
		"next_batch":    res.NextBatch,
	})
}

// Arrive marks the driver at the pickup point.
func (h *Handler) Arrive(c *gin.Context) {
	h.advance(c, h.engine.Arrive)
}

// StartTrip begins the ride.
func (h *Handler) StartTrip(c *gin.Context) {
	h.advance(c, h.engine.StartTrip)
}

// Complete finishes the ride.
func (h *Handler) Complete(c *gin.Context) {
	h.advance(c, h.engine.Complete)
}

func (h *Handler) advance(c *gin.Context, fn func(ctx context.Context, orderID, driverID uuid.UUID) error) {
	driverID, ok := h.userID(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	err := fn(c.Request.Context(), orderID, driverID)
	switch {
	case err == nil:
		common.SuccessResponse(c, gin.H{"ok": true})
	case errors.Is(err, orders.ErrNotFound):
		common.ErrorResponse(c, http.StatusNotFound, "order not found")
	case errors.Is(err, ErrNotOwner):
		common.ErrorResponse(c, http.StatusForbidden, "order is assigned to another driver")
	case errors.Is(err, orders.ErrConflict):
		common.ErrorResponse(c, http.StatusConflict, "order is not in the expected state")
	default:
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to update order")
	}
}

func (h *Handler) userID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		common.ErrorResponse(c, http.StatusUnauthorized, "user identity required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}
