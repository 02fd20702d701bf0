package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusOffered     Status = "OFFERED"
	StatusDispatching Status = "DISPATCHING"
	StatusQueued      Status = "QUEUED"
	StatusAccepted    Status = "ACCEPTED"
	StatusArrived     Status = "ARRIVED"
	StatusOnTrip      Status = "ON_TRIP"
	StatusDone        Status = "DONE"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// CancelReason is the terminal reason attached to a CANCELLED order.
type CancelReason string

const (
	ReasonNoDrivers    CancelReason = "NO_DRIVERS"
	ReasonAllRejected  CancelReason = "ALL_REJECTED"
	ReasonMaxBatches   CancelReason = "MAX_BATCHES"
	ReasonTimeout      CancelReason = "TIMEOUT"
	ReasonRider        CancelReason = "RIDER_CANCELLED"
	ReasonQueueExpired CancelReason = "QUEUE_EXPIRED"
)

// RejectReasonCode enumerates driver reject reasons.
type RejectReasonCode string

const (
	RejectTooFar       RejectReasonCode = "TOO_FAR"
	RejectLowFare      RejectReasonCode = "LOW_FARE"
	RejectUnwantedArea RejectReasonCode = "UNWANTED_AREA"
	RejectOffDuty      RejectReasonCode = "OFF_DUTY"
	RejectTimeout      RejectReasonCode = "TIMEOUT"
	RejectOther        RejectReasonCode = "OTHER"
)

// ValidRejectReason reports whether the code is one of the protocol values.
func ValidRejectReason(code RejectReasonCode) bool {
	switch code {
	case RejectTooFar, RejectLowFare, RejectUnwantedArea, RejectOffDuty, RejectTimeout, RejectOther:
		return true
	}
	return false
}

// Order is a ride request moving through dispatch.
type Order struct {
	ID                 uuid.UUID
	RiderID            uuid.UUID
	Pickup             geo.Point
	PickupAddress      string
	Destination        *geo.Point
	DestinationAddress *string
	PaymentKind        string
	BaseFare           *float64
	FinalFare          *float64
	SurgeMultiplier    float64
	Status             Status
	DriverID           *uuid.UUID
	RejectCount        int
	HourOfDay          int
	DayOfWeek          int
	CancelReason       *string
	ZoneID             *uuid.UUID

	CreatedAt   time.Time
	OfferedAt   *time.Time
	AcceptedAt  *time.Time
	ArrivedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// TripDistanceKm returns the direct pickup-to-destination distance, or 0 when
// the destination is open-ended.
func (o *Order) TripDistanceKm() float64 {
	if o.Destination == nil {
		return 0
	}
	return geo.HaversineKm(o.Pickup, *o.Destination)
}
