package dispatch

import (
	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/internal/orders"
)

// Every mutation of an order's dispatch state arrives as a mailbox message
// so the owning task applies them one at a time, in arrival order.

type mailboxMsg interface {
	isMailboxMsg()
}

// msgStartBatch kicks off the next offer batch.
type msgStartBatch struct{}

// msgAccept is a driver accept routed from the HTTP handler. The handler
// blocks on reply.
type msgAccept struct {
	driverID uuid.UUID
	reply    chan acceptResult
}

type acceptResult struct {
	OK           bool
	AlreadyTaken bool
	Err          error
}

// msgReject is a driver reject with its reason code.
type msgReject struct {
	driverID uuid.UUID
	reason   orders.RejectReasonCode
	detail   *string
	reply    chan rejectResult
}

type rejectResult struct {
	OK           bool
	ReDispatched bool
	NextBatch    int
	Err          error
}

// msgBatchTimeout fires when a batch's response window closes. The batch
// number guards against late timers for superseded batches.
type msgBatchTimeout struct {
	batch int
}

// msgOrderTimeout fires when the order's total dispatch window closes.
type msgOrderTimeout struct{}

// msgCancel is a rider-initiated cancellation.
type msgCancel struct {
	reason orders.CancelReason
	reply  chan error
}

// msgQueueReleased tells a queued order its zone slot is free.
type msgQueueReleased struct{}

// msgQueueExpired tells a queued order it waited past the zone timeout.
type msgQueueExpired struct{}

func (msgStartBatch) isMailboxMsg()    {}
func (msgAccept) isMailboxMsg()        {}
func (msgReject) isMailboxMsg()        {}
func (msgBatchTimeout) isMailboxMsg()  {}
func (msgOrderTimeout) isMailboxMsg()  {}
func (msgCancel) isMailboxMsg()        {}
func (msgQueueReleased) isMailboxMsg() {}
func (msgQueueExpired) isMailboxMsg()  {}
