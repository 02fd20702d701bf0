package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/internal/hotzone"
	"github.com/richxcame/taxi-dispatch/internal/orders"
)

// batchRecord tracks one executed offer batch.
type batchRecord struct {
	number     int
	offered    map[uuid.UUID]struct{}
	rejected   map[uuid.UUID]struct{}
	timedOut   map[uuid.UUID]struct{}
	acceptedBy *uuid.UUID
	startedAt  time.Time
	endedAt    time.Time
}

func newBatchRecord(number int, startedAt time.Time) *batchRecord {
	return &batchRecord{
		number:    number,
		offered:   make(map[uuid.UUID]struct{}),
		rejected:  make(map[uuid.UUID]struct{}),
		timedOut:  make(map[uuid.UUID]struct{}),
		startedAt: startedAt,
	}
}

// responded reports whether every offered driver has rejected or timed out.
func (b *batchRecord) responded() bool {
	return len(b.rejected)+len(b.timedOut) >= len(b.offered)
}

// orderState is the in-memory dispatch state owned by a single order task.
// Nothing here is touched outside the task's mailbox loop.
type orderState struct {
	order *orders.Order

	batchNum int
	batches  []*batchRecord

	allOffered  map[uuid.UUID]struct{}
	allRejected map[uuid.UUID]struct{}
	allTimedOut map[uuid.UUID]struct{}

	// offeredAt feeds response_ms on accept.
	offeredAt map[uuid.UUID]time.Time

	zone  *hotzone.Zone
	surge float64

	batchTimer *time.Timer
	orderTimer *time.Timer

	queued    bool
	finalized bool
}

func newOrderState(order *orders.Order, zone *hotzone.Zone, surge float64) *orderState {
	return &orderState{
		order:       order,
		allOffered:  make(map[uuid.UUID]struct{}),
		allRejected: make(map[uuid.UUID]struct{}),
		allTimedOut: make(map[uuid.UUID]struct{}),
		offeredAt:   make(map[uuid.UUID]time.Time),
		zone:        zone,
		surge:       surge,
	}
}

func (s *orderState) currentBatch() *batchRecord {
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

// excludeSet is the union of every driver already offered, rejecting, or
// timing out. Keeps invariant: no driver sees the same order twice.
func (s *orderState) excludeSet() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(s.allOffered))
	for id := range s.allOffered {
		out[id] = struct{}{}
	}
	for id := range s.allRejected {
		out[id] = struct{}{}
	}
	for id := range s.allTimedOut {
		out[id] = struct{}{}
	}
	return out
}

// stopTimers cancels both timers. Safe to call repeatedly.
func (s *orderState) stopTimers() {
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	if s.orderTimer != nil {
		s.orderTimer.Stop()
		s.orderTimer = nil
	}
}
