// Package hotzone admits orders into capacity-controlled zones. Each zone
// carries an hourly quota; utilization above the surge threshold prices the
// order up, and a full zone queues riders FIFO until a slot frees.
package hotzone

import (
	"time"

	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
)

// Decision is the admission outcome for an order.
type Decision string

const (
	DecisionNormal Decision = "NORMAL"
	DecisionSurge  Decision = "SURGE"
	DecisionQueue  Decision = "QUEUE"
)

// Zone is a hot-zone configuration row. Zones may overlap; matching picks
// the highest priority whose radius covers the pickup.
type Zone struct {
	ID             uuid.UUID
	Name           string
	Center         geo.Point
	RadiusKm       float64
	PeakHours      map[int]bool
	QuotaNormal    int
	QuotaPeak      int
	SurgeThreshold float64
	SurgeMax       float64
	SurgeStep      float64
	QueueEnabled   bool
	MaxQueue       int
	QueueTimeout   time.Duration
	Priority       int
	Active         bool
}

// QuotaLimit returns the applicable quota for an hour of day.
func (z *Zone) QuotaLimit(hour int) int {
	if z.PeakHours[hour] {
		return z.QuotaPeak
	}
	return z.QuotaNormal
}

// Contains reports whether the point lies inside the zone's radius.
func (z *Zone) Contains(p geo.Point) bool {
	return geo.HaversineKm(p, z.Center) <= z.RadiusKm
}

// Quota is one (zone, date, hour) capacity row, created lazily on first
// demand of that hour.
type Quota struct {
	ZoneID    uuid.UUID
	Date      time.Time
	Hour      int
	Limit     int
	Used      int
	Surge     float64
	Cancelled int
	Completed int
}

// QueueEntryStatus is the lifecycle of a queued order.
type QueueEntryStatus string

const (
	QueueWaiting   QueueEntryStatus = "WAITING"
	QueueReleased  QueueEntryStatus = "RELEASED"
	QueueExpired   QueueEntryStatus = "EXPIRED"
	QueueCancelled QueueEntryStatus = "CANCELLED"
)

// QueueEntry is an order waiting for zone capacity. The surge and fare seen
// at enqueue are recorded so the rider's committed price survives the wait.
type QueueEntry struct {
	ID             uuid.UUID
	ZoneID         uuid.UUID
	OrderID        uuid.UUID
	RiderID        uuid.UUID
	BaseFare       float64
	SurgeAtEnqueue float64
	SurgedFare     float64
	Position       int
	EstWaitMin     int
	Status         QueueEntryStatus
	QueuedAt       time.Time
}

// QueueInfo is the rider-facing slice of a queue entry.
type QueueInfo struct {
	Position   int `json:"position"`
	EstWaitMin int `json:"estimated_wait_min"`
}

// Admission is the result of check_admission.
type Admission struct {
	Decision  Decision   `json:"decision"`
	Surge     float64    `json:"surge_multiplier"`
	Zone      *Zone      `json:"-"`
	ZoneName  string     `json:"zone_name,omitempty"`
	QueueInfo *QueueInfo `json:"queue_info,omitempty"`
}
