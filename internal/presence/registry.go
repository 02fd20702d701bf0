// Package presence tracks which drivers are reachable right now. The
// registry is the in-memory source of truth for liveness and last-known
// location; long-term driver stats live in the database.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
)

// Availability is the driver's live duty state.
type Availability string

const (
	Available Availability = "AVAILABLE"
	Rest      Availability = "REST"
	OnTrip    Availability = "ON_TRIP"
	Offline   Availability = "OFFLINE"
)

// DriverClass is the derived behavioral bucket used for efficiency matching.
type DriverClass string

const (
	ClassFastTurnover DriverClass = "FAST_TURNOVER"
	ClassLongDistance DriverClass = "LONG_DISTANCE"
	ClassHighVolume   DriverClass = "HIGH_VOLUME"
)

// Entry is one driver's live presence record.
type Entry struct {
	DriverID          uuid.UUID
	Location          geo.Point
	LastHeartbeat     time.Time
	Availability      Availability
	AcceptanceRatePct float64
	Class             DriverClass
	TodayTrips        int
	TodayEarnings     float64
	OnlineHours       float64
}

// Reachable reports whether the entry can receive an offer: on duty and
// heard from within the freshness window.
func (e Entry) Reachable(now time.Time, freshness time.Duration) bool {
	if e.Availability != Available && e.Availability != Rest {
		return false
	}
	return now.Sub(e.LastHeartbeat) <= freshness
}

// Registry is an internally synchronized map of live driver entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry

	now func() time.Time
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]Entry),
		now:     time.Now,
	}
}

// Put inserts or replaces a driver's presence entry. A zero LastHeartbeat
// is stamped with the current time.
func (r *Registry) Put(e Entry) {
	if e.LastHeartbeat.IsZero() {
		e.LastHeartbeat = r.now()
	}
	r.mu.Lock()
	r.entries[e.DriverID] = e
	r.mu.Unlock()
}

// Drop removes a driver, typically on socket disconnect.
func (r *Registry) Drop(driverID uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, driverID)
	r.mu.Unlock()
}

// Lookup returns the entry for a driver, if present.
func (r *Registry) Lookup(driverID uuid.UUID) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[driverID]
	r.mu.RUnlock()
	return e, ok
}

// Touch refreshes a driver's heartbeat and location. Returns false when
// the driver is not registered.
func (r *Registry) Touch(driverID uuid.UUID, loc geo.Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[driverID]
	if !ok {
		return false
	}
	e.Location = loc
	e.LastHeartbeat = r.now()
	r.entries[driverID] = e
	return true
}

// SetAvailability updates a driver's duty state in place. Returns false
// when the driver is not registered.
func (r *Registry) SetAvailability(driverID uuid.UUID, av Availability) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[driverID]
	if !ok {
		return false
	}
	e.Availability = av
	r.entries[driverID] = e
	return true
}

// Snapshot returns a copy of all current entries. Callers filter for
// reachability themselves.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of registered drivers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
