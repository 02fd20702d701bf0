package presence

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/pkg/geo"
	"github.com/richxcame/taxi-dispatch/pkg/logger"
	"github.com/richxcame/taxi-dispatch/pkg/websocket"
)

// Message types sent by driver clients.
const (
	MsgDriverOnline   = "driver:online"
	MsgDriverLocation = "driver:location"
	MsgDriverStatus   = "driver:status"
)

// BindHub wires the registry to the websocket hub: online/location/status
// messages maintain the entry, and a dropped socket removes it.
func BindHub(hub *websocket.Hub, registry *Registry) {
	hub.RegisterHandler(MsgDriverOnline, func(c *websocket.Client, msg *websocket.Message) {
		driverID, ok := driverFrom(c)
		if !ok {
			return
		}

		entry := Entry{
			DriverID:          driverID,
			Location:          pointFrom(msg.Data),
			Availability:      availabilityFrom(msg.Data, Available),
			AcceptanceRatePct: floatFrom(msg.Data, "acceptance_rate_pct"),
			Class:             DriverClass(stringFrom(msg.Data, "class")),
			TodayTrips:        int(floatFrom(msg.Data, "today_trips")),
			TodayEarnings:     floatFrom(msg.Data, "today_earnings"),
			OnlineHours:       floatFrom(msg.Data, "online_hours"),
		}
		registry.Put(entry)
		logger.Debug("driver online", zap.String("driver_id", driverID.String()))
	})

	hub.RegisterHandler(MsgDriverLocation, func(c *websocket.Client, msg *websocket.Message) {
		driverID, ok := driverFrom(c)
		if !ok {
			return
		}
		if !registry.Touch(driverID, pointFrom(msg.Data)) {
			logger.Debug("location for unregistered driver", zap.String("driver_id", driverID.String()))
		}
	})

	hub.RegisterHandler(MsgDriverStatus, func(c *websocket.Client, msg *websocket.Message) {
		driverID, ok := driverFrom(c)
		if !ok {
			return
		}
		registry.SetAvailability(driverID, availabilityFrom(msg.Data, Offline))
	})

	hub.OnDisconnect(func(clientID, role string) {
		if role != "driver" {
			return
		}
		driverID, err := uuid.Parse(clientID)
		if err != nil {
			return
		}
		registry.Drop(driverID)
		logger.Debug("driver presence dropped", zap.String("driver_id", driverID.String()))
	})
}

func driverFrom(c *websocket.Client) (uuid.UUID, bool) {
	if c.Role != "driver" {
		return uuid.Nil, false
	}
	driverID, err := uuid.Parse(c.ID)
	if err != nil {
		logger.Warn("driver client with invalid id", zap.String("client", c.ID))
		return uuid.Nil, false
	}
	return driverID, true
}

func pointFrom(data map[string]interface{}) geo.Point {
	return geo.Point{
		Lat: floatFrom(data, "lat"),
		Lng: floatFrom(data, "lng"),
	}
}

func floatFrom(data map[string]interface{}, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func stringFrom(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func availabilityFrom(data map[string]interface{}, fallback Availability) Availability {
	switch Availability(stringFrom(data, "availability")) {
	case Available:
		return Available
	case Rest:
		return Rest
	case OnTrip:
		return OnTrip
	case Offline:
		return Offline
	}
	return fallback
}
