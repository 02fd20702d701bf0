package websocket

import (
	"encoding/json"
	"time"
)

// Message types pushed to driver clients.
const (
	TypeOrderOffer        = "order:offer"
	TypeOrderTaken        = "order:taken"
	TypeOrderBatchTimeout = "order:batch-timeout"
)

// Message type pushed to rider clients.
const TypeOrderUpdate = "order:update"

// Message is the envelope for everything sent over the push channel.
type Message struct {
	Type      string                 `json:"type"`
	OrderID   string                 `json:"order_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// MarshalJSON formats the timestamp as RFC3339
func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Timestamp: m.Timestamp.Format(time.RFC3339),
		Alias:     (*Alias)(m),
	})
}

// UnmarshalJSON parses the RFC3339 timestamp
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}

	return nil
}
