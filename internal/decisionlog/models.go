// Package decisionlog records why each offer was made and how it ended. The
// engine never waits on these writes: entries go through a bounded channel
// drained by a background writer, and overflow is dropped with a log line.
package decisionlog

import (
	"time"

	"github.com/google/uuid"

	"github.com/richxcame/taxi-dispatch/internal/predictor"
)

// Outcome is the terminal state of one logged offer.
const (
	OutcomeOffered  = "OFFERED"
	OutcomeAccepted = "ACCEPTED"
	OutcomeRejected = "REJECTED"
	OutcomeTimeout  = "TIMEOUT"
	OutcomeSkipped  = "SKIPPED" // batch superseded before the driver responded
)

// Entry is one offer decision: the candidate, the score that picked them,
// and the feature snapshot the predictor saw. The snapshot is what model
// training reads back later.
type Entry struct {
	OrderID     uuid.UUID
	DriverID    uuid.UUID
	BatchNumber int

	ScoreTotal float64
	Components map[string]float64
	Reasons    []string
	Weights    map[string]float64

	PReject       float64
	PRejectSource string

	Features predictor.Features
	ZoneID   *uuid.UUID

	OfferedAt time.Time
	Outcome   string
}

// OutcomeUpdate resolves a previously logged offer.
type OutcomeUpdate struct {
	OrderID     uuid.UUID
	DriverID    uuid.UUID
	BatchNumber int
	Outcome     string
	ResponseMs  *int
}

// BatchCandidate is one offered driver inside a grouped batch record.
type BatchCandidate struct {
	DriverID      uuid.UUID          `json:"driver_id"`
	ScoreTotal    float64            `json:"score_total"`
	Components    map[string]float64 `json:"components"`
	Reasons       []string           `json:"reasons"`
	PReject       float64            `json:"p_reject"`
	PRejectSource string             `json:"p_reject_source"`
	Outcome       string             `json:"outcome"`
	ResponseMs    *int               `json:"response_ms,omitempty"`
}

// BatchRecord is the reporting view of the log: one record per offer round
// carrying the full candidate set, assembled from the per-offer rows.
type BatchRecord struct {
	OrderID     uuid.UUID          `json:"order_id"`
	BatchNumber int                `json:"batch_number"`
	Weights     map[string]float64 `json:"weights"`
	HourOfDay   int                `json:"hour_of_day"`
	DayOfWeek   int                `json:"day_of_week"`
	ZoneID      *uuid.UUID         `json:"zone_id,omitempty"`
	OfferedAt   time.Time          `json:"offered_at"`
	Candidates  []BatchCandidate   `json:"candidates"`
}

// Rejection is an explicit driver decline with its reason code.
type Rejection struct {
	OrderID     uuid.UUID
	DriverID    uuid.UUID
	BatchNumber int
	ReasonCode  string
	Detail      *string
	CreatedAt   time.Time
}
