package decisionlog

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupBatchesFoldsOffersPerRound(t *testing.T) {
	orderID := uuid.New()
	zoneID := uuid.New()
	dA, dB, dC := uuid.New(), uuid.New(), uuid.New()
	round1 := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	round2 := round1.Add(20 * time.Second)
	weights := map[string]float64{"distance": 0.20, "eta": 0.20}
	responseMs := 1800

	offers := []loggedOffer{
		{
			BatchNumber: 1, DriverID: dA, ScoreTotal: 92,
			Components: map[string]float64{"distance": 90},
			Weights:    weights, PReject: 0.10, PRejectSource: "MODEL",
			HourOfDay: 14, DayOfWeek: 2, ZoneID: &zoneID,
			OfferedAt: round1, Outcome: OutcomeRejected, ResponseMs: &responseMs,
		},
		{
			BatchNumber: 1, DriverID: dB, ScoreTotal: 85,
			Weights: weights, PReject: 0.25, PRejectSource: "RULES",
			HourOfDay: 14, DayOfWeek: 2, ZoneID: &zoneID,
			OfferedAt: round1, Outcome: OutcomeTimeout,
		},
		{
			BatchNumber: 2, DriverID: dC, ScoreTotal: 80,
			Weights: weights, PReject: 0.30, PRejectSource: "RULES",
			HourOfDay: 14, DayOfWeek: 2, ZoneID: &zoneID,
			OfferedAt: round2, Outcome: OutcomeAccepted,
		},
	}

	records := groupBatches(orderID, offers)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, orderID, first.OrderID)
	assert.Equal(t, 1, first.BatchNumber)
	assert.Equal(t, weights, first.Weights)
	assert.Equal(t, 14, first.HourOfDay)
	assert.Equal(t, round1, first.OfferedAt)
	require.Len(t, first.Candidates, 2)
	assert.Equal(t, dA, first.Candidates[0].DriverID)
	assert.Equal(t, OutcomeRejected, first.Candidates[0].Outcome)
	assert.Equal(t, &responseMs, first.Candidates[0].ResponseMs)
	assert.Equal(t, dB, first.Candidates[1].DriverID)
	assert.Equal(t, OutcomeTimeout, first.Candidates[1].Outcome)

	second := records[1]
	assert.Equal(t, 2, second.BatchNumber)
	assert.Equal(t, round2, second.OfferedAt)
	require.Len(t, second.Candidates, 1)
	assert.Equal(t, dC, second.Candidates[0].DriverID)
	assert.Equal(t, OutcomeAccepted, second.Candidates[0].Outcome)
}

func TestGroupBatchesEmptyLog(t *testing.T) {
	assert.Empty(t, groupBatches(uuid.New(), nil))
}
