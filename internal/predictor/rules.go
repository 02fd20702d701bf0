package predictor

// Rule-engine fallback used when no trained model exists or the model path
// fails. Each rule adds a penalty; the sum is clamped to 0.95 so the engine
// never reports a certainty it cannot have.

const (
	ruleClampMax = 0.95

	defaultFarKm = 8.0
	defaultMidKm = 5.0
	fatigueHours = 10.0
)

// ruleScore computes the fallback rejection probability. profile may be nil
// when the driver has no history yet.
func ruleScore(f Features, profile *Profile) float64 {
	p := 0.0

	// Distance against the driver's own accepted history, or fixed
	// defaults when there is none.
	if profile.HasDistanceHistory() {
		switch {
		case f.DistanceToPickupKm > profile.AcceptedDistMax:
			p += 0.35
		case f.DistanceToPickupKm > profile.AcceptedDistMean*1.5:
			p += 0.20
		case f.DistanceToPickupKm > profile.AcceptedDistMean:
			p += 0.10
		}
	} else {
		switch {
		case f.DistanceToPickupKm > defaultFarKm:
			p += 0.30
		case f.DistanceToPickupKm > defaultMidKm:
			p += 0.15
		}
	}

	// Earnings saturation: a driver who already hit their daily target is
	// far more likely to decline.
	if profile != nil && profile.EarningsThreshold > 0 {
		switch {
		case f.TodayEarnings > profile.EarningsThreshold:
			p += 0.25
		case f.TodayEarnings > 0.8*profile.EarningsThreshold:
			p += 0.10
		}
	}

	// Hourly preference.
	if profile != nil && profile.SampleSize > 0 && f.HourOfDay >= 0 && f.HourOfDay < 24 {
		p += (1 - profile.HourlyAcceptance[f.HourOfDay]) * 0.15
	}

	// Trip-length mismatch, one penalty per axis.
	if profile != nil && profile.SampleSize > 0 {
		if f.TripDistanceKm > 0 && f.TripDistanceKm < 3 && profile.ShortTripRate < 0.70 {
			p += 0.15
		}
		if f.TripDistanceKm > 10 && profile.LongTripRate < 0.70 {
			p += 0.15
		}
	}

	// Low overall acceptance.
	switch {
	case f.AcceptanceRate < 0.70:
		p += 0.15
	case f.AcceptanceRate < 0.85:
		p += 0.05
	}

	// Fatigue.
	if f.OnlineHours > fatigueHours {
		p += 0.10
	}

	if p > ruleClampMax {
		p = ruleClampMax
	}
	return p
}
