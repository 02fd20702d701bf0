package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersFinalized counts terminal dispatch outcomes by result
	// (accepted, cancelled_no_drivers, cancelled_all_rejected,
	// cancelled_max_batches, cancelled_timeout, cancelled_by_rider).
	OrdersFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_orders_total",
		Help: "Terminal dispatch outcomes by result",
	}, []string{"outcome"})

	// BatchesExecuted counts offer batches sent to drivers.
	BatchesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_batches_total",
		Help: "Offer batches executed",
	})

	// ETARequests counts ETA lookups by provenance.
	ETARequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eta_requests_total",
		Help: "ETA lookups by source (estimated, cached, external)",
	}, []string{"source"})

	// HotZoneAdmissions counts admission decisions by kind.
	HotZoneAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotzone_admissions_total",
		Help: "Hot-zone admission decisions (normal, surge, queue)",
	}, []string{"decision"})

	// OfferResponseSeconds observes driver response latency per offer.
	OfferResponseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_offer_response_seconds",
		Help:    "Driver response latency for accepted offers",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})
)
