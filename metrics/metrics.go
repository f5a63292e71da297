package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Node-wide counters, registered on the default registry and served at /metrics.
var (
	EventsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_events_admitted_total",
		Help: "Events admitted to the local DAG.",
	})
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_events_rejected_total",
		Help: "Events rejected for bad hash, bad signature or orphan timeout.",
	})
	EventsOrphaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_events_orphaned_total",
		Help: "Events parked waiting for a missing parent.",
	})
	EventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_events_pruned_total",
		Help: "Events removed from active memory past the finality horizon.",
	})
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dagnet_sessions_open",
		Help: "Currently open transport sessions.",
	})
	DialFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_dial_failures_total",
		Help: "Failed outbound dials, before retry.",
	})
	DHTLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_dht_lookups_total",
		Help: "Iterative DHT lookups started.",
	})
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_bytes_in_total",
		Help: "Frame payload bytes received after decryption.",
	})
	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagnet_bytes_out_total",
		Help: "Frame payload bytes sent before encryption.",
	})
)
