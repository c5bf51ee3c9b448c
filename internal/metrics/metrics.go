package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for registry operations.
type Metrics struct {
	RecordsUpserted    prometheus.Counter
	RecordsStored      prometheus.Gauge
	ValidityEdits      *prometheus.CounterVec
	AuthFailures       *prometheus.CounterVec
	OwnerInitialized   prometheus.Gauge
	StoreWriteFailures *prometheus.CounterVec

	// Transport metrics
	EndpointLatency *prometheus.HistogramVec
	TCPCommands     *prometheus.CounterVec
}

// New registers and returns registry collectors on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "samsub_records_upserted_total",
			Help: "Total number of successful record upserts",
		}),
		RecordsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "samsub_records_stored",
			Help: "Current number of records held by the registry",
		}),
		ValidityEdits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "samsub_validity_edits_total",
			Help: "Total number of validity edits, labeled by result (updated, not_found)",
		}, []string{"result"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "samsub_auth_failures_total",
			Help: "Total number of rejected mutating calls, labeled by operation",
		}, []string{"operation"}),
		OwnerInitialized: factory.NewGauge(prometheus.GaugeOpts{
			Name: "samsub_owner_initialized",
			Help: "1 once the registry owner has been set, 0 before",
		}),
		StoreWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "samsub_store_write_failures_total",
			Help: "Total number of failed durable writes, labeled by operation",
		}, []string{"operation"}),
		EndpointLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "samsub_endpoint_latency_seconds",
			Help:    "Latency of HTTP endpoints in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		TCPCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "samsub_tcp_commands_total",
			Help: "Total number of TCP protocol commands, labeled by command and outcome",
		}, []string{"command", "outcome"}),
	}
}
