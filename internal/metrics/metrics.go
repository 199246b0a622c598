// Package metrics exposes Prometheus counters and gauges for the
// replication control plane: placement/distribution/retrieval activity,
// healer/reaper throughput, and live fleet/queue depth gauges. Grounded on
// the s3-gateway's promauto-based Metrics struct
// (kenchrcum-s3-encryption-gateway/internal/metrics/metrics.go), narrowed
// to this domain's operations and with its HTTP/exemplar/tracing surface
// dropped since nothing here serves HTTP requests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter the control plane updates.
type Metrics struct {
	chunksDistributed  *prometheus.CounterVec
	distributionErrors *prometheus.CounterVec
	retrievalTotal     *prometheus.CounterVec
	retrievalDuration  *prometheus.HistogramVec
	healsTotal         *prometheus.CounterVec
	healDuration       prometheus.Histogram
	trimsTotal         *prometheus.CounterVec
	deletesTotal       *prometheus.CounterVec

	devicesOnline  prometheus.Gauge
	devicesOffline prometheus.Gauge
	chunksByState  *prometheus.GaugeVec
	healQueueDepth prometheus.Gauge
	reapQueueDepth prometheus.Gauge
}

// New builds a Metrics instance registered against the default Prometheus
// registry.
func New() *Metrics {
	return newWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics instance against a caller-supplied
// registry, for test isolation.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWithRegistry(reg)
}

func newWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunksDistributed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricd_chunks_distributed_total",
			Help: "Total number of chunk distributions, labelled by whether target replication was reached.",
		}, []string{"result"}),
		distributionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricd_distribution_errors_total",
			Help: "Total number of failed per-device chunk sends during distribution.",
		}, []string{"reason"}),
		retrievalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricd_retrievals_total",
			Help: "Total number of file retrieval attempts.",
		}, []string{"result"}),
		retrievalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabricd_retrieval_duration_seconds",
			Help:    "Whole-file retrieval duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		healsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricd_heals_total",
			Help: "Total number of heal-chunk jobs processed.",
		}, []string{"result"}),
		healDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabricd_heal_duration_seconds",
			Help:    "heal-chunk job duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		trimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricd_trims_total",
			Help: "Total number of trim-excess jobs processed.",
		}, []string{"result"}),
		deletesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricd_deletes_total",
			Help: "Total number of delete-file jobs processed.",
		}, []string{"result"}),
		devicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabricd_devices_online",
			Help: "Current count of ONLINE devices.",
		}),
		devicesOffline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabricd_devices_offline",
			Help: "Current count of OFFLINE or SUSPENDED devices.",
		}),
		chunksByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabricd_chunks_by_state",
			Help: "Current chunk count per lifecycle state.",
		}, []string{"state"}),
		healQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabricd_heal_queue_depth",
			Help: "Current depth of the heal-chunk job queue.",
		}),
		reapQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabricd_reap_queue_depth",
			Help: "Current depth of the trim/delete job queue.",
		}),
	}
}

// RecordDistribution records one DistributeChunk outcome.
func (m *Metrics) RecordDistribution(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.chunksDistributed.WithLabelValues(result).Inc()
}

// RecordDistributionError increments the distribution error counter by reason.
func (m *Metrics) RecordDistributionError(reason string) {
	m.distributionErrors.WithLabelValues(reason).Inc()
}

// RecordRetrieval records one RetrieveFile outcome and its wall time.
func (m *Metrics) RecordRetrieval(ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.retrievalTotal.WithLabelValues(result).Inc()
	m.retrievalDuration.WithLabelValues(result).Observe(seconds)
}

// RecordHeal records one heal-chunk job outcome and its wall time.
func (m *Metrics) RecordHeal(ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.healsTotal.WithLabelValues(result).Inc()
	m.healDuration.Observe(seconds)
}

// RecordTrim records one trim-excess job outcome.
func (m *Metrics) RecordTrim(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.trimsTotal.WithLabelValues(result).Inc()
}

// RecordDelete records one delete-file job outcome.
func (m *Metrics) RecordDelete(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.deletesTotal.WithLabelValues(result).Inc()
}

// SetFleetGauges refreshes the device/chunk/queue gauges from a snapshot
// taken by the caller (the coordinator's periodic fleet summary).
func (m *Metrics) SetFleetGauges(online, offline int, chunksByState map[string]int, healQueueLen, reapQueueLen int) {
	m.devicesOnline.Set(float64(online))
	m.devicesOffline.Set(float64(offline))
	for state, count := range chunksByState {
		m.chunksByState.WithLabelValues(state).Set(float64(count))
	}
	m.healQueueDepth.Set(float64(healQueueLen))
	m.reapQueueDepth.Set(float64(reapQueueLen))
}

// Handler returns the HTTP handler to mount at metrics_addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
