package pwmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the narrow metrics interface the core writes through. It
// wraps a private prometheus.Registry so the core never depends on
// prometheus types directly in its decision logic, only in this
// adapter.
type Sink struct {
	registry *prometheus.Registry

	requestsTotal        *prometheus.CounterVec
	limiterEntries       prometheus.Gauge
	notifierQueueDepth   prometheus.Gauge
	notifierDroppedTotal prometheus.Counter
	tlsHandshakeFailures *prometheus.CounterVec
}

func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pingwall_requests_total",
			Help: "Total requests handled by the core, labeled by matched route and verdict.",
		}, []string{"route", "verdict"}),
		limiterEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pingwall_limiter_entries",
			Help: "Current number of live LimiterKey entries.",
		}),
		notifierQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pingwall_notifier_queue_depth",
			Help: "Current depth of the notifier's bounded queue.",
		}),
		notifierDroppedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pingwall_notifier_dropped_total",
			Help: "Total BlockNotices dropped due to a full queue or dedup collapse.",
		}),
		tlsHandshakeFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pingwall_tls_handshake_failures_total",
			Help: "Total TLS handshake failures, labeled by listener address.",
		}, []string{"listener"}),
	}
	return s
}

func (s *Sink) ObserveRequest(route, verdict string) {
	s.requestsTotal.WithLabelValues(route, verdict).Inc()
}

func (s *Sink) SetLimiterEntries(n int) {
	s.limiterEntries.Set(float64(n))
}

func (s *Sink) SetNotifierQueueDepth(n int) {
	s.notifierQueueDepth.Set(float64(n))
}

func (s *Sink) IncNotifierDropped() {
	s.notifierDroppedTotal.Inc()
}

func (s *Sink) IncTLSHandshakeFailure(listener string) {
	s.tlsHandshakeFailures.WithLabelValues(listener).Inc()
}

// Handler returns the Prometheus text exposition handler.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ServeMux builds the metrics listener's mux: /metrics and /healthz.
func (s *Sink) ServeMux(ready func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil || ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}
