package observe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver records a request counter per surface and method, an
// error counter per surface and error class, and a latency histogram per
// surface and status, for scraping by a Prometheus server. It is an optional alternative to Noop; wiring it in is purely
// additive and does not change pipeline behavior.
type PrometheusObserver struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPrometheusObserver registers its metrics against reg and returns a
// ready-to-use observer. Pass prometheus.DefaultRegisterer to publish on
// the default /metrics endpoint.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wayback",
			Name:      "requests_total",
			Help:      "Total HTTP requests issued per surface and method.",
		}, []string{"surface", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wayback",
			Name:      "request_errors_total",
			Help:      "Total HTTP request failures per surface and error class.",
		}, []string{"surface", "class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wayback",
			Name:      "request_duration_seconds",
			Help:      "Completed request latency per surface and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"surface", "status"}),
	}
	reg.MustRegister(o.requests, o.errors, o.latency)
	return o
}

func (o *PrometheusObserver) OnEvent(e Event) {
	switch e.Phase {
	case PhaseStart:
		o.requests.WithLabelValues(e.Surface.String(), e.Method).Inc()
	case PhaseComplete:
		o.latency.WithLabelValues(e.Surface.String(), statusLabel(e.Status)).Observe(e.Elapsed.Seconds())
	case PhaseError:
		o.errors.WithLabelValues(e.Surface.String(), e.Error.String()).Inc()
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "none"
	}
	return strconv.Itoa(status)
}
