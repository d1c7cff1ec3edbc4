package middleware

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// adminRequestsTotal counts requests served by the admin surface
// (metrics/healthz), separate from the core proxy's own Prometheus
// instruments in internal/metrics.
var adminRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proxy_admin_requests_total",
		Help: "Total number of requests served by the admin HTTP surface.",
	},
	[]string{"path", "status_code"},
)

func init() {
	prometheus.MustRegister(adminRequestsTotal)
}

// metricsMiddleware adapts Prometheus request counting into Middleware.
type metricsMiddleware struct{}

// NewMetrics constructs the admin-surface request-counting middleware.
func NewMetrics() Middleware {
	return &metricsMiddleware{}
}

// Wrap instruments each admin request with a label for path and status
// code.
func (mm *metricsMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		adminRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(wrapper.statusCode)).Inc()
	})
}

// statusRecorder wraps ResponseWriter to capture the status code written.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}
