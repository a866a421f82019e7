package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector registers the service's Prometheus metrics on its own registry.
// This is independent of the JSON /metrics admin endpoint, which reports the
// latest TransitMetrics snapshot.
type Collector struct {
	reg *prometheus.Registry

	FeedFetches   *prometheus.CounterVec // result label: ok|error
	RateLimited   *prometheus.CounterVec // scope label: transit|admin
	ActiveStops   *prometheus.GaugeVec   // status label
	FetchDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FeedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_feed_fetches_total",
			Help: "Total upstream feed fetch cycles by result.",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_rate_limited_total",
			Help: "Total requests denied by the rate limiter.",
		}, []string{"scope"}),
		ActiveStops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transit_active_stops",
			Help: "Active stops in the latest aggregation cycle by status.",
		}, []string{"status"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_fetch_duration_seconds",
			Help:    "Duration of one full fetch/normalize cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	reg.MustRegister(c.FeedFetches, c.RateLimited, c.ActiveStops, c.FetchDuration)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on a side listener. Empty addr disables it.
func (c *Collector) Serve(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("prometheus listener", zap.Error(err))
		}
	}()
	log.Info("prometheus metrics listening", zap.String("addr", addr))
	return srv
}
