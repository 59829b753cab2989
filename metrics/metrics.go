package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerpresence"

const (
	OutcomeOK         = "ok"
	OutcomeInvalid    = "invalid"
	OutcomeRemoteFail = "remote_error"
)

var (
	// RegistryCalls counts registry client calls by action and outcome.
	RegistryCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "calls_total",
		Help:      "Registry client calls by action and outcome.",
	}, []string{"action", "outcome"})

	// RegistryCallDuration observes remote call latency.
	RegistryCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "call_duration_seconds",
		Help:      "Latency of remote registry calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})

	// PollerRefreshes counts discovery refreshes by outcome.
	PollerRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "refreshes_total",
		Help:      "Discovery refreshes by outcome.",
	}, []string{"outcome"})

	// PollerStaleDrops counts discovery results discarded as stale.
	PollerStaleDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "stale_drops_total",
		Help:      "Discovery results dropped after teardown or supersession.",
	})

	// KnownPeers is the size of the most recently applied peer list.
	KnownPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "known_peers",
		Help:      "Peers in the last applied discovery snapshot.",
	})

	// BackendRequests counts backend function invocations by action and HTTP code.
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Backend function invocations by action and status code.",
	}, []string{"action", "code"})

	// BackendRateLimited counts requests rejected by the rate limiter.
	BackendRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
