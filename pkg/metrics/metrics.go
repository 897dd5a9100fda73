// Package metrics holds the prometheus collectors shared by the gateway
// client, the poller and the indications controller.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "lkcomu_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultRelogin = "relogin"
)

var (
	registerOnce sync.Once
	registry     = prometheus.NewRegistry()

	gatewayRequests *prometheus.CounterVec
	gatewayRelogins prometheus.Counter
	refreshDuration *prometheus.HistogramVec
	refreshFailures *prometheus.CounterVec
	indications     *prometheus.CounterVec
	accountBalance  *prometheus.GaugeVec
)

func register() {
	registerOnce.Do(func() {
		gatewayRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "gateway_requests_total",
				Help: "Total gateway requests by query and result",
			},
			[]string{"query", "result"},
		)
		gatewayRelogins = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "gateway_relogins_total",
				Help: "Total re-logins triggered by an expired session",
			},
		)
		refreshDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "refresh_duration_seconds",
				Help:    "Entity refresh duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		)
		refreshFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_failures_total",
				Help: "Total per-account refresh failures by entity kind",
			},
			[]string{"kind"},
		)
		indications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "indications_total",
				Help: "Total indications push/calculate calls by result",
			},
			[]string{"operation", "result"},
		)
		accountBalance = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "account_balance",
				Help: "Latest normalized account balance (positive is credit)",
			},
			[]string{"provider", "account"},
		)

		registry.MustRegister(
			gatewayRequests,
			gatewayRelogins,
			refreshDuration,
			refreshFailures,
			indications,
			accountBalance,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveGatewayRequest counts a single gateway round trip.
func ObserveGatewayRequest(query, result string) {
	register()
	gatewayRequests.WithLabelValues(query, result).Inc()
}

// ObserveRelogin counts a session re-login.
func ObserveRelogin() {
	register()
	gatewayRelogins.Inc()
}

// ObserveRefresh records how long a refresh tick of kind took.
func ObserveRefresh(kind string, d time.Duration) {
	register()
	refreshDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRefreshFailure counts a failed per-account refresh.
func ObserveRefreshFailure(kind string) {
	register()
	refreshFailures.WithLabelValues(kind).Inc()
}

// ObserveIndications counts a push or calculate call.
func ObserveIndications(operation string, success bool) {
	register()
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	indications.WithLabelValues(operation, result).Inc()
}

// SetAccountBalance exports the latest balance of an account.
func SetAccountBalance(provider, account string, amount float64) {
	register()
	accountBalance.WithLabelValues(provider, account).Set(amount)
}

// DeleteAccountBalance drops the balance series of a removed account.
func DeleteAccountBalance(provider, account string) {
	register()
	accountBalance.DeleteLabelValues(provider, account)
}
