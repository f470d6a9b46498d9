// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes recorded on chat completions.
const (
	OutcomeOK            = "ok"
	OutcomeRateLimited   = "rate_limited"
	OutcomeQuota         = "quota_exhausted"
	OutcomeNoAccounts    = "no_accounts"
	OutcomeUpstreamError = "upstream_error"
	OutcomeNetworkError  = "network_error"
	OutcomeBadRequest    = "bad_request"
)

var (
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiro_gateway",
		Name:      "dispatch_total",
		Help:      "Chat completion dispatches by outcome.",
	}, []string{"outcome"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kiro_gateway",
		Name:      "dispatch_duration_seconds",
		Help:      "Wall time of a full dispatch, including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiro_gateway",
		Name:      "token_refresh_total",
		Help:      "Token refreshes by result.",
	}, []string{"result"})
)

// RegisterAccountGauges installs gauges backed by live manager state.
func RegisterAccountGauges(total, available func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kiro_gateway",
		Name:      "accounts_total",
		Help:      "Accounts in the store.",
	}, func() float64 { return float64(total()) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kiro_gateway",
		Name:      "accounts_available",
		Help:      "Accounts currently able to serve requests.",
	}, func() float64 { return float64(available()) })
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
