package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LaunchMetrics tracks purchase and vesting activity per distribution.
type LaunchMetrics struct {
	purchases        *prometheus.CounterVec
	purchaseFailures *prometheus.CounterVec
	quotes           *prometheus.CounterVec
	grantsCreated    prometheus.Counter
	transfers        prometheus.Counter
	remainingSupply  *prometheus.GaugeVec
}

var (
	launchOnce     sync.Once
	launchRegistry *LaunchMetrics
)

// Launch returns the process-wide launch metrics, registering them on first use.
func Launch() *LaunchMetrics {
	launchOnce.Do(func() {
		launchRegistry = &LaunchMetrics{
			purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "launch_purchases_total",
				Help: "Count of committed purchases by distribution.",
			}, []string{"distribution"}),
			purchaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "launch_purchase_failures_total",
				Help: "Count of rejected purchases by distribution.",
			}, []string{"distribution"}),
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "launch_quotes_total",
				Help: "Count of served price quotes by distribution.",
			}, []string{"distribution"}),
			grantsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vesting_grants_created_total",
				Help: "Count of vesting grants opened by purchases.",
			}),
			transfers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vesting_transfers_total",
				Help: "Count of recorded consumption transfers.",
			}),
			remainingSupply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "launch_remaining_supply",
				Help: "Remaining 1e18-scaled supply per distribution.",
			}, []string{"distribution"}),
		}
		prometheus.MustRegister(
			launchRegistry.purchases,
			launchRegistry.purchaseFailures,
			launchRegistry.quotes,
			launchRegistry.grantsCreated,
			launchRegistry.transfers,
			launchRegistry.remainingSupply,
		)
	})
	return launchRegistry
}

// ObservePurchase records a committed purchase and the supply it left behind.
func (m *LaunchMetrics) ObservePurchase(distribution string, remaining float64) {
	if m == nil {
		return
	}
	if distribution == "" {
		distribution = "unknown"
	}
	m.purchases.WithLabelValues(distribution).Inc()
	m.grantsCreated.Inc()
	m.remainingSupply.WithLabelValues(distribution).Set(remaining)
}

// ObservePurchaseFailure records a rejected purchase.
func (m *LaunchMetrics) ObservePurchaseFailure(distribution string) {
	if m == nil {
		return
	}
	if distribution == "" {
		distribution = "unknown"
	}
	m.purchaseFailures.WithLabelValues(distribution).Inc()
}

// ObserveQuote records a served quote.
func (m *LaunchMetrics) ObserveQuote(distribution string) {
	if m == nil {
		return
	}
	if distribution == "" {
		distribution = "unknown"
	}
	m.quotes.WithLabelValues(distribution).Inc()
}

// ObserveTransfer records a recorded consumption transfer.
func (m *LaunchMetrics) ObserveTransfer() {
	if m == nil {
		return
	}
	m.transfers.Inc()
}
