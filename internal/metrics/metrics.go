package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	checkoutsTotal      *prometheus.CounterVec
	checkoutDuration    prometheus.Histogram
	refundsTotal        *prometheus.CounterVec
	stockAlertsTotal    *prometheus.CounterVec
	smsTotal            *prometheus.CounterVec
	productsDeactivated prometheus.Counter
	loyaltyFailures     prometheus.Counter
}

func New(prefix string, reg prometheus.Registerer) *Metrics {
	if prefix == "" {
		prefix = "retailpos"
	}
	factory := promauto.With(reg)

	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		checkoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_checkouts_total",
				Help: "Checkouts by outcome",
			},
			[]string{"outcome"},
		),
		checkoutDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    prefix + "_checkout_duration_seconds",
				Help:    "Time spent committing a checkout",
				Buckets: prometheus.DefBuckets,
			},
		),
		refundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_refunds_total",
				Help: "Refunds by outcome",
			},
			[]string{"outcome"},
		),
		stockAlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_stock_alerts_total",
				Help: "Stock alerts raised by kind",
			},
			[]string{"kind"},
		),
		smsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_sms_total",
				Help: "Outbound SMS attempts by purpose and result",
			},
			[]string{"purpose", "result"},
		),
		productsDeactivated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "_expired_products_deactivated_total",
				Help: "Products deactivated because they expired",
			},
		),
		loyaltyFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "_loyalty_update_failures_total",
				Help: "Committed sales whose loyalty update failed",
			},
		),
	}
}

func (m *Metrics) ObserveHTTP(method string, path string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// TrackCheckout returns a func that records the outcome and elapsed time.
func (m *Metrics) TrackCheckout() func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		if m == nil {
			return
		}
		m.checkoutsTotal.WithLabelValues(outcome).Inc()
		m.checkoutDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStockAlert(kind string) {
	if m == nil {
		return
	}
	m.stockAlertsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSMS(purpose string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.smsTotal.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) RecordDeactivated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.productsDeactivated.Add(float64(n))
}

func (m *Metrics) RecordLoyaltyFailure() {
	if m == nil {
		return
	}
	m.loyaltyFailures.Inc()
}
