package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	gatherer            prometheus.Gatherer
	fulfillmentOutcomes *prometheus.CounterVec
	receiptOutcomes     *prometheus.CounterVec
	webhookEvents       *prometheus.CounterVec
	receiptReads        *prometheus.CounterVec
	gatewayDuration     *prometheus.HistogramVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		gatherer: registry,
		fulfillmentOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_fulfillment_total",
				Help: "Fulfillment attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		receiptOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_receipts_total",
				Help: "Receipt materialization attempts by outcome",
			},
			[]string{"outcome"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_webhook_events_total",
				Help: "Inbound gateway events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		receiptReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_receipt_reads_total",
				Help: "Receipt read path requests by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		gatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_gateway_request_duration_seconds",
				Help:    "Duration of payment gateway lookups",
				Buckets: []float64{.05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"operation"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	if metrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (metrics *Metrics) Gatherer() prometheus.Gatherer {
	if metrics == nil {
		return prometheus.NewRegistry()
	}
	return metrics.gatherer
}

func (metrics *Metrics) FulfillmentOutcome(source string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.fulfillmentOutcomes.WithLabelValues(source, outcome).Inc()
}

func (metrics *Metrics) ReceiptOutcome(outcome string) {
	if metrics == nil {
		return
	}
	metrics.receiptOutcomes.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) WebhookEvent(eventType string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (metrics *Metrics) ReceiptRead(path string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.receiptReads.WithLabelValues(path, outcome).Inc()
}

// ObserveGateway records how long a gateway call took.
func (metrics *Metrics) ObserveGateway(operation string, started time.Time) {
	if metrics == nil {
		return
	}
	metrics.gatewayDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
