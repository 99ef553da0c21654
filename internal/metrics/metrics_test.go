package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecordOutcomes(test *testing.T) {
	test.Parallel()
	registry := New()
	registry.FulfillmentOutcome("webhook", "granted")
	registry.FulfillmentOutcome("webhook", "granted")
	registry.ReceiptOutcome("created")

	if got := testutil.ToFloat64(registry.fulfillmentOutcomes.WithLabelValues("webhook", "granted")); got != 2 {
		test.Fatalf("expected 2 granted, got %v", got)
	}
	if got := testutil.ToFloat64(registry.receiptOutcomes.WithLabelValues("created")); got != 1 {
		test.Fatalf("expected 1 receipt, got %v", got)
	}
}

func TestNilMetricsIsNoop(test *testing.T) {
	test.Parallel()
	var registry *Metrics
	registry.FulfillmentOutcome("webhook", "granted")
	registry.WebhookEvent("payment_intent.succeeded", "handled")
	registry.ReceiptRead("owner", "ok")
	registry.ObserveGateway("fetch_payment", time.Now())
}

func TestHandlerServesRegistry(test *testing.T) {
	test.Parallel()
	registry := New()
	registry.WebhookEvent("payment_intent.succeeded", "handled")
	recorder := httptest.NewRecorder()
	registry.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), "credits_webhook_events_total") {
		test.Fatalf("expected webhook counter in output")
	}
}
