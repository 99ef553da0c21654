package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"go.uber.org/zap"
)

// Dispatch errors. ErrInvalidSignature and ErrMalformedEvent are final;
// ErrRetryable asks the gateway to redeliver.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrRetryable        = errors.New("webhook processing failed, retry")
)

// Outcome is how a verified event was handled.
type Outcome string

const (
	OutcomeFulfilled        Outcome = "fulfilled"
	OutcomeAlreadyFulfilled Outcome = "already_fulfilled"
	OutcomeRejected         Outcome = "rejected"
	OutcomePaymentFailed    Outcome = "payment_failed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeRetryable        Outcome = "retryable"
)

// EventRecord is the audit entry of a verified event.
type EventRecord struct {
	EventID          string
	EventType        string
	PaymentReference string
	Payload          []byte
	Outcome          Outcome
	ProcessingError  string
	ReceivedAt       time.Time
	ProcessedAt      time.Time
}

// EventLog stores event audit entries.
type EventLog interface {
	RecordEvent(ctx context.Context, record EventRecord) error
}

// Fulfiller applies succeeded payments.
type Fulfiller interface {
	Fulfill(ctx context.Context, event fulfillment.PaymentSucceeded) (fulfillment.Result, error)
}

// Dispatcher verifies inbound events and routes them by type.
type Dispatcher struct {
	verifier  gateway.EventVerifier
	fulfiller Fulfiller
	events    EventLog
	metrics   *metrics.Metrics
	logger    *zap.Logger
	nowFn     func() time.Time
}

// NewDispatcher wires a Dispatcher. events and registry may be nil.
func NewDispatcher(verifier gateway.EventVerifier, fulfiller Fulfiller, events EventLog, registry *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if verifier == nil {
		return nil, fmt.Errorf("webhook: verifier is required")
	}
	if fulfiller == nil {
		return nil, fmt.Errorf("webhook: fulfiller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		verifier:  verifier,
		fulfiller: fulfiller,
		events:    events,
		metrics:   registry,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dispatch authenticates the raw payload and hands it to the matching handler.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	receivedAt := dispatcher.nowFn()
	event, err := dispatcher.verifier.VerifyEvent(payload, signatureHeader)
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		dispatcher.logger.Warn("webhook signature rejected", zap.Error(err))
		dispatcher.metrics.WebhookEvent("unknown", "invalid_signature")
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case err != nil:
		dispatcher.logger.Warn("webhook payload rejected", zap.Error(err))
		dispatcher.metrics.WebhookEvent("unknown", "malformed")
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	logger := dispatcher.logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	outcome, handleErr := dispatcher.route(ctx, logger, event)
	dispatcher.metrics.WebhookEvent(event.Type, string(outcome))
	dispatcher.record(ctx, logger, event, outcome, handleErr, receivedAt)
	if outcome == OutcomeRetryable {
		return outcome, fmt.Errorf("%w: %w", ErrRetryable, handleErr)
	}
	return outcome, nil
}

func (dispatcher *Dispatcher) route(ctx context.Context, logger *zap.Logger, event gateway.Event) (Outcome, error) {
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		result, err := dispatcher.fulfiller.Fulfill(ctx, fulfillment.PaymentSucceeded{
			PaymentReference: event.PaymentReference,
			Metadata:         event.Metadata,
			AmountMinor:      event.AmountMinor,
			Currency:         event.Currency,
			Source:           fulfillment.SourceWebhook,
		})
		switch {
		case errors.Is(err, fulfillment.ErrRejected):
			// Data that will never become valid is acknowledged to stop redelivery.
			return OutcomeRejected, err
		case err != nil:
			logger.Error("fulfillment failed, requesting redelivery", zap.Error(err))
			return OutcomeRetryable, err
		case result.AlreadyFulfilled:
			return OutcomeAlreadyFulfilled, nil
		default:
			return OutcomeFulfilled, nil
		}
	case gateway.EventPaymentFailed, gateway.EventPaymentCanceled:
		logger.Info("payment did not complete", zap.String("payment_reference", event.PaymentReference))
		return OutcomePaymentFailed, nil
	default:
		logger.Info("ignoring unhandled event type")
		return OutcomeIgnored, nil
	}
}

func (dispatcher *Dispatcher) record(ctx context.Context, logger *zap.Logger, event gateway.Event, outcome Outcome, handleErr error, receivedAt time.Time) {
	if dispatcher.events == nil {
		return
	}
	record := EventRecord{
		EventID:          event.ID,
		EventType:        event.Type,
		PaymentReference: event.PaymentReference,
		Payload:          event.Payload,
		Outcome:          outcome,
		ReceivedAt:       receivedAt,
		ProcessedAt:      dispatcher.nowFn(),
	}
	if handleErr != nil {
		record.ProcessingError = handleErr.Error()
	}
	if err := dispatcher.events.RecordEvent(context.WithoutCancel(ctx), record); err != nil {
		logger.Warn("record webhook event failed", zap.Error(err))
	}
}
