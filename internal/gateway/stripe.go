package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
)

const paymentIntentEventPrefix = "payment_intent."

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint; empty uses the Stripe default.
	BaseURL          string
	HTTPClient       *http.Client
	SignatureMaxSkew time.Duration
}

// Stripe implements Gateway and EventVerifier on top of stripe-go.
type Stripe struct {
	api              *client.API
	webhookSecret    string
	signatureMaxSkew time.Duration
}

// NewStripe builds a Stripe adapter.
func NewStripe(cfg StripeConfig, logger *zap.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     logger.Sugar(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	skew := cfg.SignatureMaxSkew
	if skew <= 0 {
		skew = webhook.DefaultTolerance
	}
	return &Stripe{
		api:              client.New(cfg.SecretKey, stripe.NewBackendsWithConfig(backendConfig)),
		webhookSecret:    cfg.WebhookSecret,
		signatureMaxSkew: skew,
	}, nil
}

// FetchPayment loads a PaymentIntent with its latest charge and payment method expanded.
func (adapter *Stripe) FetchPayment(ctx context.Context, reference string) (PaymentDetails, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	params.AddExpand("payment_method")
	intent, err := adapter.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return PaymentDetails{}, mapStripeError(err)
	}
	return mapPaymentIntent(intent), nil
}

// VerifyEvent checks the Stripe-Signature header over the raw payload and decodes the event.
func (adapter *Stripe) VerifyEvent(payload []byte, signatureHeader string) (Event, error) {
	if strings.TrimSpace(adapter.webhookSecret) == "" || strings.TrimSpace(signatureHeader) == "" {
		return Event{}, ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, adapter.webhookSecret, adapter.signatureMaxSkew); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var stripeEvent stripe.Event
	if err := json.Unmarshal(payload, &stripeEvent); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	event := Event{
		ID:      stripeEvent.ID,
		Type:    string(stripeEvent.Type),
		Created: time.Unix(stripeEvent.Created, 0).UTC(),
		Payload: payload,
	}
	if !strings.HasPrefix(event.Type, paymentIntentEventPrefix) {
		return event, nil
	}
	if stripeEvent.Data == nil || len(stripeEvent.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event has no data object", ErrMalformedEvent)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(stripeEvent.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	event.PaymentReference = intent.ID
	event.Metadata = intent.Metadata
	event.AmountMinor = intent.Amount
	event.Currency = string(intent.Currency)
	return event, nil
}

func mapPaymentIntent(intent *stripe.PaymentIntent) PaymentDetails {
	details := PaymentDetails{
		Reference:    intent.ID,
		Status:       string(intent.Status),
		AmountMinor:  intent.Amount,
		Currency:     string(intent.Currency),
		Description:  intent.Description,
		Metadata:     intent.Metadata,
		Created:      time.Unix(intent.Created, 0).UTC(),
		BillingEmail: intent.ReceiptEmail,
	}
	if method := intent.PaymentMethod; method != nil {
		details.PaymentMethod.Type = string(method.Type)
		if method.Card != nil {
			details.PaymentMethod.Brand = string(method.Card.Brand)
			details.PaymentMethod.Last4 = method.Card.Last4
		}
		if method.BillingDetails != nil {
			details.BillingEmail = firstNonEmpty(details.BillingEmail, method.BillingDetails.Email)
			details.BillingName = method.BillingDetails.Name
		}
	}
	charge := intent.LatestCharge
	if charge == nil || charge.PaymentMethodDetails == nil {
		return details
	}
	details.HasCharge = true
	details.ReceiptURL = charge.ReceiptURL
	if charge.BillingDetails != nil {
		details.BillingEmail = firstNonEmpty(charge.BillingDetails.Email, details.BillingEmail)
		details.BillingName = firstNonEmpty(charge.BillingDetails.Name, details.BillingName)
	}
	details.PaymentMethod.Type = firstNonEmpty(string(charge.PaymentMethodDetails.Type), details.PaymentMethod.Type)
	if card := charge.PaymentMethodDetails.Card; card != nil {
		details.PaymentMethod.Brand = firstNonEmpty(string(card.Brand), details.PaymentMethod.Brand)
		details.PaymentMethod.Last4 = firstNonEmpty(card.Last4, details.PaymentMethod.Last4)
	}
	return details
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrPaymentNotFound, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
