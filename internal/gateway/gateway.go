package gateway

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by gateway adapters.
var (
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrInvalidSignature    = errors.New("invalid event signature")
	ErrMalformedEvent      = errors.New("malformed event")
)

// Event types routed by the webhook dispatcher.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"

	StatusSucceeded = "succeeded"
)

// PaymentMethod is the display-safe summary of how a payment was made.
type PaymentMethod struct {
	Type  string
	Last4 string
	Brand string
}

// PaymentDetails is the gateway's view of a payment.
type PaymentDetails struct {
	Reference     string
	Status        string
	AmountMinor   int64
	Currency      string
	Description   string
	Metadata      map[string]string
	Created       time.Time
	ReceiptURL    string
	BillingEmail  string
	BillingName   string
	PaymentMethod PaymentMethod
	// HasCharge reports whether expanded charge data was available.
	HasCharge bool
}

// Event is a verified inbound gateway event.
type Event struct {
	ID               string
	Type             string
	Created          time.Time
	PaymentReference string
	Metadata         map[string]string
	AmountMinor      int64
	Currency         string
	Payload          []byte
}

// Gateway fetches payment records from the payment provider.
type Gateway interface {
	FetchPayment(ctx context.Context, reference string) (PaymentDetails, error)
}

// EventVerifier authenticates raw event payloads before they are parsed.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (Event, error)
}
