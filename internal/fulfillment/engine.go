package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/catalog"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"go.uber.org/zap"
)

const (
	outcomeGranted          = "granted"
	outcomeAlreadyFulfilled = "already_fulfilled"
	outcomeRejected         = "rejected"
	outcomeFailed           = "failed"
	receiptOutcomeCreated   = "created"
	receiptOutcomeFailed    = "failed"
	defaultGatewayTimeout   = 5 * time.Second
)

// Ledger is the slice of ledger.Service the engine needs.
type Ledger interface {
	FindPurchase(ctx context.Context, reference ledger.PaymentReference) (ledger.Transaction, bool, error)
	GrantPurchase(ctx context.Context, grant ledger.PurchaseGrant) (ledger.Transaction, error)
}

// Catalog resolves package ids.
type Catalog interface {
	Lookup(packageID string) (catalog.Package, error)
}

// ReceiptEnsurer materializes the receipt of a purchase.
type ReceiptEnsurer interface {
	Ensure(ctx context.Context, purchase receipts.Purchase) (receipts.Receipt, error)
}

// Result describes a successful fulfillment.
type Result struct {
	Transaction      ledger.Transaction
	AlreadyFulfilled bool
	Receipt          receipts.Receipt
	// ReceiptError is set when the grant stands but the receipt could not be produced.
	ReceiptError error
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithMetrics records outcomes on the given metrics.
func WithMetrics(registry *metrics.Metrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = registry
	}
}

// WithGatewayTimeout bounds the confirmation lookup.
func WithGatewayTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.gatewayTimeout = timeout
		}
	}
}

// Engine turns verified payments into exactly one PURCHASE row and a receipt.
type Engine struct {
	ledger         Ledger
	catalog        Catalog
	receipts       ReceiptEnsurer
	payments       gateway.Gateway
	metrics        *metrics.Metrics
	logger         *zap.Logger
	gatewayTimeout time.Duration
}

// NewEngine wires an Engine. payments is only required by Confirm.
func NewEngine(ledgerService Ledger, packages Catalog, receiptEnsurer ReceiptEnsurer, payments gateway.Gateway, logger *zap.Logger, options ...EngineOption) (*Engine, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("fulfillment: ledger is required")
	}
	if packages == nil {
		return nil, fmt.Errorf("fulfillment: catalog is required")
	}
	if receiptEnsurer == nil {
		return nil, fmt.Errorf("fulfillment: receipt generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		ledger:         ledgerService,
		catalog:        packages,
		receipts:       receiptEnsurer,
		payments:       payments,
		logger:         logger,
		gatewayTimeout: defaultGatewayTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Fulfill applies the credit grant of a succeeded payment at most once.
// Errors wrapping ErrRejected are structural; any other error is transient.
func (engine *Engine) Fulfill(ctx context.Context, event PaymentSucceeded) (Result, error) {
	source := event.Source
	if source == "" {
		source = SourceWebhook
	}
	logger := engine.logger.With(zap.String("payment_reference", event.PaymentReference), zap.String("source", source))

	claim, err := ParseClaim(event)
	if err != nil {
		return engine.reject(logger, source, err)
	}
	pkg, err := engine.catalog.Lookup(claim.PackageID.String())
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownPackage) {
			return engine.reject(logger, source, fmt.Errorf("%w: %w: %s", ErrRejected, ErrUnknownPackage, claim.PackageID.String()))
		}
		return engine.fail(logger, source, err)
	}
	if pkg.Credits != claim.Credits.Int64() {
		return engine.reject(logger, source, fmt.Errorf("%w: %w: package %s grants %d, metadata claims %d",
			ErrRejected, ErrCreditAmountMismatch, pkg.ID, pkg.Credits, claim.Credits.Int64()))
	}

	result := Result{}
	existing, found, err := engine.ledger.FindPurchase(ctx, claim.PaymentReference)
	if err != nil {
		return engine.fail(logger, source, err)
	}
	if found {
		result.Transaction, result.AlreadyFulfilled = existing, true
	} else {
		result.Transaction, result.AlreadyFulfilled, err = engine.grant(ctx, claim, pkg, source)
		if err != nil {
			return engine.fail(logger, source, err)
		}
	}
	if result.AlreadyFulfilled {
		logger.Info("payment already fulfilled", zap.String("transaction_id", result.Transaction.ID().String()))
		engine.metrics.FulfillmentOutcome(source, outcomeAlreadyFulfilled)
	} else {
		logger.Info("credits granted",
			zap.String("transaction_id", result.Transaction.ID().String()),
			zap.String("user_id", claim.UserID.String()),
			zap.Int64("credits", claim.Credits.Int64()),
		)
		engine.metrics.FulfillmentOutcome(source, outcomeGranted)
	}

	// The grant is final from here on; receipt trouble is reported, never returned.
	result.Receipt, result.ReceiptError = engine.receipts.Ensure(ctx, receipts.Purchase{
		Transaction:  result.Transaction,
		Package:      pkg,
		AmountMinor:  event.AmountMinor,
		Currency:     event.Currency,
		BillingEmail: event.BillingEmail,
	})
	if result.ReceiptError != nil {
		logger.Error("receipt generation failed, grant stands", zap.String("transaction_id", result.Transaction.ID().String()), zap.Error(result.ReceiptError))
		engine.metrics.ReceiptOutcome(receiptOutcomeFailed)
	} else {
		engine.metrics.ReceiptOutcome(receiptOutcomeCreated)
	}
	return result, nil
}

// Confirm is the client-initiated path: it verifies the payment with the gateway
// and then runs the same fulfillment as the webhook.
func (engine *Engine) Confirm(ctx context.Context, caller ledger.UserID, paymentReference string) (Result, error) {
	if engine.payments == nil {
		return Result{}, fmt.Errorf("%w: no gateway configured", gateway.ErrUpstreamUnavailable)
	}
	reference, err := ledger.NewPaymentReference(paymentReference)
	if err != nil {
		return Result{}, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, engine.gatewayTimeout)
	defer cancel()
	started := time.Now()
	details, err := engine.payments.FetchPayment(fetchCtx, reference.String())
	engine.metrics.ObserveGateway("confirm_payment", started)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(details.Metadata[MetadataUserID]) != caller.String() {
		return Result{}, ErrPaymentNotOwned
	}
	if details.Status != gateway.StatusSucceeded {
		return Result{}, fmt.Errorf("%w: status %s", ErrPaymentIncomplete, details.Status)
	}
	return engine.Fulfill(ctx, PaymentSucceeded{
		PaymentReference: details.Reference,
		Metadata:         details.Metadata,
		AmountMinor:      details.AmountMinor,
		Currency:         details.Currency,
		BillingEmail:     details.BillingEmail,
		Source:           SourceConfirm,
	})
}

// grant inserts the PURCHASE row. A uniqueness conflict means a concurrent
// caller won; the winner's row is returned as already fulfilled.
func (engine *Engine) grant(ctx context.Context, claim Claim, pkg catalog.Package, source string) (ledger.Transaction, bool, error) {
	metadata, err := ledger.MetadataFromMap(map[string]string{
		MetadataPackageID: pkg.ID,
		"source":          source,
	})
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	transaction, err := engine.ledger.GrantPurchase(ctx, ledger.PurchaseGrant{
		UserID:           claim.UserID,
		PaymentReference: claim.PaymentReference,
		PackageID:        claim.PackageID,
		Credits:          claim.Credits,
		Description:      fmt.Sprintf("%s package: %d credits", pkg.Name, pkg.Credits),
		Metadata:         metadata,
	})
	if err == nil {
		return transaction, false, nil
	}
	if !errors.Is(err, ledger.ErrAlreadyFulfilled) {
		return ledger.Transaction{}, false, err
	}
	winner, found, err := engine.ledger.FindPurchase(ctx, claim.PaymentReference)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	if !found {
		return ledger.Transaction{}, false, fmt.Errorf("purchase %s conflicted but is not readable", claim.PaymentReference.String())
	}
	return winner, true, nil
}

func (engine *Engine) reject(logger *zap.Logger, source string, err error) (Result, error) {
	logger.Warn("fulfillment rejected", zap.Error(err))
	engine.metrics.FulfillmentOutcome(source, outcomeRejected)
	return Result{}, err
}

func (engine *Engine) fail(logger *zap.Logger, source string, err error) (Result, error) {
	logger.Error("fulfillment failed", zap.Error(err))
	engine.metrics.FulfillmentOutcome(source, outcomeFailed)
	return Result{}, err
}
