package access

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultReferencePattern = `^pi_[A-Za-z0-9]{6,64}$`
	DefaultTrustedHost      = "pay.stripe.com"
	FormatHTML              = "html"
	SourceGateway           = "gateway"
	SourceStored            = "stored"
	htmlContentType         = "text/html; charset=utf-8"
	defaultGatewayTimeout   = 5 * time.Second
	readPathOwner           = "owner"
	readPathDownload        = "download"
	readPathResend          = "resend"
)

// Ledger resolves the transactions a caller may own.
type Ledger interface {
	FindPurchase(ctx context.Context, reference ledger.PaymentReference) (ledger.Transaction, bool, error)
	GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error)
}

// ReceiptStore is the read and tracking side of the receipt table.
type ReceiptStore interface {
	FindReceiptByTransaction(ctx context.Context, transactionID string) (receipts.Receipt, error)
	FindReceiptByID(ctx context.Context, receiptID string) (receipts.Receipt, error)
	FindReceiptByToken(ctx context.Context, token string) (receipts.Receipt, error)
	RecordDownload(ctx context.Context, receiptID string, at time.Time) (receipts.Receipt, error)
}

// DetailCache memoizes gateway lookups.
type DetailCache interface {
	Get(ctx context.Context, reference string) (gateway.PaymentDetails, bool, error)
	Set(ctx context.Context, details gateway.PaymentDetails) error
}

// SnapshotRenderer rebuilds a snapshot from stored fields.
type SnapshotRenderer interface {
	RenderSnapshot(receipt receipts.Receipt) (string, error)
}

// EmailComposer builds receipt emails and links.
type EmailComposer interface {
	EmailJobFor(receipt receipts.Receipt) (receipts.EmailJob, error)
	DownloadURL(token string) string
}

// EmailSender performs one tracked delivery.
type EmailSender interface {
	SendNow(ctx context.Context, job receipts.EmailJob) error
}

// Dependencies groups the collaborators of Service. Cache, Payments and Metrics are optional.
type Dependencies struct {
	Ledger   Ledger
	Receipts ReceiptStore
	Payments gateway.Gateway
	Cache    DetailCache
	Limiter  ratelimit.Limiter
	Renderer SnapshotRenderer
	Composer EmailComposer
	Sender   EmailSender
	Metrics  *metrics.Metrics
}

// Config tunes validation and masking.
type Config struct {
	ReferencePattern    string
	TrustedReceiptHosts []string
	GatewayTimeout      time.Duration
}

// PaymentMethodSummary never carries more than type, brand and last four digits.
type PaymentMethodSummary struct {
	Type  string `json:"type"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4"`
}

// BillingDetails holds masked contact data.
type BillingDetails struct {
	Email *string `json:"email"`
}

// ReceiptInfo is the masked owner view of a receipt.
type ReceiptInfo struct {
	ReceiptID            string               `json:"receiptId,omitempty"`
	ReceiptNumber        string               `json:"receiptNumber,omitempty"`
	ReceiptURL           *string              `json:"receiptUrl"`
	DownloadURL          *string              `json:"downloadUrl"`
	PaymentReference     string               `json:"paymentReference"`
	Amount               int64                `json:"amount"`
	Currency             string               `json:"currency"`
	Created              time.Time            `json:"created"`
	Description          string               `json:"description"`
	PaymentMethodSummary PaymentMethodSummary `json:"paymentMethodSummary"`
	BillingDetails       BillingDetails       `json:"billingDetails"`
	Source               string               `json:"source"`
}

// Document is a rendered receipt ready to serve.
type Document struct {
	ContentType string
	Filename    string
	Body        []byte
}

// Service is the receipt access gateway.
type Service struct {
	ledger         Ledger
	receipts       ReceiptStore
	payments       gateway.Gateway
	cache          DetailCache
	limiter        ratelimit.Limiter
	renderer       SnapshotRenderer
	composer       EmailComposer
	sender         EmailSender
	metrics        *metrics.Metrics
	logger         *zap.Logger
	referenceShape *regexp.Regexp
	trustedHosts   HostAllowList
	gatewayTimeout time.Duration
	nowFn          func() time.Time
}

// NewService validates dependencies and compiles the reference pattern.
func NewService(deps Dependencies, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("access: ledger is required")
	}
	if deps.Receipts == nil {
		return nil, fmt.Errorf("access: receipt store is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("access: limiter is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("access: renderer is required")
	}
	pattern := strings.TrimSpace(cfg.ReferencePattern)
	if pattern == "" {
		pattern = DefaultReferencePattern
	}
	referenceShape, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("access: reference pattern: %w", err)
	}
	hosts := cfg.TrustedReceiptHosts
	if len(hosts) == 0 {
		hosts = []string{DefaultTrustedHost}
	}
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:         deps.Ledger,
		receipts:       deps.Receipts,
		payments:       deps.Payments,
		cache:          deps.Cache,
		limiter:        deps.Limiter,
		renderer:       deps.Renderer,
		composer:       deps.Composer,
		sender:         deps.Sender,
		metrics:        deps.Metrics,
		logger:         logger,
		referenceShape: referenceShape,
		trustedHosts:   NewHostAllowList(hosts),
		gatewayTimeout: timeout,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// OwnerLookup returns the masked receipt of a purchase owned by caller.
// reference is a gateway payment reference or a transaction id.
func (service *Service) OwnerLookup(ctx context.Context, caller string, reference string) (ReceiptInfo, error) {
	info, err := service.ownerLookup(ctx, caller, reference)
	service.metrics.ReceiptRead(readPathOwner, outcomeOf(err))
	return info, err
}

func (service *Service) ownerLookup(ctx context.Context, caller string, reference string) (ReceiptInfo, error) {
	callerID, err := service.admit(ctx, caller)
	if err != nil {
		return ReceiptInfo{}, err
	}
	transaction, err := service.resolveOwned(ctx, callerID, reference)
	if err != nil {
		return ReceiptInfo{}, err
	}
	logger := service.logger.With(zap.String("transaction_id", transaction.ID().String()))

	stored, err := service.receipts.FindReceiptByTransaction(ctx, transaction.ID().String())
	hasReceipt := err == nil
	if err != nil && !errors.Is(err, receipts.ErrReceiptNotFound) {
		logger.Error("receipt lookup failed", zap.Error(err))
		return ReceiptInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	paymentReference, _ := transaction.PaymentReference()
	details, detailsErr := service.paymentDetails(ctx, paymentReference.String())
	switch {
	case detailsErr == nil:
		info := service.infoFromDetails(details)
		if hasReceipt {
			service.attachReceipt(&info, stored)
		}
		return info, nil
	case hasReceipt:
		logger.Warn("payment details unavailable, serving stored receipt", zap.Error(detailsErr))
		return service.infoFromReceipt(stored), nil
	case errors.Is(detailsErr, gateway.ErrPaymentNotFound):
		return ReceiptInfo{}, ErrNotFound
	default:
		logger.Error("payment details unavailable and no stored receipt", zap.Error(detailsErr))
		return ReceiptInfo{}, fmt.Errorf("%w: %w", gateway.ErrUpstreamUnavailable, detailsErr)
	}
}

// PublicDownload resolves a bearer download token. No session is involved.
func (service *Service) PublicDownload(ctx context.Context, token string, format string) (Document, error) {
	document, err := service.publicDownload(ctx, token, format)
	service.metrics.ReceiptRead(readPathDownload, outcomeOf(err))
	return document, err
}

func (service *Service) publicDownload(ctx context.Context, token string, format string) (Document, error) {
	normalizedFormat := strings.ToLower(strings.TrimSpace(format))
	if normalizedFormat == "" {
		normalizedFormat = FormatHTML
	}
	if normalizedFormat != FormatHTML {
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, normalizedFormat)
	}
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return Document{}, ErrNotFound
	}
	receipt, err := service.receipts.FindReceiptByToken(ctx, trimmedToken)
	if errors.Is(err, receipts.ErrReceiptNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		service.logger.Error("receipt token lookup failed", zap.Error(err))
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if bumped, bumpErr := service.receipts.RecordDownload(ctx, receipt.ID, service.nowFn()); bumpErr != nil {
		service.logger.Warn("record receipt download failed", zap.String("receipt_id", receipt.ID), zap.Error(bumpErr))
	} else {
		receipt = bumped
	}

	snapshot := receipt.RenderedSnapshot
	if strings.TrimSpace(snapshot) == "" {
		service.logger.Warn("receipt snapshot missing, regenerating", zap.String("receipt_id", receipt.ID))
		snapshot, err = service.renderer.RenderSnapshot(receipt)
		if err != nil {
			service.logger.Error("regenerate receipt snapshot failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
			return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return Document{
		ContentType: htmlContentType,
		Filename:    "receipt-" + receipt.ReceiptNumber + ".html",
		Body:        []byte(snapshot),
	}, nil
}

// Resend emails the stored receipt to its recipient again, synchronously.
func (service *Service) Resend(ctx context.Context, caller string, receiptID string) (receipts.Receipt, error) {
	receipt, err := service.resend(ctx, caller, receiptID)
	service.metrics.ReceiptRead(readPathResend, outcomeOf(err))
	return receipt, err
}

func (service *Service) resend(ctx context.Context, caller string, receiptID string) (receipts.Receipt, error) {
	callerID, err := service.admit(ctx, caller)
	if err != nil {
		return receipts.Receipt{}, err
	}
	parsedID, err := uuid.Parse(strings.TrimSpace(receiptID))
	if err != nil {
		return receipts.Receipt{}, fmt.Errorf("%w: receipt id", ErrValidation)
	}
	receipt, err := service.receipts.FindReceiptByID(ctx, parsedID.String())
	if errors.Is(err, receipts.ErrReceiptNotFound) {
		return receipts.Receipt{}, ErrNotFound
	}
	if err != nil {
		service.logger.Error("receipt lookup failed", zap.Error(err))
		return receipts.Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if receipt.UserID != callerID.String() {
		return receipts.Receipt{}, ErrNotFound
	}
	if strings.TrimSpace(receipt.RecipientEmail) == "" {
		return receipts.Receipt{}, ErrNoRecipient
	}
	if service.composer == nil || service.sender == nil {
		return receipts.Receipt{}, fmt.Errorf("%w: email is not configured", ErrEmailFailed)
	}
	job, err := service.composer.EmailJobFor(receipt)
	if err != nil {
		service.logger.Error("render receipt email failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
		return receipts.Receipt{}, fmt.Errorf("%w: %v", ErrEmailFailed, err)
	}
	if err := service.sender.SendNow(ctx, job); err != nil {
		service.logger.Warn("receipt resend failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
		return receipts.Receipt{}, fmt.Errorf("%w: %v", ErrEmailFailed, err)
	}
	service.logger.Info("receipt resent", zap.String("receipt_id", receipt.ID))
	return receipt, nil
}

// admit authenticates and rate-limits a caller before any data access.
func (service *Service) admit(ctx context.Context, caller string) (ledger.UserID, error) {
	if strings.TrimSpace(caller) == "" {
		return ledger.UserID{}, ErrUnauthenticated
	}
	callerID, err := ledger.NewUserID(caller)
	if err != nil {
		return ledger.UserID{}, ErrUnauthenticated
	}
	decision, err := service.limiter.TryConsume(ctx, callerID.String())
	if err != nil {
		service.logger.Error("rate limiter unavailable", zap.String("user_id", callerID.String()), zap.Error(err))
		return ledger.UserID{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !decision.Allowed {
		return ledger.UserID{}, &ThrottledError{RetryAfter: decision.RetryAfter}
	}
	return callerID, nil
}

// resolveOwned validates the reference shape and hides foreign rows as missing.
func (service *Service) resolveOwned(ctx context.Context, caller ledger.UserID, reference string) (ledger.Transaction, error) {
	trimmed := strings.TrimSpace(reference)
	var (
		transaction ledger.Transaction
		err         error
	)
	switch {
	case service.referenceShape.MatchString(trimmed):
		paymentReference, parseErr := ledger.NewPaymentReference(trimmed)
		if parseErr != nil {
			return ledger.Transaction{}, fmt.Errorf("%w: payment reference", ErrValidation)
		}
		var found bool
		transaction, found, err = service.ledger.FindPurchase(ctx, paymentReference)
		if err == nil && !found {
			return ledger.Transaction{}, ErrNotFound
		}
	default:
		parsedID, parseErr := uuid.Parse(trimmed)
		if parseErr != nil {
			return ledger.Transaction{}, fmt.Errorf("%w: reference shape", ErrValidation)
		}
		transactionID, idErr := ledger.NewTransactionID(parsedID.String())
		if idErr != nil {
			return ledger.Transaction{}, fmt.Errorf("%w: transaction id", ErrValidation)
		}
		transaction, err = service.ledger.GetTransaction(ctx, transactionID)
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return ledger.Transaction{}, ErrNotFound
		}
	}
	if err != nil {
		service.logger.Error("ownership lookup failed", zap.Error(err))
		return ledger.Transaction{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if transaction.UserID() != caller || transaction.Kind() != ledger.KindPurchase {
		return ledger.Transaction{}, ErrNotFound
	}
	return transaction, nil
}

func (service *Service) paymentDetails(ctx context.Context, reference string) (gateway.PaymentDetails, error) {
	if reference == "" {
		return gateway.PaymentDetails{}, gateway.ErrPaymentNotFound
	}
	if service.cache != nil {
		cached, ok, err := service.cache.Get(ctx, reference)
		if err != nil {
			service.logger.Warn("payment cache read failed", zap.String("payment_reference", reference), zap.Error(err))
		}
		if ok {
			return cached, nil
		}
	}
	if service.payments == nil {
		return gateway.PaymentDetails{}, fmt.Errorf("%w: no gateway configured", gateway.ErrUpstreamUnavailable)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, service.gatewayTimeout)
	defer cancel()
	started := time.Now()
	details, err := service.payments.FetchPayment(fetchCtx, reference)
	service.metrics.ObserveGateway("fetch_payment", started)
	if err != nil {
		return gateway.PaymentDetails{}, err
	}
	if service.cache != nil {
		if err := service.cache.Set(ctx, details); err != nil {
			service.logger.Warn("payment cache write failed", zap.String("payment_reference", reference), zap.Error(err))
		}
	}
	return details, nil
}

func (service *Service) infoFromDetails(details gateway.PaymentDetails) ReceiptInfo {
	method := details.PaymentMethod
	if method.Last4 == "" {
		method.Last4 = receipts.DefaultLast4
	}
	if method.Type == "" {
		method.Type = receipts.DefaultMethodType
	}
	info := ReceiptInfo{
		PaymentReference:     details.Reference,
		Amount:               details.AmountMinor,
		Currency:             strings.ToLower(details.Currency),
		Created:              details.Created.UTC(),
		Description:          details.Description,
		PaymentMethodSummary: PaymentMethodSummary{Type: method.Type, Brand: method.Brand, Last4: method.Last4},
		Source:               SourceGateway,
	}
	if receiptURL, ok := service.trustedHosts.Filter(details.ReceiptURL); ok {
		info.ReceiptURL = &receiptURL
	}
	if masked, ok := MaskEmail(details.BillingEmail); ok {
		info.BillingDetails.Email = &masked
	}
	return info
}

func (service *Service) infoFromReceipt(receipt receipts.Receipt) ReceiptInfo {
	method := receipt.Method()
	info := ReceiptInfo{
		PaymentReference:     receipt.PaymentReference,
		Amount:               receipt.AmountMinor,
		Currency:             receipt.Currency,
		Created:              receipt.CreatedAt.UTC(),
		Description:          receipt.Description,
		PaymentMethodSummary: PaymentMethodSummary{Type: method.Type, Brand: method.Brand, Last4: method.Last4},
		Source:               SourceStored,
	}
	if masked, ok := MaskEmail(receipt.RecipientEmail); ok {
		info.BillingDetails.Email = &masked
	}
	service.attachReceipt(&info, receipt)
	return info
}

func (service *Service) attachReceipt(info *ReceiptInfo, receipt receipts.Receipt) {
	info.ReceiptID = receipt.ID
	info.ReceiptNumber = receipt.ReceiptNumber
	if service.composer != nil && receipt.DownloadToken != "" {
		downloadURL := service.composer.DownloadURL(receipt.DownloadToken)
		info.DownloadURL = &downloadURL
	}
	if info.Description == "" {
		info.Description = receipt.Description
	}
}

func outcomeOf(err error) string {
	var throttled *ThrottledError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &throttled):
		return "throttled"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrNoRecipient):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
