package receipts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"go.uber.org/zap"
)

const defaultGatewayTimeout = 5 * time.Second

// ErrGenerationExhausted is returned when every receipt number or token candidate collided.
var ErrGenerationExhausted = errors.New("receipt identifiers exhausted")

// EmailQueue accepts receipt emails for detached delivery.
type EmailQueue interface {
	Enqueue(job EmailJob) error
}

// GeneratorConfig configures receipt generation.
type GeneratorConfig struct {
	PublicBaseURL  string
	GatewayTimeout time.Duration
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the generator clock.
func WithClock(now func() time.Time) GeneratorOption {
	return func(generator *Generator) {
		if now != nil {
			generator.nowFn = now
		}
	}
}

// WithEntropy overrides the randomness source for numbers and tokens.
func WithEntropy(entropy io.Reader) GeneratorOption {
	return func(generator *Generator) {
		if entropy != nil {
			generator.entropy = entropy
		}
	}
}

// Generator materializes one receipt per PURCHASE transaction.
type Generator struct {
	store    Store
	profiles ProfileDirectory
	payments gateway.Gateway
	emails   EmailQueue
	renderer *Renderer
	config   GeneratorConfig
	logger   *zap.Logger
	nowFn    func() time.Time
	entropy  io.Reader
}

// NewGenerator wires a Generator. profiles, payments and emails may be nil.
func NewGenerator(store Store, profiles ProfileDirectory, payments gateway.Gateway, emails EmailQueue, config GeneratorConfig, logger *zap.Logger, options ...GeneratorOption) (*Generator, error) {
	if store == nil {
		return nil, fmt.Errorf("receipt store is required")
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = defaultGatewayTimeout
	}
	config.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	generator := &Generator{
		store:    store,
		profiles: profiles,
		payments: payments,
		emails:   emails,
		renderer: NewRenderer(),
		config:   config,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
		entropy:  rand.Reader,
	}
	for _, option := range options {
		if option != nil {
			option(generator)
		}
	}
	return generator, nil
}

// Renderer exposes the snapshot renderer shared with the read path.
func (generator *Generator) Renderer() *Renderer {
	return generator.renderer
}

// Ensure returns the receipt for the purchase, creating it when absent.
func (generator *Generator) Ensure(ctx context.Context, purchase Purchase) (Receipt, error) {
	transactionID := purchase.Transaction.ID().String()
	existing, err := generator.store.FindReceiptByTransaction(ctx, transactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrReceiptNotFound) {
		return Receipt{}, err
	}

	draft := generator.draft(ctx, purchase)
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		draft.ReceiptNumber, err = NewReceiptNumber(draft.CreatedAt, generator.entropy)
		if err != nil {
			return Receipt{}, err
		}
		draft.DownloadToken, err = NewDownloadToken(generator.entropy)
		if err != nil {
			return Receipt{}, err
		}
		draft.RenderedSnapshot, err = generator.renderer.RenderSnapshot(draft)
		if err != nil {
			return Receipt{}, err
		}
		created, createErr := generator.store.CreateReceipt(ctx, draft)
		switch {
		case createErr == nil:
			generator.queueEmail(created)
			return created, nil
		case errors.Is(createErr, ErrReceiptExists):
			return generator.store.FindReceiptByTransaction(ctx, transactionID)
		case errors.Is(createErr, ErrReceiptNumberTaken), errors.Is(createErr, ErrDownloadTokenTaken):
			generator.logger.Info("receipt identifier collision, regenerating", zap.String("transaction_id", transactionID), zap.Int("attempt", attempt+1))
			continue
		default:
			return Receipt{}, createErr
		}
	}
	return Receipt{}, fmt.Errorf("%w after %d attempts", ErrGenerationExhausted, maxGenerationAttempts)
}

// DownloadURL builds the public link for a token.
func (generator *Generator) DownloadURL(token string) string {
	return DownloadURL(generator.config.PublicBaseURL, token)
}

// DownloadURL builds the public link for a token under baseURL.
func DownloadURL(baseURL string, token string) string {
	return strings.TrimRight(baseURL, "/") + "/receipts/download?token=" + url.QueryEscape(token) + "&format=html"
}

// EmailJobFor renders the email for a stored receipt.
func (generator *Generator) EmailJobFor(receipt Receipt) (EmailJob, error) {
	snapshot := receipt.RenderedSnapshot
	if strings.TrimSpace(snapshot) == "" {
		rendered, err := generator.renderer.RenderSnapshot(receipt)
		if err != nil {
			return EmailJob{}, err
		}
		snapshot = rendered
	}
	body, err := generator.renderer.RenderEmail(receipt, snapshot, generator.DownloadURL(receipt.DownloadToken))
	if err != nil {
		return EmailJob{}, err
	}
	return EmailJob{
		ReceiptID: receipt.ID,
		Recipient: receipt.RecipientEmail,
		Subject:   "Your receipt " + receipt.ReceiptNumber,
		HTML:      body,
	}, nil
}

func (generator *Generator) draft(ctx context.Context, purchase Purchase) Receipt {
	transaction := purchase.Transaction
	reference, _ := transaction.PaymentReference()
	receipt := Receipt{
		TransactionID:    transaction.ID().String(),
		UserID:           transaction.UserID().String(),
		PaymentReference: reference.String(),
		PackageID:        purchase.Package.ID,
		Credits:          transaction.Amount().Int64(),
		Description:      transaction.Description(),
		CreatedAt:        generator.nowFn().Truncate(time.Second),
	}
	if receipt.Description == "" {
		receipt.Description = fmt.Sprintf("%d credits (%s)", receipt.Credits, purchase.Package.Name)
	}

	profile := generator.lookupProfile(ctx, receipt.UserID)
	details, fetched := generator.fetchDetails(ctx, receipt.PaymentReference)

	switch {
	case fetched && details.AmountMinor > 0:
		receipt.AmountMinor, receipt.Currency = details.AmountMinor, details.Currency
	case purchase.AmountMinor > 0:
		receipt.AmountMinor, receipt.Currency = purchase.AmountMinor, purchase.Currency
	default:
		receipt.AmountMinor, receipt.Currency = purchase.Package.PriceMinor, purchase.Package.Currency
	}
	receipt.Currency = strings.ToLower(firstNonBlank(receipt.Currency, purchase.Package.Currency))
	if fetched {
		receipt.PaymentMethod = details.PaymentMethod
	}
	receipt.PaymentMethod = receipt.Method()
	receipt.RecipientEmail = firstNonBlank(profile.Email, details.BillingEmail, purchase.BillingEmail)
	receipt.RecipientName = firstNonBlank(profile.DisplayName, details.BillingName)
	return receipt
}

func (generator *Generator) lookupProfile(ctx context.Context, userID string) Profile {
	if generator.profiles == nil {
		return Profile{}
	}
	profile, err := generator.profiles.LookupProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			generator.logger.Warn("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return Profile{}
	}
	return profile
}

func (generator *Generator) fetchDetails(ctx context.Context, reference string) (gateway.PaymentDetails, bool) {
	if generator.payments == nil || reference == "" {
		return gateway.PaymentDetails{}, false
	}
	fetchCtx, cancel := context.WithTimeout(ctx, generator.config.GatewayTimeout)
	defer cancel()
	details, err := generator.payments.FetchPayment(fetchCtx, reference)
	if err != nil {
		generator.logger.Warn("payment details unavailable, using fallback fields", zap.String("payment_reference", reference), zap.Error(err))
		return gateway.PaymentDetails{}, false
	}
	if !details.HasCharge {
		generator.logger.Info("payment has no expanded charge data", zap.String("payment_reference", reference))
	}
	return details, true
}

func (generator *Generator) queueEmail(receipt Receipt) {
	if generator.emails == nil || strings.TrimSpace(receipt.RecipientEmail) == "" {
		return
	}
	job, err := generator.EmailJobFor(receipt)
	if err != nil {
		generator.logger.Warn("render receipt email failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
		return
	}
	if err := generator.emails.Enqueue(job); err != nil {
		generator.logger.Warn("enqueue receipt email failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
	}
}
