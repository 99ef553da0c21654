package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/catalog"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// Store errors.
var (
	ErrReceiptNotFound    = errors.New("receipt not found")
	ErrReceiptExists      = errors.New("receipt already exists for transaction")
	ErrReceiptNumberTaken = errors.New("receipt number already taken")
	ErrDownloadTokenTaken = errors.New("download token already taken")
	ErrProfileNotFound    = errors.New("profile not found")
)

const (
	// DefaultLast4 replaces card digits the gateway did not return.
	DefaultLast4 = "****"
	// DefaultMethodType is assumed when the gateway returned no method type.
	DefaultMethodType = "card"
)

// Receipt is the permanent proof of a PURCHASE transaction.
type Receipt struct {
	ID               string
	TransactionID    string
	UserID           string
	PaymentReference string
	ReceiptNumber    string
	PackageID        string
	Credits          int64
	AmountMinor      int64
	Currency         string
	PaymentMethod    gateway.PaymentMethod
	Description      string
	RecipientEmail   string
	RecipientName    string
	RenderedSnapshot string
	DownloadToken    string
	DownloadCount    int64
	LastDownloadedAt *time.Time
	EmailSentAt      *time.Time
	EmailDeliveredAt *time.Time
	EmailAttempts    int
	EmailLastError   string
	CreatedAt        time.Time
}

// Profile is the owning user's contact data.
type Profile struct {
	UserID      string
	Email       string
	DisplayName string
}

// Purchase is the input to Ensure: a committed PURCHASE row plus what the event carried.
type Purchase struct {
	Transaction  ledger.Transaction
	Package      catalog.Package
	AmountMinor  int64
	Currency     string
	BillingEmail string
}

// Store persists receipts. CreateReceipt maps unique conflicts to
// ErrReceiptExists, ErrReceiptNumberTaken or ErrDownloadTokenTaken.
type Store interface {
	FindReceiptByTransaction(ctx context.Context, transactionID string) (Receipt, error)
	CreateReceipt(ctx context.Context, receipt Receipt) (Receipt, error)
}

// EmailTracker records delivery progress on a receipt.
type EmailTracker interface {
	MarkEmailSent(ctx context.Context, receiptID string, at time.Time) error
	MarkEmailDelivered(ctx context.Context, receiptID string, at time.Time) error
	RecordEmailFailure(ctx context.Context, receiptID string, message string) error
}

// ProfileDirectory resolves user profiles.
type ProfileDirectory interface {
	LookupProfile(ctx context.Context, userID string) (Profile, error)
}

// Method returns the payment method with display defaults applied.
func (receipt Receipt) Method() gateway.PaymentMethod {
	method := receipt.PaymentMethod
	if method.Type == "" {
		method.Type = DefaultMethodType
	}
	if method.Last4 == "" {
		method.Last4 = DefaultLast4
	}
	return method
}
