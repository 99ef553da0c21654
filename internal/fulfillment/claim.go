package fulfillment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// Metadata keys written on the payment at checkout.
const (
	MetadataUserID       = "userId"
	MetadataPackageID    = "packageId"
	MetadataCreditAmount = "creditAmount"
)

// Sources of a fulfillment attempt.
const (
	SourceWebhook = "webhook"
	SourceConfirm = "confirm"
)

// Structural rejections. Every one of them wraps ErrRejected.
var (
	ErrRejected             = errors.New("fulfillment rejected")
	ErrMissingMetadata      = errors.New("missing or invalid payment metadata")
	ErrUnknownPackage       = errors.New("unknown package")
	ErrCreditAmountMismatch = errors.New("credit amount does not match package")
)

// Confirmation failures.
var (
	ErrPaymentIncomplete = errors.New("payment has not succeeded")
	ErrPaymentNotOwned   = errors.New("payment belongs to another user")
)

// PaymentSucceeded is a verified success notification for a payment.
type PaymentSucceeded struct {
	PaymentReference string
	Metadata         map[string]string
	AmountMinor      int64
	Currency         string
	BillingEmail     string
	Source           string
}

// Claim is the validated grant request carried by a payment.
type Claim struct {
	UserID           ledger.UserID
	PackageID        ledger.PackageID
	Credits          ledger.PositiveCredits
	PaymentReference ledger.PaymentReference
}

// ParseClaim validates the payment reference and the three required metadata keys.
func ParseClaim(event PaymentSucceeded) (Claim, error) {
	reference, err := ledger.NewPaymentReference(event.PaymentReference)
	if err != nil {
		return Claim{}, rejected(ErrMissingMetadata, "payment reference: %v", err)
	}
	userID, err := ledger.NewUserID(event.Metadata[MetadataUserID])
	if err != nil {
		return Claim{}, rejected(ErrMissingMetadata, "%s: %v", MetadataUserID, err)
	}
	packageID, err := ledger.NewPackageID(event.Metadata[MetadataPackageID])
	if err != nil {
		return Claim{}, rejected(ErrMissingMetadata, "%s: %v", MetadataPackageID, err)
	}
	rawCredits := strings.TrimSpace(event.Metadata[MetadataCreditAmount])
	parsedCredits, err := strconv.ParseInt(rawCredits, 10, 64)
	if err != nil {
		return Claim{}, rejected(ErrMissingMetadata, "%s: %q is not an integer", MetadataCreditAmount, rawCredits)
	}
	credits, err := ledger.NewPositiveCredits(parsedCredits)
	if err != nil {
		return Claim{}, rejected(ErrMissingMetadata, "%s: %v", MetadataCreditAmount, err)
	}
	return Claim{UserID: userID, PackageID: packageID, Credits: credits, PaymentReference: reference}, nil
}

func rejected(reason error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w: %s", ErrRejected, reason, fmt.Sprintf(format, args...))
}
