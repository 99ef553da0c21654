package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxPaymentReferenceLength = 255
	maxDescriptionLength      = 512
)

// Credits is a signed credit amount. Positive values grant, negative values debit.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// PositiveCredits is a credit amount strictly greater than zero.
type PositiveCredits int64

// NewPositiveCredits validates that raw is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits converts to a signed grant amount.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// Negated converts to a signed debit amount.
func (credits PositiveCredits) Negated() Credits {
	return Credits(-int64(credits))
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// AccountID identifies the internal account row of a user.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// TransactionID identifies a ledger row.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// PaymentReference is the gateway's payment identifier and the fulfillment idempotency key.
type PaymentReference struct {
	value string
}

// NewPaymentReference validates and normalizes a payment reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	if len(trimmed) > maxPaymentReferenceLength {
		return PaymentReference{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidPaymentReference, maxPaymentReferenceLength)
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// PackageID identifies a purchasable credit package.
type PackageID struct {
	value string
}

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat string map into metadata.
func MetadataFromMap(values map[string]string) (MetadataJSON, error) {
	if len(values) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionKind enumerates ledger row kinds.
type TransactionKind string

const (
	KindPurchase        TransactionKind = "PURCHASE"
	KindUsage           TransactionKind = "USAGE"
	KindAIUsage         TransactionKind = "AI_USAGE"
	KindRefund          TransactionKind = "REFUND"
	KindAdminAdjustment TransactionKind = "ADMIN_ADJUSTMENT"
)

// ParseTransactionKind validates a stored or requested kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch kind := TransactionKind(strings.ToUpper(strings.TrimSpace(raw))); kind {
	case KindPurchase, KindUsage, KindAIUsage, KindRefund, KindAdminAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

func (kind TransactionKind) isDebitOnly() bool {
	return kind == KindUsage || kind == KindAIUsage || kind == KindRefund
}

// TransactionInput is a validated, not yet persisted ledger row.
type TransactionInput struct {
	accountID        AccountID
	userID           UserID
	kind             TransactionKind
	amount           Credits
	description      string
	paymentReference *PaymentReference
	packageID        *PackageID
	expiresAtUnixUTC int64
	metadata         MetadataJSON
	createdUnixUTC   int64
}

// NewTransactionInput validates the row shape for its kind.
func NewTransactionInput(
	accountID AccountID,
	userID UserID,
	kind TransactionKind,
	amount Credits,
	description string,
	paymentReference *PaymentReference,
	packageID *PackageID,
	expiresAtUnixUTC int64,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (TransactionInput, error) {
	if accountID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount == 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be non-zero", ErrInvalidCredits)
	}
	if kind == KindPurchase {
		if amount < 0 {
			return TransactionInput{}, fmt.Errorf("%w: purchase must grant credits", ErrInvalidCredits)
		}
		if paymentReference == nil || paymentReference.String() == "" {
			return TransactionInput{}, fmt.Errorf("%w: purchase requires a payment reference", ErrInvalidPaymentReference)
		}
	}
	if kind.isDebitOnly() && amount > 0 {
		return TransactionInput{}, fmt.Errorf("%w: %s must debit credits", ErrInvalidCredits, kind)
	}
	if amount < 0 && expiresAtUnixUTC != 0 {
		return TransactionInput{}, fmt.Errorf("%w: debits never expire", ErrInvalidExpiration)
	}
	if expiresAtUnixUTC != 0 && expiresAtUnixUTC <= createdUnixUTC {
		return TransactionInput{}, fmt.Errorf("%w: expiration precedes creation", ErrInvalidExpiration)
	}
	trimmedDescription := strings.TrimSpace(description)
	if len(trimmedDescription) > maxDescriptionLength {
		return TransactionInput{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	if metadata.String() == "" {
		metadata = MetadataJSON{value: "{}"}
	}
	return TransactionInput{
		accountID:        accountID,
		userID:           userID,
		kind:             kind,
		amount:           amount,
		description:      trimmedDescription,
		paymentReference: paymentReference,
		packageID:        packageID,
		expiresAtUnixUTC: expiresAtUnixUTC,
		metadata:         metadata,
		createdUnixUTC:   createdUnixUTC,
	}, nil
}

func (input TransactionInput) AccountID() AccountID    { return input.accountID }
func (input TransactionInput) UserID() UserID          { return input.userID }
func (input TransactionInput) Kind() TransactionKind   { return input.kind }
func (input TransactionInput) Amount() Credits         { return input.amount }
func (input TransactionInput) Description() string     { return input.description }
func (input TransactionInput) ExpiresAtUnixUTC() int64 { return input.expiresAtUnixUTC }
func (input TransactionInput) Metadata() MetadataJSON  { return input.metadata }
func (input TransactionInput) CreatedUnixUTC() int64   { return input.createdUnixUTC }

// PaymentReference returns the gateway reference when the row carries one.
func (input TransactionInput) PaymentReference() (PaymentReference, bool) {
	if input.paymentReference == nil {
		return PaymentReference{}, false
	}
	return *input.paymentReference, true
}

// PackageID returns the purchased package when the row carries one.
func (input TransactionInput) PackageID() (PackageID, bool) {
	if input.packageID == nil {
		return PackageID{}, false
	}
	return *input.packageID, true
}

// Transaction is a persisted, immutable ledger row.
type Transaction struct {
	TransactionInput
	transactionID TransactionID
}

// NewTransaction binds a persisted id to a validated input.
func NewTransaction(transactionID TransactionID, input TransactionInput) (Transaction, error) {
	if transactionID.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return Transaction{TransactionInput: input, transactionID: transactionID}, nil
}

// ID returns the transaction id.
func (transaction Transaction) ID() TransactionID {
	return transaction.transactionID
}

// ExpiredAt reports whether a grant no longer counts toward the balance.
func (transaction Transaction) ExpiredAt(atUnixUTC int64) bool {
	return transaction.expiresAtUnixUTC != 0 && transaction.expiresAtUnixUTC <= atUnixUTC
}

// Balance view for an account.
type Balance struct {
	TotalCredits Credits
	AsOfUnixUTC  int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID UserID) (AccountID, error)
	// InsertTransaction returns ErrAlreadyFulfilled when a PURCHASE row already holds the payment reference.
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	FindPurchaseByPaymentReference(ctx context.Context, reference PaymentReference) (Transaction, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	SumBalance(ctx context.Context, accountID AccountID, atUnixUTC int64) (Credits, error)
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
