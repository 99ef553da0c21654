package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. It doubles as the profile directory.
type Account struct {
	AccountID   string    `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	Email       string    `gorm:"not null;default:''"`
	DisplayName string    `gorm:"not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the append-only transactions table.
type Transaction struct {
	TransactionID    string         `gorm:"column:id;type:uuid;primaryKey"`
	AccountID        string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	UserID           string         `gorm:"not null;index:idx_transactions_user"`
	Kind             string         `gorm:"not null"`
	Amount           int64          `gorm:"not null"`
	Description      string         `gorm:"not null;default:''"`
	PaymentReference *string        `gorm:"uniqueIndex:uniq_purchase_payment_reference,where:kind = 'PURCHASE'"`
	PackageID        *string        `gorm:""`
	ExpiresAt        *time.Time     `gorm:""`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Receipt mirrors the receipts table.
type Receipt struct {
	ReceiptID          string     `gorm:"column:id;type:uuid;primaryKey"`
	TransactionID      string     `gorm:"type:uuid;not null;uniqueIndex:uniq_receipts_transaction"`
	UserID             string     `gorm:"not null;index:idx_receipts_user"`
	PaymentReference   string     `gorm:"not null;index:idx_receipts_payment_reference"`
	ReceiptNumber      string     `gorm:"not null;uniqueIndex:uniq_receipts_number"`
	PackageID          string     `gorm:"not null;default:''"`
	Credits            int64      `gorm:"not null"`
	AmountMinor        int64      `gorm:"not null"`
	Currency           string     `gorm:"not null"`
	PaymentMethodType  string     `gorm:"not null;default:''"`
	PaymentMethodLast4 string     `gorm:"not null;default:''"`
	PaymentMethodBrand string     `gorm:"not null;default:''"`
	Description        string     `gorm:"not null;default:''"`
	RecipientEmail     string     `gorm:"not null;default:''"`
	RecipientName      string     `gorm:"not null;default:''"`
	RenderedSnapshot   string     `gorm:"type:text;not null"`
	DownloadToken      string     `gorm:"not null;uniqueIndex:uniq_receipts_token"`
	DownloadCount      int64      `gorm:"not null;default:0"`
	LastDownloadedAt   *time.Time `gorm:""`
	EmailSentAt        *time.Time `gorm:""`
	EmailDeliveredAt   *time.Time `gorm:""`
	EmailAttempts      int        `gorm:"not null;default:0"`
	EmailLastError     string     `gorm:"not null;default:''"`
	CreatedAt          time.Time  `gorm:"not null"`
}

func (Receipt) TableName() string { return "receipts" }

func (receipt *Receipt) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}

// WebhookEvent mirrors the webhook_events audit table.
type WebhookEvent struct {
	EventID          string         `gorm:"primaryKey"`
	EventType        string         `gorm:"not null"`
	PaymentReference string         `gorm:"not null;default:''"`
	Payload          datatypes.JSON `gorm:"type:jsonb;not null"`
	Outcome          string         `gorm:"not null"`
	ProcessingError  string         `gorm:"not null;default:''"`
	ReceivedAt       time.Time      `gorm:"not null;index:idx_webhook_events_received"`
	ProcessedAt      *time.Time     `gorm:""`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&Account{}, &Transaction{}, &Receipt{}, &WebhookEvent{}}
}
