package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"gorm.io/gorm"
)

const (
	constraintReceiptTransaction = "uniq_receipts_transaction"
	constraintReceiptNumber      = "uniq_receipts_number"
	constraintReceiptToken       = "uniq_receipts_token"
	columnReceiptTransaction     = "receipts.transaction_id"
	columnReceiptNumber          = "receipts.receipt_number"
	columnReceiptToken           = "receipts.download_token"
	errorSubjectReceipt          = "receipt"
	errorSubjectProfile          = "profile"
	errorCodeUpdate              = "update"
)

// CreateReceipt inserts a receipt, mapping unique conflicts to receipt sentinels.
func (store *Store) CreateReceipt(ctx context.Context, receipt receipts.Receipt) (receipts.Receipt, error) {
	row := receiptRow(receipt)
	err := store.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return mapReceipt(row), nil
	}
	switch {
	case isUniqueViolation(err, constraintReceiptTransaction, columnReceiptTransaction) && !errors.Is(err, gorm.ErrDuplicatedKey):
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, receipts.ErrReceiptExists)
	case isUniqueViolation(err, constraintReceiptNumber, columnReceiptNumber) && !errors.Is(err, gorm.ErrDuplicatedKey):
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, receipts.ErrReceiptNumberTaken)
	case isUniqueViolation(err, constraintReceiptToken, columnReceiptToken) && !errors.Is(err, gorm.ErrDuplicatedKey):
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, receipts.ErrDownloadTokenTaken)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// A translated error does not name the index; the transaction row decides.
		if _, findErr := store.FindReceiptByTransaction(ctx, receipt.TransactionID); findErr == nil {
			return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, receipts.ErrReceiptExists)
		}
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, receipts.ErrReceiptNumberTaken)
	default:
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeInsert, err)
	}
}

// FindReceiptByTransaction returns the receipt of a transaction.
func (store *Store) FindReceiptByTransaction(ctx context.Context, transactionID string) (receipts.Receipt, error) {
	return store.findReceipt(ctx, "transaction_id = ?", transactionID)
}

// FindReceiptByID returns a receipt by its id.
func (store *Store) FindReceiptByID(ctx context.Context, receiptID string) (receipts.Receipt, error) {
	return store.findReceipt(ctx, "id = ?", receiptID)
}

// FindReceiptByToken resolves a download token.
func (store *Store) FindReceiptByToken(ctx context.Context, token string) (receipts.Receipt, error) {
	return store.findReceipt(ctx, "download_token = ?", token)
}

func (store *Store) findReceipt(ctx context.Context, query string, value string) (receipts.Receipt, error) {
	if strings.TrimSpace(value) == "" {
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, receipts.ErrReceiptNotFound)
	}
	var row Receipt
	err := store.db.WithContext(ctx).Where(query, value).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, receipts.ErrReceiptNotFound)
	}
	if err != nil {
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, err)
	}
	return mapReceipt(row), nil
}

// RecordDownload bumps the download counter atomically and returns the updated receipt.
func (store *Store) RecordDownload(ctx context.Context, receiptID string, at time.Time) (receipts.Receipt, error) {
	result := store.db.WithContext(ctx).
		Model(&Receipt{}).
		Where("id = ?", receiptID).
		Updates(map[string]interface{}{
			"download_count":     gorm.Expr("download_count + 1"),
			"last_downloaded_at": at.UTC(),
		})
	if result.Error != nil {
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return receipts.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeUpdate, receipts.ErrReceiptNotFound)
	}
	return store.FindReceiptByID(ctx, receiptID)
}

// MarkEmailSent records the hand-off to the mail transport.
func (store *Store) MarkEmailSent(ctx context.Context, receiptID string, at time.Time) error {
	return store.updateReceipt(ctx, receiptID, map[string]interface{}{
		"email_sent_at":  at.UTC(),
		"email_attempts": gorm.Expr("email_attempts + 1"),
	})
}

// MarkEmailDelivered records transport success.
func (store *Store) MarkEmailDelivered(ctx context.Context, receiptID string, at time.Time) error {
	return store.updateReceipt(ctx, receiptID, map[string]interface{}{
		"email_delivered_at": at.UTC(),
		"email_last_error":   "",
	})
}

// RecordEmailFailure stores the last transport error.
func (store *Store) RecordEmailFailure(ctx context.Context, receiptID string, message string) error {
	return store.updateReceipt(ctx, receiptID, map[string]interface{}{"email_last_error": message})
}

func (store *Store) updateReceipt(ctx context.Context, receiptID string, updates map[string]interface{}) error {
	result := store.db.WithContext(ctx).Model(&Receipt{}).Where("id = ?", receiptID).Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReceipt, errorCodeUpdate, receipts.ErrReceiptNotFound)
	}
	return nil
}

// UpsertProfile stores the latest contact data seen for a user.
func (store *Store) UpsertProfile(ctx context.Context, profile receipts.Profile) error {
	account, err := store.getOrCreateAccount(ctx, profile.UserID)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{}
	if email := strings.TrimSpace(profile.Email); email != "" && email != account.Email {
		updates["email"] = email
	}
	if name := strings.TrimSpace(profile.DisplayName); name != "" && name != account.DisplayName {
		updates["display_name"] = name
	}
	if len(updates) == 0 {
		return nil
	}
	err = store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", account.AccountID).Updates(updates).Error
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpdate, err)
	}
	return nil
}

// LookupProfile returns the stored contact data of a user.
func (store *Store) LookupProfile(ctx context.Context, userID string) (receipts.Profile, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return receipts.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, receipts.ErrProfileNotFound)
	}
	if err != nil {
		return receipts.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return receipts.Profile{UserID: account.UserID, Email: account.Email, DisplayName: account.DisplayName}, nil
}

func receiptRow(receipt receipts.Receipt) Receipt {
	return Receipt{
		ReceiptID:          receipt.ID,
		TransactionID:      receipt.TransactionID,
		UserID:             receipt.UserID,
		PaymentReference:   receipt.PaymentReference,
		ReceiptNumber:      receipt.ReceiptNumber,
		PackageID:          receipt.PackageID,
		Credits:            receipt.Credits,
		AmountMinor:        receipt.AmountMinor,
		Currency:           receipt.Currency,
		PaymentMethodType:  receipt.PaymentMethod.Type,
		PaymentMethodLast4: receipt.PaymentMethod.Last4,
		PaymentMethodBrand: receipt.PaymentMethod.Brand,
		Description:        receipt.Description,
		RecipientEmail:     receipt.RecipientEmail,
		RecipientName:      receipt.RecipientName,
		RenderedSnapshot:   receipt.RenderedSnapshot,
		DownloadToken:      receipt.DownloadToken,
		CreatedAt:          receipt.CreatedAt.UTC(),
	}
}

func mapReceipt(row Receipt) receipts.Receipt {
	return receipts.Receipt{
		ID:               row.ReceiptID,
		TransactionID:    row.TransactionID,
		UserID:           row.UserID,
		PaymentReference: row.PaymentReference,
		ReceiptNumber:    row.ReceiptNumber,
		PackageID:        row.PackageID,
		Credits:          row.Credits,
		AmountMinor:      row.AmountMinor,
		Currency:         row.Currency,
		PaymentMethod: gateway.PaymentMethod{
			Type:  row.PaymentMethodType,
			Last4: row.PaymentMethodLast4,
			Brand: row.PaymentMethodBrand,
		},
		Description:      row.Description,
		RecipientEmail:   row.RecipientEmail,
		RecipientName:    row.RecipientName,
		RenderedSnapshot: row.RenderedSnapshot,
		DownloadToken:    row.DownloadToken,
		DownloadCount:    row.DownloadCount,
		LastDownloadedAt: row.LastDownloadedAt,
		EmailSentAt:      row.EmailSentAt,
		EmailDeliveredAt: row.EmailDeliveredAt,
		EmailAttempts:    row.EmailAttempts,
		EmailLastError:   row.EmailLastError,
		CreatedAt:        row.CreatedAt,
	}
}
