package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPurchasePaymentReference = "uniq_purchase_payment_reference"
	columnPurchasePaymentReference     = "transactions.payment_reference"
	defaultMetadataJSON                = "{}"
	pgUniqueViolationCode              = "23505"
	sqliteConstraintCode               = 19
	errorOperationStore                = "store"
	errorSubjectAccount                = "account"
	errorSubjectBalance                = "balance"
	errorSubjectTransaction            = "transaction"
	errorCodeDuplicate                 = "duplicate"
	errorCodeGet                       = "get"
	errorCodeInsert                    = "insert"
	errorCodeInvalid                   = "invalid"
	errorCodeList                      = "list"
	errorCodeLookup                    = "lookup"
	errorCodeSumTotal                  = "sum_total"
)

// Store implements ledger.Store and the receipt, profile and event stores using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema. Production Postgres schemas are managed out of band.
func (store *Store) AutoMigrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccountID returns the account of a user, creating it on first use.
func (store *Store) GetOrCreateAccountID(ctx context.Context, userID ledger.UserID) (ledger.AccountID, error) {
	account, err := store.getOrCreateAccount(ctx, userID.String())
	if err != nil {
		return ledger.AccountID{}, err
	}
	accountID, err := ledger.NewAccountID(account.AccountID)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, nil
}

func (store *Store) getOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	candidate := Account{UserID: userID}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	// A concurrent creator may have won; read back whichever row exists.
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error; err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

// InsertTransaction appends a ledger row.
func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var expiresAt *time.Time
	if input.ExpiresAtUnixUTC() != 0 {
		value := time.Unix(input.ExpiresAtUnixUTC(), 0).UTC()
		expiresAt = &value
	}
	row := Transaction{
		AccountID:   input.AccountID().String(),
		UserID:      input.UserID().String(),
		Kind:        input.Kind().String(),
		Amount:      input.Amount().Int64(),
		Description: input.Description(),
		ExpiresAt:   expiresAt,
		Metadata:    datatypesJSON(input.Metadata().String()),
		CreatedAt:   time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if reference, ok := input.PaymentReference(); ok {
		value := reference.String()
		row.PaymentReference = &value
	}
	if packageID, ok := input.PackageID(); ok {
		value := packageID.String()
		row.PackageID = &value
	}
	if input.CreatedUnixUTC() == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isPurchaseReferenceConflict(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrAlreadyFulfilled)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// FindPurchaseByPaymentReference returns the PURCHASE row holding reference.
func (store *Store) FindPurchaseByPaymentReference(ctx context.Context, reference ledger.PaymentReference) (ledger.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where("kind = ? AND payment_reference = ?", ledger.KindPurchase.String(), reference.String()).
		Take(&row).Error
	return store.mapLookup(row, err)
}

// GetTransaction loads a ledger row by id.
func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).Where("id = ?", transactionID.String()).Take(&row).Error
	return store.mapLookup(row, err)
}

func (store *Store) mapLookup(row Transaction, err error) (ledger.Transaction, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// SumBalance sums the non-expired amounts of an account.
func (store *Store) SumBalance(ctx context.Context, accountID ledger.AccountID, atUnixUTC int64) (ledger.Credits, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID.String()).
		Where("(expires_at is null or expires_at > ?)", at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	return ledger.Credits(sum.Total), nil
}

// ListTransactions lists rows created before beforeUnixUTC, newest first. Zero means now.
func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var reference *ledger.PaymentReference
	if row.PaymentReference != nil {
		parsed, err := ledger.NewPaymentReference(*row.PaymentReference)
		if err != nil {
			return ledger.Transaction{}, err
		}
		reference = &parsed
	}
	var packageID *ledger.PackageID
	if row.PackageID != nil {
		parsed, err := ledger.NewPackageID(*row.PackageID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		packageID = &parsed
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	input, err := ledger.NewTransactionInput(
		accountID,
		userID,
		kind,
		ledger.Credits(row.Amount),
		row.Description,
		reference,
		packageID,
		timeOrZero(row.ExpiresAt),
		metadata,
		row.CreatedAt.Unix(),
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.NewTransaction(transactionID, input)
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isPurchaseReferenceConflict(err error) bool {
	return isUniqueViolation(err, constraintPurchasePaymentReference, columnPurchasePaymentReference)
}

// isUniqueViolation matches a unique conflict on a Postgres constraint or a SQLite column.
// A translated gorm.ErrDuplicatedKey carries neither, so it matches any target.
func isUniqueViolation(err error, constraintName string, sqliteColumn string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), sqliteColumn)
	}
	return false
}
