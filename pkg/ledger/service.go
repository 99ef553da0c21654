package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	retentionSeconds int64
}

// PurchaseGrant carries a validated, catalog-checked purchase.
type PurchaseGrant struct {
	UserID           UserID
	PaymentReference PaymentReference
	PackageID        PackageID
	Credits          PositiveCredits
	Description      string
	Metadata         MetadataJSON
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		retentionSeconds: int64(DefaultCreditRetention / time.Second),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the sum of non-expired transaction amounts.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	nowUnixUTC := service.nowFn()
	total, err := service.store.SumBalance(ctx, accountID, nowUnixUTC)
	if err != nil {
		return Balance{}, err
	}
	return Balance{TotalCredits: total, AsOfUnixUTC: nowUnixUTC}, nil
}

// FindPurchase reports whether a PURCHASE row already exists for the payment reference.
func (service *Service) FindPurchase(ctx context.Context, reference PaymentReference) (Transaction, bool, error) {
	transaction, err := service.store.FindPurchaseByPaymentReference(ctx, reference)
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return transaction, true, nil
}

// GrantPurchase appends the PURCHASE row for a payment. The store's uniqueness
// constraint on the payment reference makes this the exactly-once gate: a
// concurrent or repeated grant fails with ErrAlreadyFulfilled.
func (service *Service) GrantPurchase(ctx context.Context, grant PurchaseGrant) (Transaction, error) {
	var created Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, grant.UserID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		reference := grant.PaymentReference
		packageID := grant.PackageID
		input, err := NewTransactionInput(
			accountID,
			grant.UserID,
			KindPurchase,
			grant.Credits.ToCredits(),
			grant.Description,
			&reference,
			&packageID,
			nowUnixUTC+service.retentionSeconds,
			grant.Metadata,
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		created, err = transactionStore.InsertTransaction(ctx, input)
		return err
	})
	entry := OperationLog{
		Operation:        operationGrantPurchase,
		UserID:           grant.UserID,
		Kind:             KindPurchase,
		Amount:           grant.Credits.ToCredits(),
		PaymentReference: grant.PaymentReference,
		TransactionID:    created.ID(),
		Error:            operationError,
	}
	if errors.Is(operationError, ErrAlreadyFulfilled) {
		entry.Status = operationStatusDuplicate
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return Transaction{}, operationError
	}
	return created, nil
}

// Debit appends a negative row of a debit kind if the balance covers it.
func (service *Service) Debit(ctx context.Context, userID UserID, kind TransactionKind, amount PositiveCredits, description string, metadata MetadataJSON) (Transaction, error) {
	if !kind.isDebitOnly() {
		return Transaction{}, fmt.Errorf("%w: %s is not a debit kind", ErrInvalidTransactionKind, kind)
	}
	created, operationError := service.appendDebit(ctx, userID, kind, amount, description, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		UserID:        userID,
		Kind:          kind,
		Amount:        amount.Negated(),
		TransactionID: created.ID(),
		Error:         operationError,
	})
	return created, operationError
}

// Adjust appends an ADMIN_ADJUSTMENT row. Positive adjustments expire like
// purchases; negative adjustments require sufficient balance.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount Credits, description string, metadata MetadataJSON) (Transaction, error) {
	var (
		created        Transaction
		operationError error
	)
	switch {
	case amount > 0:
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			input, err := NewTransactionInput(accountID, userID, KindAdminAdjustment, amount, description, nil, nil, nowUnixUTC+service.retentionSeconds, metadata, nowUnixUTC)
			if err != nil {
				return err
			}
			created, err = transactionStore.InsertTransaction(ctx, input)
			return err
		})
	case amount < 0:
		created, operationError = service.appendDebit(ctx, userID, KindAdminAdjustment, PositiveCredits(-amount), description, metadata)
	default:
		operationError = fmt.Errorf("%w: must be non-zero", ErrInvalidCredits)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationAdjust,
		UserID:        userID,
		Kind:          KindAdminAdjustment,
		Amount:        amount,
		TransactionID: created.ID(),
		Error:         operationError,
	})
	return created, operationError
}

// GetTransaction loads a single ledger row.
func (service *Service) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// ListTransactions lists ledger rows for a user before a cutoff time, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) appendDebit(ctx context.Context, userID UserID, kind TransactionKind, amount PositiveCredits, description string, metadata MetadataJSON) (Transaction, error) {
	var created Transaction
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		total, err := transactionStore.SumBalance(ctx, accountID, nowUnixUTC)
		if err != nil {
			return err
		}
		if total < amount.ToCredits() {
			return ErrInsufficientCredits
		}
		input, err := NewTransactionInput(accountID, userID, kind, amount.Negated(), description, nil, nil, 0, metadata, nowUnixUTC)
		if err != nil {
			return err
		}
		created, err = transactionStore.InsertTransaction(ctx, input)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return created, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
