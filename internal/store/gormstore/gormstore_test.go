package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/internal/webhook"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testUserID    = "user-42"
	testReference = "pi_3Nabc123"
	testCreatedAt = int64(1_700_000_000)
	testRetention = int64(3 * 365 * 24 * 60 * 60)
)

func TestGetOrCreateAccountIDIsStable(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, testUserID)

	var waitGroup sync.WaitGroup
	ids := make(chan string, 6)
	for index := 0; index < cap(ids); index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			accountID, err := store.GetOrCreateAccountID(context.Background(), userID)
			if err != nil {
				test.Errorf("get or create: %v", err)
				return
			}
			ids <- accountID.String()
		}()
	}
	waitGroup.Wait()
	close(ids)

	distinct := map[string]struct{}{}
	for id := range ids {
		distinct[id] = struct{}{}
	}
	if len(distinct) != 1 {
		test.Fatalf("expected one account id, got %v", distinct)
	}
}

func TestInsertPurchaseConflictMapsToAlreadyFulfilled(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	first := insertPurchase(test, store, testReference, 1200)

	accountID, _ := store.GetOrCreateAccountID(context.Background(), mustUserID(test, testUserID))
	_, err := store.InsertTransaction(context.Background(), purchaseInput(test, accountID, testReference, 1200))
	if !errors.Is(err, ledger.ErrAlreadyFulfilled) {
		test.Fatalf("expected ErrAlreadyFulfilled, got %v", err)
	}

	found, err := store.FindPurchaseByPaymentReference(context.Background(), mustReference(test, testReference))
	if err != nil {
		test.Fatalf("find purchase: %v", err)
	}
	if found.ID() != first.ID() {
		test.Fatalf("expected winner %s, got %s", first.ID(), found.ID())
	}
}

func TestPaymentReferenceUniquenessOnlyAppliesToPurchases(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	insertPurchase(test, store, testReference, 1200)

	accountID, _ := store.GetOrCreateAccountID(context.Background(), mustUserID(test, testUserID))
	reference := mustReference(test, testReference)
	refund, err := ledger.NewTransactionInput(accountID, mustUserID(test, testUserID), ledger.KindRefund, ledger.Credits(-1200), "refund", &reference, nil, 0, mustMetadata(test), testCreatedAt+10)
	if err != nil {
		test.Fatalf("refund input: %v", err)
	}
	if _, err := store.InsertTransaction(context.Background(), refund); err != nil {
		test.Fatalf("refund sharing the reference must be accepted: %v", err)
	}
}

func TestFindPurchaseMissing(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	_, err := store.FindPurchaseByPaymentReference(context.Background(), mustReference(test, "pi_unknown999"))
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestSumBalanceExcludesExpiredGrants(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	transaction := insertPurchase(test, store, testReference, 1200)
	accountID := transaction.AccountID()

	before, err := store.SumBalance(context.Background(), accountID, testCreatedAt+60)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if before != 1200 {
		test.Fatalf("expected 1200 before expiry, got %d", before)
	}
	after, err := store.SumBalance(context.Background(), accountID, testCreatedAt+testRetention+1)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if after != 0 {
		test.Fatalf("expected 0 after expiry, got %d", after)
	}
}

func TestListTransactionsNewestFirst(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	first := insertPurchase(test, store, "pi_first0001", 1200)
	second := insertPurchaseAt(test, store, "pi_second002", 3250, testCreatedAt+60)

	listed, err := store.ListTransactions(context.Background(), first.AccountID(), 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID() != second.ID() || listed[1].ID() != first.ID() {
		test.Fatalf("unexpected order: %+v", listed)
	}
}

func TestCreateReceiptConflicts(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	transaction := insertPurchase(test, store, testReference, 1200)
	original := sampleReceipt(transaction.ID().String(), "RCPT-20240305-AAAAAAAAAA", "token-one")
	if _, err := store.CreateReceipt(context.Background(), original); err != nil {
		test.Fatalf("create receipt: %v", err)
	}
	other := insertPurchase(test, store, "pi_other0001", 1200)

	testCases := []struct {
		name    string
		receipt receipts.Receipt
		wantErr error
	}{
		{name: "same transaction", receipt: sampleReceipt(transaction.ID().String(), "RCPT-20240305-BBBBBBBBBB", "token-two"), wantErr: receipts.ErrReceiptExists},
		{name: "number taken", receipt: sampleReceipt(other.ID().String(), original.ReceiptNumber, "token-three"), wantErr: receipts.ErrReceiptNumberTaken},
		{name: "token taken", receipt: sampleReceipt(other.ID().String(), "RCPT-20240305-CCCCCCCCCC", original.DownloadToken), wantErr: receipts.ErrDownloadTokenTaken},
	}
	for _, testCase := range testCases {
		_, err := store.CreateReceipt(context.Background(), testCase.receipt)
		if !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestReceiptLookupsAndDownloadBump(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	transaction := insertPurchase(test, store, testReference, 1200)
	created, err := store.CreateReceipt(context.Background(), sampleReceipt(transaction.ID().String(), "RCPT-20240305-AAAAAAAAAA", "token-one"))
	if err != nil {
		test.Fatalf("create receipt: %v", err)
	}

	byToken, err := store.FindReceiptByToken(context.Background(), "token-one")
	if err != nil || byToken.ID != created.ID {
		test.Fatalf("find by token: %+v %v", byToken, err)
	}
	if byToken.PaymentMethod.Brand != "visa" || byToken.RenderedSnapshot == "" {
		test.Fatalf("unexpected round trip: %+v", byToken)
	}
	if _, err := store.FindReceiptByToken(context.Background(), "nope"); !errors.Is(err, receipts.ErrReceiptNotFound) {
		test.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
	if _, err := store.FindReceiptByToken(context.Background(), "  "); !errors.Is(err, receipts.ErrReceiptNotFound) {
		test.Fatalf("expected blank token to be not found, got %v", err)
	}

	downloadedAt := time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC)
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := store.RecordDownload(context.Background(), created.ID, downloadedAt); err != nil {
			test.Fatalf("record download: %v", err)
		}
	}
	bumped, err := store.FindReceiptByID(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("find by id: %v", err)
	}
	if bumped.DownloadCount != 2 || bumped.LastDownloadedAt == nil || !bumped.LastDownloadedAt.Equal(downloadedAt) {
		test.Fatalf("unexpected download tracking: %+v", bumped)
	}
	if _, err := store.RecordDownload(context.Background(), "00000000-0000-0000-0000-000000000000", downloadedAt); !errors.Is(err, receipts.ErrReceiptNotFound) {
		test.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestEmailTracking(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	transaction := insertPurchase(test, store, testReference, 1200)
	created, err := store.CreateReceipt(context.Background(), sampleReceipt(transaction.ID().String(), "RCPT-20240305-AAAAAAAAAA", "token-one"))
	if err != nil {
		test.Fatalf("create receipt: %v", err)
	}
	sentAt := time.Date(2024, 3, 5, 10, 31, 0, 0, time.UTC)

	if err := store.MarkEmailSent(context.Background(), created.ID, sentAt); err != nil {
		test.Fatalf("mark sent: %v", err)
	}
	if err := store.RecordEmailFailure(context.Background(), created.ID, "smtp timeout"); err != nil {
		test.Fatalf("record failure: %v", err)
	}
	if err := store.MarkEmailSent(context.Background(), created.ID, sentAt.Add(time.Minute)); err != nil {
		test.Fatalf("mark sent: %v", err)
	}
	if err := store.MarkEmailDelivered(context.Background(), created.ID, sentAt.Add(2*time.Minute)); err != nil {
		test.Fatalf("mark delivered: %v", err)
	}

	tracked, err := store.FindReceiptByID(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if tracked.EmailAttempts != 2 || tracked.EmailLastError != "" || tracked.EmailDeliveredAt == nil || tracked.EmailSentAt == nil {
		test.Fatalf("unexpected email tracking: %+v", tracked)
	}
	if err := store.MarkEmailSent(context.Background(), "missing", sentAt); !errors.Is(err, receipts.ErrReceiptNotFound) {
		test.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestProfileUpsertKeepsKnownFields(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	if _, err := store.LookupProfile(context.Background(), testUserID); !errors.Is(err, receipts.ErrProfileNotFound) {
		test.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if err := store.UpsertProfile(context.Background(), receipts.Profile{UserID: testUserID, Email: "jane@example.com", DisplayName: "Jane"}); err != nil {
		test.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertProfile(context.Background(), receipts.Profile{UserID: testUserID, Email: "jane.doe@example.com"}); err != nil {
		test.Fatalf("upsert: %v", err)
	}
	profile, err := store.LookupProfile(context.Background(), testUserID)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if profile.Email != "jane.doe@example.com" || profile.DisplayName != "Jane" {
		test.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestRecordAndPurgeEvents(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	records := []webhook.EventRecord{
		{EventID: "evt_old", EventType: gateway.EventPaymentSucceeded, Payload: []byte(`{"id":"evt_old"}`), Outcome: webhook.OutcomeFulfilled, ReceivedAt: old, ProcessedAt: old},
		{EventID: "evt_new", EventType: gateway.EventPaymentSucceeded, Payload: []byte(`not json`), Outcome: webhook.OutcomeRetryable, ProcessingError: "db down", ReceivedAt: recent, ProcessedAt: recent},
		{EventID: "evt_new", EventType: gateway.EventPaymentSucceeded, Payload: []byte(`{}`), Outcome: webhook.OutcomeAlreadyFulfilled, ReceivedAt: recent, ProcessedAt: recent.Add(time.Minute)},
	}
	for _, record := range records {
		if err := store.RecordEvent(context.Background(), record); err != nil {
			test.Fatalf("record %s: %v", record.EventID, err)
		}
	}

	var redelivered WebhookEvent
	if err := store.db.Where("event_id = ?", "evt_new").Take(&redelivered).Error; err != nil {
		test.Fatalf("load event: %v", err)
	}
	if redelivered.Outcome != string(webhook.OutcomeAlreadyFulfilled) || redelivered.ProcessingError != "" {
		test.Fatalf("expected redelivery to overwrite outcome, got %+v", redelivered)
	}

	transaction := insertPurchase(test, store, testReference, 1200)
	purged, err := store.PurgeEvents(context.Background(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected one purged event, got %d", purged)
	}
	if _, err := store.GetTransaction(context.Background(), transaction.ID()); err != nil {
		test.Fatalf("purge must not touch transactions: %v", err)
	}
}

func TestWithTxRollsBack(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	sentinel := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		accountID, err := txStore.GetOrCreateAccountID(ctx, mustUserID(test, testUserID))
		if err != nil {
			return err
		}
		if _, err := txStore.InsertTransaction(ctx, purchaseInput(test, accountID, testReference, 1200)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel, got %v", err)
	}
	if _, err := store.FindPurchaseByPaymentReference(context.Background(), mustReference(test, testReference)); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected rollback, got %v", err)
	}
}

func openTestStore(test *testing.T) *Store {
	test.Helper()
	dsn := filepath.Join(test.TempDir(), "credits.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := New(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return store
}

func insertPurchase(test *testing.T, store *Store, reference string, credits int64) ledger.Transaction {
	test.Helper()
	return insertPurchaseAt(test, store, reference, credits, testCreatedAt)
}

func insertPurchaseAt(test *testing.T, store *Store, reference string, credits int64, createdAt int64) ledger.Transaction {
	test.Helper()
	accountID, err := store.GetOrCreateAccountID(context.Background(), mustUserID(test, testUserID))
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	input := purchaseInputAt(test, accountID, reference, credits, createdAt)
	transaction, err := store.InsertTransaction(context.Background(), input)
	if err != nil {
		test.Fatalf("insert purchase: %v", err)
	}
	return transaction
}

func purchaseInput(test *testing.T, accountID ledger.AccountID, reference string, credits int64) ledger.TransactionInput {
	test.Helper()
	return purchaseInputAt(test, accountID, reference, credits, testCreatedAt)
}

func purchaseInputAt(test *testing.T, accountID ledger.AccountID, reference string, credits int64, createdAt int64) ledger.TransactionInput {
	test.Helper()
	paymentReference := mustReference(test, reference)
	packageID, err := ledger.NewPackageID("p100")
	if err != nil {
		test.Fatalf("package id: %v", err)
	}
	input, err := ledger.NewTransactionInput(
		accountID,
		mustUserID(test, testUserID),
		ledger.KindPurchase,
		ledger.Credits(credits),
		"Starter package",
		&paymentReference,
		&packageID,
		createdAt+testRetention,
		mustMetadata(test),
		createdAt,
	)
	if err != nil {
		test.Fatalf("purchase input: %v", err)
	}
	return input
}

func sampleReceipt(transactionID string, number string, token string) receipts.Receipt {
	return receipts.Receipt{
		TransactionID:    transactionID,
		UserID:           testUserID,
		PaymentReference: testReference,
		ReceiptNumber:    number,
		PackageID:        "p100",
		Credits:          1200,
		AmountMinor:      1000,
		Currency:         "usd",
		PaymentMethod:    gateway.PaymentMethod{Type: "card", Last4: "4242", Brand: "visa"},
		Description:      "Starter package",
		RecipientEmail:   "jane@example.com",
		RenderedSnapshot: "<p>receipt</p>",
		DownloadToken:    token,
		CreatedAt:        time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC),
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustReference(test *testing.T, raw string) ledger.PaymentReference {
	test.Helper()
	reference, err := ledger.NewPaymentReference(raw)
	if err != nil {
		test.Fatalf("payment reference: %v", err)
	}
	return reference
}

func mustMetadata(test *testing.T) ledger.MetadataJSON {
	test.Helper()
	metadata, err := ledger.NewMetadataJSON(`{"source":"test"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
