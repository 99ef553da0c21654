package fulfillment

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/internal/catalog"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"go.uber.org/zap"
)

const (
	scenarioUserID    = "u1"
	scenarioPackageID = "p100"
	scenarioReference = "pay_abc"
	scenarioCredits   = int64(1200)
)

func TestParseClaimRequiresMetadata(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		metadata map[string]string
		ref      string
	}{
		{name: "missing user", metadata: map[string]string{MetadataPackageID: "p100", MetadataCreditAmount: "1200"}, ref: scenarioReference},
		{name: "blank package", metadata: map[string]string{MetadataUserID: "u1", MetadataPackageID: " ", MetadataCreditAmount: "1200"}, ref: scenarioReference},
		{name: "missing credits", metadata: map[string]string{MetadataUserID: "u1", MetadataPackageID: "p100"}, ref: scenarioReference},
		{name: "non numeric credits", metadata: map[string]string{MetadataUserID: "u1", MetadataPackageID: "p100", MetadataCreditAmount: "lots"}, ref: scenarioReference},
		{name: "zero credits", metadata: map[string]string{MetadataUserID: "u1", MetadataPackageID: "p100", MetadataCreditAmount: "0"}, ref: scenarioReference},
		{name: "missing reference", metadata: scenarioMetadata(), ref: ""},
		{name: "nil metadata", metadata: nil, ref: scenarioReference},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := ParseClaim(PaymentSucceeded{PaymentReference: testCase.ref, Metadata: testCase.metadata})
			if !errors.Is(err, ErrRejected) || !errors.Is(err, ErrMissingMetadata) {
				test.Fatalf("expected rejected missing metadata, got %v", err)
			}
		})
	}
}

func TestFulfillScenarioDeliveredTwice(test *testing.T) {
	test.Parallel()
	ledgerFake := newFakeLedger()
	receiptFake := &fakeReceipts{}
	engine := newTestEngine(test, ledgerFake, receiptFake, nil)
	event := scenarioEvent()

	first, err := engine.Fulfill(context.Background(), event)
	if err != nil {
		test.Fatalf("first fulfill: %v", err)
	}
	if first.AlreadyFulfilled {
		test.Fatalf("expected fresh grant")
	}
	second, err := engine.Fulfill(context.Background(), event)
	if err != nil {
		test.Fatalf("second fulfill: %v", err)
	}
	if !second.AlreadyFulfilled || second.Transaction.ID() != first.Transaction.ID() {
		test.Fatalf("expected already fulfilled with the same transaction, got %+v", second)
	}
	if ledgerFake.grants() != 1 || ledgerFake.total(scenarioUserID) != scenarioCredits {
		test.Fatalf("expected one grant of %d, got %d grants totalling %d", scenarioCredits, ledgerFake.grants(), ledgerFake.total(scenarioUserID))
	}
	if receiptFake.calls() != 2 {
		test.Fatalf("expected receipt ensured on both deliveries, got %d", receiptFake.calls())
	}
}

func TestFulfillRejectsCatalogMismatch(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		mutate  func(metadata map[string]string)
		wantErr error
	}{
		{name: "credit amount mismatch", mutate: func(metadata map[string]string) { metadata[MetadataCreditAmount] = "5000" }, wantErr: ErrCreditAmountMismatch},
		{name: "unknown package", mutate: func(metadata map[string]string) { metadata[MetadataPackageID] = "p999" }, wantErr: ErrUnknownPackage},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			ledgerFake := newFakeLedger()
			engine := newTestEngine(test, ledgerFake, &fakeReceipts{}, nil)
			event := scenarioEvent()
			testCase.mutate(event.Metadata)
			_, err := engine.Fulfill(context.Background(), event)
			if !errors.Is(err, ErrRejected) || !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected rejected %v, got %v", testCase.wantErr, err)
			}
			if ledgerFake.grants() != 0 {
				test.Fatalf("expected no ledger write")
			}
		})
	}
}

func TestFulfillConvertsConflictIntoAlreadyFulfilled(test *testing.T) {
	test.Parallel()
	ledgerFake := newFakeLedger()
	ledgerFake.hideExistingOnce = true
	engine := newTestEngine(test, ledgerFake, &fakeReceipts{}, nil)
	if _, err := engine.Fulfill(context.Background(), scenarioEvent()); err != nil {
		test.Fatalf("first fulfill: %v", err)
	}
	// The guard misses the existing row once, so the insert hits the uniqueness gate.
	ledgerFake.hideExistingOnce = true
	result, err := engine.Fulfill(context.Background(), scenarioEvent())
	if err != nil {
		test.Fatalf("second fulfill: %v", err)
	}
	if !result.AlreadyFulfilled || ledgerFake.grants() != 1 {
		test.Fatalf("expected conflict to collapse into already fulfilled, got %+v grants=%d", result, ledgerFake.grants())
	}
}

func TestFulfillConcurrentDeliveriesGrantOnce(test *testing.T) {
	test.Parallel()
	ledgerFake := newFakeLedger()
	engine := newTestEngine(test, ledgerFake, &fakeReceipts{}, nil)

	const deliveries = 20
	var waitGroup sync.WaitGroup
	errs := make(chan error, deliveries)
	for delivery := 0; delivery < deliveries; delivery++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := engine.Fulfill(context.Background(), scenarioEvent())
			errs <- err
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if ledgerFake.grants() != 1 || ledgerFake.total(scenarioUserID) != scenarioCredits {
		test.Fatalf("expected exactly one grant, got %d", ledgerFake.grants())
	}
}

func TestFulfillReceiptFailureKeepsGrant(test *testing.T) {
	test.Parallel()
	ledgerFake := newFakeLedger()
	engine := newTestEngine(test, ledgerFake, &fakeReceipts{err: errors.New("receipt store down")}, nil)
	result, err := engine.Fulfill(context.Background(), scenarioEvent())
	if err != nil {
		test.Fatalf("expected grant to succeed, got %v", err)
	}
	if result.ReceiptError == nil {
		test.Fatalf("expected receipt error to be reported")
	}
	if ledgerFake.grants() != 1 {
		test.Fatalf("expected grant to stand")
	}
}

func TestFulfillReturnsTransientLedgerErrors(test *testing.T) {
	test.Parallel()
	ledgerFake := newFakeLedger()
	ledgerFake.findErr = errors.New("database unavailable")
	engine := newTestEngine(test, ledgerFake, &fakeReceipts{}, nil)
	_, err := engine.Fulfill(context.Background(), scenarioEvent())
	if err == nil || errors.Is(err, ErrRejected) {
		test.Fatalf("expected transient error, got %v", err)
	}
}

func TestConfirm(test *testing.T) {
	test.Parallel()
	succeeded := gateway.PaymentDetails{Reference: scenarioReference, Status: gateway.StatusSucceeded, Metadata: scenarioMetadata(), AmountMinor: 1000, Currency: "usd"}
	pending := succeeded
	pending.Status = "processing"
	testCases := []struct {
		name     string
		caller   string
		payments *fakeGateway
		wantErr  error
	}{
		{name: "owner confirms", caller: scenarioUserID, payments: &fakeGateway{details: succeeded}},
		{name: "foreign caller", caller: "u2", payments: &fakeGateway{details: succeeded}, wantErr: ErrPaymentNotOwned},
		{name: "not yet succeeded", caller: scenarioUserID, payments: &fakeGateway{details: pending}, wantErr: ErrPaymentIncomplete},
		{name: "gateway down", caller: scenarioUserID, payments: &fakeGateway{err: gateway.ErrUpstreamUnavailable}, wantErr: gateway.ErrUpstreamUnavailable},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			ledgerFake := newFakeLedger()
			engine := newTestEngine(test, ledgerFake, &fakeReceipts{}, testCase.payments)
			caller, _ := ledger.NewUserID(testCase.caller)
			_, err := engine.Confirm(context.Background(), caller, scenarioReference)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				if ledgerFake.grants() != 0 {
					test.Fatalf("expected no grant")
				}
				return
			}
			if err != nil || ledgerFake.grants() != 1 {
				test.Fatalf("expected one grant, got err=%v grants=%d", err, ledgerFake.grants())
			}
		})
	}
}

func newTestEngine(test *testing.T, ledgerService Ledger, receiptEnsurer ReceiptEnsurer, payments gateway.Gateway) *Engine {
	test.Helper()
	engine, err := NewEngine(ledgerService, catalog.Default(), receiptEnsurer, payments, zap.NewNop())
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	return engine
}

func scenarioMetadata() map[string]string {
	return map[string]string{
		MetadataUserID:       scenarioUserID,
		MetadataPackageID:    scenarioPackageID,
		MetadataCreditAmount: strconv.FormatInt(scenarioCredits, 10),
	}
}

func scenarioEvent() PaymentSucceeded {
	return PaymentSucceeded{PaymentReference: scenarioReference, Metadata: scenarioMetadata(), AmountMinor: 1000, Currency: "usd", Source: SourceWebhook}
}

// fakeLedger mimics the store's uniqueness gate on the payment reference.
type fakeLedger struct {
	mutex            sync.Mutex
	purchases        map[string]ledger.Transaction
	totals           map[string]int64
	grantCount       int
	hideExistingOnce bool
	findErr          error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{purchases: map[string]ledger.Transaction{}, totals: map[string]int64{}}
}

func (fake *fakeLedger) FindPurchase(_ context.Context, reference ledger.PaymentReference) (ledger.Transaction, bool, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if fake.findErr != nil {
		return ledger.Transaction{}, false, fake.findErr
	}
	if fake.hideExistingOnce {
		fake.hideExistingOnce = false
		return ledger.Transaction{}, false, nil
	}
	transaction, ok := fake.purchases[reference.String()]
	return transaction, ok, nil
}

func (fake *fakeLedger) GrantPurchase(_ context.Context, grant ledger.PurchaseGrant) (ledger.Transaction, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if _, exists := fake.purchases[grant.PaymentReference.String()]; exists {
		return ledger.Transaction{}, ledger.ErrAlreadyFulfilled
	}
	accountID, _ := ledger.NewAccountID("acct-" + grant.UserID.String())
	reference := grant.PaymentReference
	packageID := grant.PackageID
	input, err := ledger.NewTransactionInput(accountID, grant.UserID, ledger.KindPurchase, grant.Credits.ToCredits(), grant.Description, &reference, &packageID, 2_000_000_000, grant.Metadata, 1_700_000_000)
	if err != nil {
		return ledger.Transaction{}, err
	}
	fake.grantCount++
	transactionID, _ := ledger.NewTransactionID("txn-" + strconv.Itoa(fake.grantCount))
	transaction, err := ledger.NewTransaction(transactionID, input)
	if err != nil {
		return ledger.Transaction{}, err
	}
	fake.purchases[reference.String()] = transaction
	fake.totals[grant.UserID.String()] += grant.Credits.Int64()
	return transaction, nil
}

func (fake *fakeLedger) grants() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.grantCount
}

func (fake *fakeLedger) total(userID string) int64 {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.totals[userID]
}

type fakeReceipts struct {
	mutex sync.Mutex
	count int
	err   error
}

func (fake *fakeReceipts) Ensure(_ context.Context, purchase receipts.Purchase) (receipts.Receipt, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.count++
	if fake.err != nil {
		return receipts.Receipt{}, fake.err
	}
	return receipts.Receipt{ID: "rcpt-" + purchase.Transaction.ID().String(), TransactionID: purchase.Transaction.ID().String()}, nil
}

func (fake *fakeReceipts) calls() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.count
}

type fakeGateway struct {
	details gateway.PaymentDetails
	err     error
}

func (fake *fakeGateway) FetchPayment(_ context.Context, _ string) (gateway.PaymentDetails, error) {
	return fake.details, fake.err
}
