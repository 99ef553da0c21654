package fulfillment_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/catalog"
	"github.com/MarkoPoloResearchLab/credits/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestFulfillSQLiteConcurrentDeliveries(test *testing.T) {
	test.Parallel()
	store := openSQLiteStore(test)
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	generator, err := receipts.NewGenerator(store, store, missingPayments{}, nil, receipts.GeneratorConfig{PublicBaseURL: "https://credits.example.com"}, zap.NewNop())
	if err != nil {
		test.Fatalf("generator: %v", err)
	}
	engine, err := fulfillment.NewEngine(service, catalog.Default(), generator, nil, zap.NewNop())
	if err != nil {
		test.Fatalf("engine: %v", err)
	}

	const deliveries = 8
	var waitGroup sync.WaitGroup
	results := make(chan fulfillment.Result, deliveries)
	errs := make(chan error, deliveries)
	for delivery := 0; delivery < deliveries; delivery++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, err := engine.Fulfill(context.Background(), fulfillment.PaymentSucceeded{
				PaymentReference: "pay_abc",
				Metadata: map[string]string{
					fulfillment.MetadataUserID:       "u1",
					fulfillment.MetadataPackageID:    "p100",
					fulfillment.MetadataCreditAmount: "1200",
				},
			})
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	waitGroup.Wait()
	close(results)
	close(errs)
	for err := range errs {
		test.Fatalf("fulfill: %v", err)
	}

	fresh := 0
	receiptIDs := map[string]struct{}{}
	for result := range results {
		if !result.AlreadyFulfilled {
			fresh++
		}
		if result.ReceiptError != nil {
			test.Fatalf("receipt error: %v", result.ReceiptError)
		}
		receiptIDs[result.Receipt.ID] = struct{}{}
	}
	if fresh != 1 {
		test.Fatalf("expected exactly one fresh grant, got %d", fresh)
	}
	if len(receiptIDs) != 1 {
		test.Fatalf("expected a single receipt, got %d", len(receiptIDs))
	}

	userID, _ := ledger.NewUserID("u1")
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.TotalCredits.Int64() != 1200 {
		test.Fatalf("expected balance 1200, got %d", balance.TotalCredits)
	}
	transactions, err := service.ListTransactions(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 1 {
		test.Fatalf("expected one ledger row, got %d", len(transactions))
	}

	// The gateway knows nothing about the payment; the token still resolves to content.
	var receiptID string
	for id := range receiptIDs {
		receiptID = id
	}
	stored, err := store.FindReceiptByID(context.Background(), receiptID)
	if err != nil {
		test.Fatalf("find receipt: %v", err)
	}
	byToken, err := store.FindReceiptByToken(context.Background(), stored.DownloadToken)
	if err != nil {
		test.Fatalf("find by token: %v", err)
	}
	if byToken.RenderedSnapshot == "" || byToken.PaymentMethod.Last4 != receipts.DefaultLast4 {
		test.Fatalf("expected renderable fallback receipt, got %+v", byToken)
	}
}

func openSQLiteStore(test *testing.T) *gormstore.Store {
	test.Helper()
	dsn := filepath.Join(test.TempDir(), "credits.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

// missingPayments is a gateway that has no record of any payment.
type missingPayments struct{}

func (missingPayments) FetchPayment(_ context.Context, _ string) (gateway.PaymentDetails, error) {
	return gateway.PaymentDetails{}, gateway.ErrPaymentNotFound
}
