package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"
)

const postgresURLEnv = "CREDITD_TEST_POSTGRES_URL"

func TestSchemaDeclaresPurchaseIdempotencyIndex(test *testing.T) {
	test.Parallel()
	joined := strings.Join(Statements(), "\n")
	for _, want := range []string{
		"uniq_purchase_payment_reference",
		"where kind = 'PURCHASE'",
		"uniq_receipts_transaction",
		"uniq_receipts_token",
		"create table if not exists webhook_events",
	} {
		if !strings.Contains(joined, want) {
			test.Fatalf("schema is missing %q", want)
		}
	}
	for index, statement := range Statements() {
		if !strings.Contains(statement, "if not exists") {
			test.Fatalf("statement %d is not idempotent: %s", index, statement)
		}
	}
}

func TestMigrateAgainstPostgres(test *testing.T) {
	dsn := os.Getenv(postgresURLEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresURLEnv)
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn)
	if err != nil {
		test.Fatalf("open pool: %v", err)
	}
	defer pool.Close()
	for attempt := 0; attempt < 2; attempt++ {
		if err := Migrate(ctx, pool); err != nil {
			test.Fatalf("migrate attempt %d: %v", attempt, err)
		}
	}
}
