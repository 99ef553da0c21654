package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"go.uber.org/zap"
)

func TestRunAdjustGrantsAndDebits(test *testing.T) {
	test.Parallel()
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "credits.db")
	ctx := context.Background()

	granted, balance, err := runAdjust(ctx, adjustRequest{DatabaseURL: databaseURL, UserID: "u1", Amount: 500, Description: "goodwill", Operator: "ops"}, zap.NewNop())
	if err != nil {
		test.Fatalf("grant adjust: %v", err)
	}
	if granted.Kind() != ledger.KindAdminAdjustment || balance.TotalCredits != 500 {
		test.Fatalf("unexpected grant %s balance %d", granted.Kind(), balance.TotalCredits)
	}
	if !strings.Contains(granted.Metadata().String(), `"operator":"ops"`) {
		test.Fatalf("expected operator metadata, got %s", granted.Metadata().String())
	}

	_, balance, err = runAdjust(ctx, adjustRequest{DatabaseURL: databaseURL, UserID: "u1", Amount: -200, Description: "correction"}, zap.NewNop())
	if err != nil {
		test.Fatalf("debit adjust: %v", err)
	}
	if balance.TotalCredits != 300 {
		test.Fatalf("expected 300 after debit, got %d", balance.TotalCredits)
	}

	_, _, err = runAdjust(ctx, adjustRequest{DatabaseURL: databaseURL, UserID: "u1", Amount: -1000, Description: "too much"}, zap.NewNop())
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected insufficient credits, got %v", err)
	}
}

func TestRunAdjustRequiresDescription(test *testing.T) {
	test.Parallel()
	_, _, err := runAdjust(context.Background(), adjustRequest{UserID: "u1", Amount: 5}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), flagDescription) {
		test.Fatalf("expected description error, got %v", err)
	}
}

func TestServeConfigReadsEnvironment(test *testing.T) {
	test.Setenv("CREDITD_JWT_SIGNING_KEY", "env-secret")
	test.Setenv("CREDITD_STRIPE_SECRET_KEY", "sk_test_env")
	test.Setenv("CREDITD_STRIPE_WEBHOOK_SECRET", "whsec_env")
	test.Setenv("CREDITD_RATE_WINDOW", "30s")
	test.Setenv("CREDITD_TRUSTED_RECEIPT_HOSTS", "pay.stripe.com, receipts.example.com")

	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		test.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags([]string{"--listen-addr", ":9999"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	v, err := newViper(serve, serveFlags...)
	if err != nil {
		test.Fatalf("viper: %v", err)
	}
	cfg := serveConfigFrom(v)
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.SessionSigningKey != "env-secret" || cfg.RateWindow != 30*time.Second {
		test.Fatalf("flags and environment not merged: %+v", cfg)
	}
	if len(cfg.TrustedReceiptHosts) != 2 || cfg.TrustedReceiptHosts[1] != "receipts.example.com" {
		test.Fatalf("unexpected trusted hosts %v", cfg.TrustedReceiptHosts)
	}
}

func TestLoadEnvFile(test *testing.T) {
	if err := loadEnvFile(filepath.Join(test.TempDir(), "missing.env")); err != nil {
		test.Fatalf("missing env file should be ignored, got %v", err)
	}
	path := filepath.Join(test.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CREDITD_TEST_ONLY=from-file\n"), 0o600); err != nil {
		test.Fatalf("write env file: %v", err)
	}
	test.Cleanup(func() { _ = os.Unsetenv("CREDITD_TEST_ONLY") })
	if err := loadEnvFile(path); err != nil {
		test.Fatalf("load env file: %v", err)
	}
	if os.Getenv("CREDITD_TEST_ONLY") != "from-file" {
		test.Fatalf("expected variable from env file")
	}
}

func TestJanitorCommandPurgesEvents(test *testing.T) {
	test.Parallel()
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "credits.db")
	root := newRootCommand()
	var output bytes.Buffer
	root.SetOut(&output)
	root.SetArgs([]string{"janitor", "--env-file", "", "--database-url", databaseURL, "--event-retention", "1h"})
	if err := root.Execute(); err != nil {
		test.Fatalf("janitor: %v", err)
	}
	if !strings.Contains(output.String(), "purged 0 webhook events") {
		test.Fatalf("unexpected output %q", output.String())
	}
}

func TestMigrateCommandPreparesSQLite(test *testing.T) {
	test.Parallel()
	databasePath := filepath.Join(test.TempDir(), "credits.db")
	root := newRootCommand()
	var output bytes.Buffer
	root.SetOut(&output)
	root.SetArgs([]string{"migrate", "--env-file", "", "--database-url", "sqlite://" + databasePath})
	if err := root.Execute(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(output.String(), "schema ready (sqlite)") {
		test.Fatalf("unexpected output %q", output.String())
	}
	if _, err := os.Stat(databasePath); err != nil {
		test.Fatalf("expected database file: %v", err)
	}
}
