package pgstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationSchema = "schema"
	errorSubjectPool     = "pool"
	errorSubjectMigrate  = "migrate"
	errorCodeConnect     = "connect"
	errorCodeBegin       = "begin"
	errorCodeApply       = "apply"
	errorCodeCommit      = "commit"
	pingTimeout          = 5 * time.Second
	migrationLockKey     = 7261049
)

// schemaStatements is the Postgres schema. Every statement is idempotent so Migrate can rerun.
var schemaStatements = []string{
	`create table if not exists accounts (
		account_id uuid primary key,
		user_id text not null,
		email text not null default '',
		display_name text not null default '',
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create unique index if not exists uniq_accounts_user on accounts(user_id)`,

	`create table if not exists transactions (
		id uuid primary key,
		account_id uuid not null references accounts(account_id),
		user_id text not null,
		kind text not null check (kind in ('PURCHASE','USAGE','AI_USAGE','REFUND','ADMIN_ADJUSTMENT')),
		amount bigint not null check (amount <> 0),
		description text not null default '',
		payment_reference text,
		package_id text,
		expires_at timestamptz,
		metadata jsonb not null default '{}'::jsonb,
		created_at timestamptz not null default now()
	)`,
	`create unique index if not exists uniq_purchase_payment_reference
		on transactions(payment_reference) where kind = 'PURCHASE'`,
	`create index if not exists idx_transactions_account_created on transactions(account_id, created_at)`,
	`create index if not exists idx_transactions_user on transactions(user_id)`,

	`create table if not exists receipts (
		id uuid primary key,
		transaction_id uuid not null references transactions(id),
		user_id text not null,
		payment_reference text not null,
		receipt_number text not null,
		package_id text not null default '',
		credits bigint not null,
		amount_minor bigint not null,
		currency text not null,
		payment_method_type text not null default '',
		payment_method_last4 text not null default '',
		payment_method_brand text not null default '',
		description text not null default '',
		recipient_email text not null default '',
		recipient_name text not null default '',
		rendered_snapshot text not null,
		download_token text not null,
		download_count bigint not null default 0,
		last_downloaded_at timestamptz,
		email_sent_at timestamptz,
		email_delivered_at timestamptz,
		email_attempts integer not null default 0,
		email_last_error text not null default '',
		created_at timestamptz not null default now()
	)`,
	`create unique index if not exists uniq_receipts_transaction on receipts(transaction_id)`,
	`create unique index if not exists uniq_receipts_number on receipts(receipt_number)`,
	`create unique index if not exists uniq_receipts_token on receipts(download_token)`,
	`create index if not exists idx_receipts_user on receipts(user_id)`,
	`create index if not exists idx_receipts_payment_reference on receipts(payment_reference)`,

	`create table if not exists webhook_events (
		event_id text primary key,
		event_type text not null,
		payment_reference text not null default '',
		payload jsonb not null,
		outcome text not null,
		processing_error text not null default '',
		received_at timestamptz not null,
		processed_at timestamptz
	)`,
	`create index if not exists idx_webhook_events_received on webhook_events(received_at)`,
}

// Statements returns a copy of the schema statements in apply order.
func Statements() []string {
	return append([]string(nil), schemaStatements...)
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapSchemaError(errorSubjectPool, errorCodeConnect, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, wrapSchemaError(errorSubjectPool, errorCodeConnect, err)
	}
	return pool, nil
}

// Migrate applies the schema in one transaction under an advisory lock, so
// concurrent deploys serialize instead of racing on DDL.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapSchemaError(errorSubjectMigrate, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return wrapSchemaError(errorSubjectMigrate, errorCodeApply, err)
	}
	for _, statement := range schemaStatements {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return wrapSchemaError(errorSubjectMigrate, errorCodeApply, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapSchemaError(errorSubjectMigrate, errorCodeCommit, err)
	}
	return nil
}

func wrapSchemaError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationSchema, subject, code, err)
}
