package ledger

import "time"

const (
	operationGrantPurchase = "grant_purchase"
	operationDebit         = "debit"
	operationAdjust        = "adjust"

	operationStatusOK        = "ok"
	operationStatusDuplicate = "duplicate"
	operationStatusError     = "error"

	// DefaultCreditRetention is how long purchased credits stay spendable.
	DefaultCreditRetention = 3 * 365 * 24 * time.Hour
)
