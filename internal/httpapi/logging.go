package httpapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"go.uber.org/zap"
)

// OperationLogger forwards ledger operation callbacks to zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger; nil yields a no-op logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.String("kind", entry.Kind.String()),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if reference := entry.PaymentReference.String(); reference != "" {
		fields = append(fields, zap.String("payment_reference", reference))
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
