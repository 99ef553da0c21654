package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation        string
	UserID           UserID
	Kind             TransactionKind
	Amount           Credits
	PaymentReference PaymentReference
	TransactionID    TransactionID
	Status           string
	Error            error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCreditRetention overrides how long purchased and granted credits remain spendable.
func WithCreditRetention(retentionSeconds int64) ServiceOption {
	return func(service *Service) {
		if retentionSeconds > 0 {
			service.retentionSeconds = retentionSeconds
		}
	}
}
