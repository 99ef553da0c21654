package ledger

import (
	"errors"
	"testing"
)

func TestWrapError(test *testing.T) {
	test.Parallel()
	upstream := errors.New("connection reset")
	testCases := []struct {
		name      string
		operation string
		subject   string
		code      string
		err       error
		message   string
		sentinel  error
	}{
		{
			name:      "purchase conflict keeps sentinel",
			operation: "store",
			subject:   "purchase",
			code:      "duplicate",
			err:       ErrAlreadyFulfilled,
			message:   "store.purchase.duplicate: payment already fulfilled",
			sentinel:  ErrAlreadyFulfilled,
		},
		{
			name:      "debit rejection",
			operation: "ledger",
			subject:   "debit",
			code:      "insufficient",
			err:       ErrInsufficientCredits,
			message:   "ledger.debit.insufficient: insufficient credits",
			sentinel:  ErrInsufficientCredits,
		},
		{
			name:      "opaque store failure",
			operation: "store",
			subject:   "receipt",
			code:      "insert",
			err:       upstream,
			message:   "store.receipt.insert: connection reset",
			sentinel:  upstream,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			wrapped := WrapError(testCase.operation, testCase.subject, testCase.code, testCase.err)
			if wrapped.Error() != testCase.message {
				test.Fatalf("expected %q, got %q", testCase.message, wrapped.Error())
			}
			if !errors.Is(wrapped, testCase.sentinel) {
				test.Fatalf("expected %v to be reachable from %v", testCase.sentinel, wrapped)
			}
			var operationError OperationError
			if !errors.As(wrapped, &operationError) {
				test.Fatalf("expected OperationError, got %T", wrapped)
			}
			if operationError.Operation() != testCase.operation || operationError.Subject() != testCase.subject || operationError.Code() != testCase.code {
				test.Fatalf("unexpected segments %q %q %q", operationError.Operation(), operationError.Subject(), operationError.Code())
			}
		})
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "purchase", "insert", nil) != nil {
		test.Fatalf("expected nil for a nil cause")
	}
}
