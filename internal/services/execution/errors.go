package execution

import (
	"fmt"
	"strings"
)

// ValidationError rejects a request before any side effect. Safe to
// report verbatim to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trade request: %s: %s", e.Field, e.Reason)
}

// ReconciliationError means the exchange has executed real value but
// the local ledger did not record it. Never retried automatically:
// retrying could double-execute at the venue or double-credit locally.
// Carries the exchange order ids for manual operator reconciliation.
type ReconciliationError struct {
	Username string
	Symbol   string
	OrderIds []string
	Err      error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("execution status unknown for user %s on %s (exchange orders %s), operator reconciliation required: %v",
		e.Username, e.Symbol, strings.Join(e.OrderIds, ","), e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
