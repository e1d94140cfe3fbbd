package transaction

import "errors"

// Error taxonomy per spec.md §7. Transport/parse faults are recovered
// locally; these sentinels are what the core ever surfaces to a user
// agent.
var (
	ErrTransactionTimeout    = errors.New("transaction: timed out")
	ErrTransactionTransport  = errors.New("transaction: transport error")
	ErrTransactionTerminated = errors.New("transaction: terminated")
	ErrTransactionCancelled  = errors.New("transaction: cancelled")
	ErrCapacityExceeded      = errors.New("transaction: engine at capacity")
	ErrNoMatch               = errors.New("transaction: no matching transaction")
	ErrShuttingDown          = errors.New("transaction: engine is shutting down")
)

// FailureReason distinguishes why a transaction was marked failed, for
// the transaction_failed(reason) event of spec.md §7.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureTimedOut
	FailureTransportError
	FailureCancelled
)

func (r FailureReason) String() string {
	switch r {
	case FailureTimedOut:
		return "timed_out"
	case FailureTransportError:
		return "transport_error"
	case FailureCancelled:
		return "cancelled"
	default:
		return "none"
	}
}
