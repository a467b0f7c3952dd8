package transaction

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// Protocol errors: misuse of the state machine. Surfaced immediately, never retried.
	ErrIllegalState      = errors.New("transaction is in an invalid state for this operation")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNestedTransaction = fmt.Errorf("nested transaction: %w", ErrNotSupported)
	ErrSecurity          = errors.New("caller is not authorized for this operation")

	// Outcome errors: report the true fate of the transaction.
	ErrRollback          = errors.New("transaction rolled back")
	ErrHeuristicMixed    = errors.New("heuristic mixed outcome: some branches committed, others rolled back")
	ErrHeuristicRollback = errors.New("heuristic rollback outcome: every branch rolled back")

	// Infrastructure errors: coordinator, log or communication faults.
	ErrSystem = errors.New("transaction system fault")
)

// Kind classifies an error into the three families of the error taxonomy.
type Kind int

const (
	KindNone Kind = iota
	KindProtocol
	KindOutcome
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindOutcome:
		return "outcome"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "none"
	}
}

// Classify returns the taxonomy family of err. Outcome takes precedence over
// infrastructure so that a rollback caused by a log fault is still reported
// as a rollback.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRollback), errors.Is(err, ErrHeuristicMixed), errors.Is(err, ErrHeuristicRollback):
		return KindOutcome
	case errors.Is(err, ErrIllegalState), errors.Is(err, ErrNotSupported), errors.Is(err, ErrSecurity):
		return KindProtocol
	default:
		return KindInfrastructure
	}
}

// SystemError wraps cause as an infrastructure fault of op.
func SystemError(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrSystem)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSystem, cause)
}

// IllegalState builds an ErrIllegalState describing the status that rejected op.
func IllegalState(op string, status Status) error {
	return fmt.Errorf("%s in status %s: %w", op, status, ErrIllegalState)
}
