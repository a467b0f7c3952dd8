package transaction

import (
	"errors"
	"fmt"
	"strings"
)

// Outcome is the tri-state result of the decision phase.
type Outcome int

const (
	OutcomeCommitted  Outcome = iota // every branch acknowledged the decision
	OutcomeMixed                     // some branches committed, some did not
	OutcomeRolledBack                // no branch committed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeMixed:
		return "mixed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ClassifyOutcome derives the outcome of a commit phase from how many of the
// dispatched branches failed.
func ClassifyOutcome(dispatched, failed int) Outcome {
	switch {
	case failed == 0:
		return OutcomeCommitted
	case failed < dispatched:
		return OutcomeMixed
	default:
		return OutcomeRolledBack
	}
}

// BranchFailure records why one resource manager did not follow the decision.
type BranchFailure struct {
	ResourceID string
	Err        error
}

// HeuristicError reports a commit whose branches did not all commit.
// errors.Is matches ErrHeuristicMixed or ErrHeuristicRollback depending on Outcome.
type HeuristicError struct {
	TxID     Xid
	Outcome  Outcome
	Failures []BranchFailure
}

func (e *HeuristicError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s: %s", e.TxID, e.sentinel())
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s: %v", f.ResourceID, f.Err)
	}
	return b.String()
}

func (e *HeuristicError) sentinel() error {
	if e.Outcome == OutcomeRolledBack {
		return ErrHeuristicRollback
	}
	return ErrHeuristicMixed
}

// Is lets callers test the error against the heuristic sentinels.
func (e *HeuristicError) Is(target error) bool {
	return target == e.sentinel()
}

// AsHeuristic unwraps err into a *HeuristicError when it carries one.
func AsHeuristic(err error) (*HeuristicError, bool) {
	var he *HeuristicError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
