// Package transaction holds the vocabulary shared by every part of the
// coordinator: transaction status, the error taxonomy, global identifiers and
// synchronization callbacks.
package transaction

import "fmt"

// Status represents the lifecycle position of a global transaction.
type Status int32

const (
	StatusActive         Status = iota // Work is being done, resources may still be enlisted
	StatusMarkedRollback               // The only possible outcome is rollback
	StatusPreparing                    // Coordinator is collecting prepare votes
	StatusPrepared                     // All votes are in and the commit decision is durable
	StatusCommitting                   // Commit directives are being dispatched
	StatusCommitted                    // Terminal: committed
	StatusRollingBack                  // Rollback directives are being dispatched
	StatusRolledBack                   // Terminal: rolled back
	StatusNoTransaction                // No transaction is associated with the caller
)

var statusNames = [...]string{
	StatusActive:         "ACTIVE",
	StatusMarkedRollback: "MARKED_ROLLBACK",
	StatusPreparing:      "PREPARING",
	StatusPrepared:       "PREPARED",
	StatusCommitting:     "COMMITTING",
	StatusCommitted:      "COMMITTED",
	StatusRollingBack:    "ROLLING_BACK",
	StatusRolledBack:     "ROLLED_BACK",
	StatusNoTransaction:  "NO_TRANSACTION",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int32(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// transitions lists every legal edge of the status state machine.
// COMMITTING -> ROLLED_BACK covers the outcome where every commit directive
// failed, PREPARED -> ROLLING_BACK the case where the commit decision could
// not be made durable.
var transitions = map[Status][]Status{
	StatusActive:         {StatusMarkedRollback, StatusPreparing},
	StatusMarkedRollback: {StatusRollingBack},
	StatusPreparing:      {StatusPrepared, StatusRollingBack},
	StatusPrepared:       {StatusCommitting, StatusRollingBack},
	StatusCommitting:     {StatusCommitted, StatusRolledBack},
	StatusRollingBack:    {StatusRolledBack},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
