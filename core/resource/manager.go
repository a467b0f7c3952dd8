// Package resource defines the protocol the coordinator speaks to resource
// managers and the proxy that tracks one manager's branch of a transaction.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Vote is a resource manager's answer to prepare.
type Vote int

const (
	VoteOK       Vote = iota // branch is prepared and will obey the decision
	VoteReadOnly             // branch did no updates; no further calls are needed
	VoteFail                 // branch cannot commit; it is already rolled back
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "OK"
	case VoteReadOnly:
		return "READONLY"
	case VoteFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Vote(%d)", int(v))
	}
}

// StartFlag qualifies Start.
type StartFlag int

const (
	StartNew    StartFlag = iota // begin a new branch
	StartJoin                    // join a branch the manager already holds for this xid
	StartResume                  // resume a suspended branch
)

// DelistFlag qualifies End and delistment.
type DelistFlag int

const (
	DelistSuccess DelistFlag = iota // work on the branch completed normally
	DelistSuspend                   // work is suspended and may be resumed
	DelistFail                      // work failed; the branch must roll back
)

func (f DelistFlag) String() string {
	switch f {
	case DelistSuccess:
		return "SUCCESS"
	case DelistSuspend:
		return "SUSPEND"
	case DelistFail:
		return "FAIL"
	default:
		return fmt.Sprintf("DelistFlag(%d)", int(f))
	}
}

var (
	// ErrDeclined is returned by Start when the manager refuses to join the transaction.
	ErrDeclined = errors.New("resource manager declined enlistment")
	// ErrBranchExists is returned by Start(StartNew) when the manager already holds a branch for the xid.
	ErrBranchExists = errors.New("resource manager already holds a branch for this transaction")
	// ErrUnknownBranch means the manager has no record of the branch, usually because it already completed.
	ErrUnknownBranch = errors.New("resource manager has no such branch")
	// ErrBranchRolledBack is returned by a one-phase Commit when the manager rolled the branch back instead.
	ErrBranchRolledBack = errors.New("resource manager rolled the branch back")
	// ErrHeuristic is returned by Commit/Rollback when the manager took a unilateral decision.
	ErrHeuristic = errors.New("resource manager completed the branch heuristically")
)

// Manager is the two-phase-commit protocol every enlisted resource manager
// must implement. Implementations must be safe for concurrent use.
type Manager interface {
	// ResourceID identifies the underlying manager; it is what the
	// transaction log records and what recovery matches on.
	ResourceID() string

	Start(ctx context.Context, xid transaction.Xid, flag StartFlag) error
	End(ctx context.Context, xid transaction.Xid, flag DelistFlag) error

	Prepare(ctx context.Context, xid transaction.Xid) (Vote, error)
	Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid transaction.Xid) error

	// Forget discards heuristic state once the coordinator has recorded it.
	Forget(ctx context.Context, xid transaction.Xid) error

	// Recover returns every prepared or heuristically completed branch the
	// manager still holds for the given coordinator.
	Recover(ctx context.Context, coordinatorID string) ([]transaction.Xid, error)
}

// Resolver maps a logged resource id back to a live Manager, used by recovery.
type Resolver interface {
	Resolve(resourceID string) (Manager, bool)
	Managers() []Manager
}

// StaticResolver is a Resolver over a fixed set of managers.
type StaticResolver map[string]Manager

// NewStaticResolver indexes managers by ResourceID.
func NewStaticResolver(managers ...Manager) StaticResolver {
	r := make(StaticResolver, len(managers))
	for _, m := range managers {
		r[m.ResourceID()] = m
	}
	return r
}

func (r StaticResolver) Resolve(resourceID string) (Manager, bool) {
	m, ok := r[resourceID]
	return m, ok
}

func (r StaticResolver) Managers() []Manager {
	out := make([]Manager, 0, len(r))
	for _, m := range r {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID() < out[j].ResourceID() })
	return out
}
