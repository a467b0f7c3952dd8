package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

// Op names one call of the Manager protocol.
type Op string

const (
	OpStart    Op = "start"
	OpEnd      Op = "end"
	OpPrepare  Op = "prepare"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	OpForget   Op = "forget"
	OpRecover  Op = "recover"
)

type memBranchState int

const (
	memActive memBranchState = iota
	memSuspended
	memIdle
	memPrepared
)

type memBranch struct {
	state        memBranchState
	rollbackOnly bool
}

// Call is one recorded invocation on a MemoryManager.
type Call struct {
	Op       Op
	Xid      transaction.Xid
	OnePhase bool
}

// MemoryManager is an in-process Manager. Prepared branches survive for as
// long as the value lives, which makes it usable as a stand-in for a durable
// resource across a simulated coordinator restart. Failures and votes can be
// injected per operation.
type MemoryManager struct {
	id     string
	logger *zap.Logger

	mu        sync.Mutex
	branches  map[transaction.Xid]*memBranch
	calls     []Call
	failures  map[Op]error
	vote      Vote
	decline   bool
	committed []transaction.Xid
}

// NewMemoryManager creates a manager that votes OK and never fails.
func NewMemoryManager(id string, logger *zap.Logger) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryManager{
		id:       id,
		logger:   logger.With(zap.String("resource", id)),
		branches: make(map[transaction.Xid]*memBranch),
		failures: make(map[Op]error),
	}
}

// --- Fault injection ---

// FailOn makes every subsequent op return err until ClearFailures.
func (m *MemoryManager) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *MemoryManager) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[Op]error)
}

// SetVote fixes the answer to Prepare.
func (m *MemoryManager) SetVote(v Vote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vote = v
}

// SetDecline makes Start refuse new branches.
func (m *MemoryManager) SetDecline(decline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decline = decline
}

// --- Inspection ---

// Calls counts recorded invocations of op.
func (m *MemoryManager) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// History returns a copy of every recorded invocation in order.
func (m *MemoryManager) History() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Committed lists branches that were committed, in commit order.
func (m *MemoryManager) Committed() []transaction.Xid {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transaction.Xid(nil), m.committed...)
}

// Pending counts branches the manager still holds.
func (m *MemoryManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.branches)
}

// record appends the call and returns the injected failure for op, if any.
// Must be called with m.mu held.
func (m *MemoryManager) record(op Op, xid transaction.Xid, onePhase bool) error {
	m.calls = append(m.calls, Call{Op: op, Xid: xid, OnePhase: onePhase})
	return m.failures[op]
}

// --- Manager ---

func (m *MemoryManager) ResourceID() string { return m.id }

func (m *MemoryManager) Start(_ context.Context, xid transaction.Xid, flag StartFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpStart, xid, false); err != nil {
		return err
	}

	b, exists := m.branches[xid]
	switch flag {
	case StartNew:
		if m.decline {
			return ErrDeclined
		}
		if exists {
			return ErrBranchExists
		}
		m.branches[xid] = &memBranch{state: memActive}
	case StartJoin:
		if !exists {
			return ErrUnknownBranch
		}
		b.state = memActive
	case StartResume:
		if !exists || b.state != memSuspended {
			return fmt.Errorf("resume %s: %w", xid, ErrUnknownBranch)
		}
		b.state = memActive
	}
	return nil
}

func (m *MemoryManager) End(_ context.Context, xid transaction.Xid, flag DelistFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpEnd, xid, false); err != nil {
		return err
	}

	b, ok := m.branches[xid]
	if !ok {
		return ErrUnknownBranch
	}
	switch flag {
	case DelistSuspend:
		b.state = memSuspended
	case DelistFail:
		b.state = memIdle
		b.rollbackOnly = true
	default:
		b.state = memIdle
	}
	return nil
}

func (m *MemoryManager) Prepare(_ context.Context, xid transaction.Xid) (Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpPrepare, xid, false); err != nil {
		return VoteFail, err
	}

	b, ok := m.branches[xid]
	if !ok {
		return VoteFail, ErrUnknownBranch
	}
	if b.rollbackOnly || m.vote == VoteFail {
		delete(m.branches, xid)
		return VoteFail, nil
	}
	if m.vote == VoteReadOnly {
		delete(m.branches, xid)
		return VoteReadOnly, nil
	}
	b.state = memPrepared
	return VoteOK, nil
}

func (m *MemoryManager) Commit(_ context.Context, xid transaction.Xid, onePhase bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpCommit, xid, onePhase); err != nil {
		return err
	}

	b, ok := m.branches[xid]
	if !ok {
		return ErrUnknownBranch
	}
	if onePhase && b.rollbackOnly {
		delete(m.branches, xid)
		return ErrBranchRolledBack
	}
	if !onePhase && b.state != memPrepared {
		return fmt.Errorf("commit unprepared branch %s: %w", xid, transaction.ErrIllegalState)
	}
	delete(m.branches, xid)
	m.committed = append(m.committed, xid)
	m.logger.Debug("Branch committed", zap.String("xid", xid.String()), zap.Bool("one_phase", onePhase))
	return nil
}

func (m *MemoryManager) Rollback(_ context.Context, xid transaction.Xid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpRollback, xid, false); err != nil {
		return err
	}

	if _, ok := m.branches[xid]; !ok {
		return ErrUnknownBranch
	}
	delete(m.branches, xid)
	m.logger.Debug("Branch rolled back", zap.String("xid", xid.String()))
	return nil
}

func (m *MemoryManager) Forget(_ context.Context, xid transaction.Xid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpForget, xid, false); err != nil {
		return err
	}
	delete(m.branches, xid)
	return nil
}

func (m *MemoryManager) Recover(_ context.Context, coordinatorID string) ([]transaction.Xid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpRecover, transaction.Xid{Coordinator: coordinatorID}, false); err != nil {
		return nil, err
	}

	var out []transaction.Xid
	for xid, b := range m.branches {
		if xid.Coordinator == coordinatorID && b.state == memPrepared {
			out = append(out, xid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
