package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
)

// Session associates a caller with at most one transaction at a time.
// Callers pass the session explicitly wherever the transaction is needed.
type Session struct {
	m *Manager

	mu      sync.Mutex
	current *coordinator.Record
	timeout time.Duration // zero selects the manager default
}

func (s *Session) record() *coordinator.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

// currentLocked drops an association whose record was completed through
// the record itself. Must be called with s.mu held.
func (s *Session) currentLocked() *coordinator.Record {
	if s.current != nil && s.current.Status().IsTerminal() {
		s.current = nil
	}
	return s.current
}

// Transaction returns the associated record, or nil.
func (s *Session) Transaction() *coordinator.Record { return s.record() }

// Begin starts a transaction and associates it with the session.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked() != nil {
		return transaction.ErrNestedTransaction
	}

	timeout := s.timeout
	if timeout == 0 {
		timeout = s.m.defaultTimeout
	}
	r, err := s.m.begin(ctx, timeout)
	if err != nil {
		return err
	}
	s.current = r
	return nil
}

// Status returns StatusNoTransaction when nothing is associated.
func (s *Session) Status() transaction.Status {
	if r := s.record(); r != nil {
		return r.Status()
	}
	return transaction.StatusNoTransaction
}

func (s *Session) SetRollbackOnly() error {
	r := s.record()
	if r == nil {
		return transaction.IllegalState("set rollback-only", transaction.StatusNoTransaction)
	}
	return r.SetRollbackOnly()
}

// SetTransactionTimeout sets the timeout of transactions begun later by this
// session. Zero restores the manager default.
func (s *Session) SetTransactionTimeout(seconds int) error {
	if seconds < 0 {
		return transaction.SystemError("set transaction timeout", fmt.Errorf("negative timeout %d", seconds))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = time.Duration(seconds) * time.Second
	return nil
}

// Commit completes the associated transaction. The association is cleared
// whatever the outcome, including an authorization denial.
func (s *Session) Commit(ctx context.Context) error {
	return s.complete(ctx, OpCommit)
}

// Rollback rolls back the associated transaction and clears the association.
func (s *Session) Rollback(ctx context.Context) error {
	return s.complete(ctx, OpRollback)
}

func (s *Session) complete(ctx context.Context, op Op) error {
	r := s.record()
	if r == nil {
		return transaction.IllegalState(string(op), transaction.StatusNoTransaction)
	}
	defer s.disassociate(r)
	if err := s.m.authorize(ctx, op, r); err != nil {
		return err
	}

	var err error
	if op == OpCommit {
		err = s.m.coord.Commit(ctx, r)
	} else {
		err = s.m.coord.Rollback(ctx, r)
	}
	s.m.evict(r)
	return err
}

func (s *Session) disassociate(r *coordinator.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == r {
		s.current = nil
	}
}

func (s *Session) EnlistResource(ctx context.Context, rm resource.Manager) (bool, error) {
	r := s.record()
	if r == nil {
		return false, transaction.IllegalState("enlist", transaction.StatusNoTransaction)
	}
	return r.Enlist(ctx, rm)
}

func (s *Session) DelistResource(ctx context.Context, rm resource.Manager, flag resource.DelistFlag) (bool, error) {
	r := s.record()
	if r == nil {
		return false, transaction.IllegalState("delist", transaction.StatusNoTransaction)
	}
	return r.Delist(ctx, rm, flag)
}

func (s *Session) RegisterSynchronization(cb transaction.Synchronization) error {
	r := s.record()
	if r == nil {
		return transaction.IllegalState("register synchronization", transaction.StatusNoTransaction)
	}
	return r.RegisterSynchronization(cb)
}
