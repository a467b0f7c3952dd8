package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

// SetRollbackOnly makes rollback the only possible outcome. It is idempotent
// and fails only on a terminal record. While PREPARING the flag is observed
// once the votes are in; from PREPARED on the commit decision stands and the
// flag is only recorded.
func (r *Record) SetRollbackOnly() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := r.Status(); {
	case st.IsTerminal():
		return transaction.IllegalState("set rollback-only", st)
	case st == transaction.StatusActive || st == transaction.StatusMarkedRollback:
		r.markRollbackOnlyLocked()
	default:
		r.rollbackOnly.Store(true)
	}
	return nil
}

// enlistableLocked reports why a manager cannot join the record in its current status.
// Must be called with r.mu held.
func (r *Record) enlistableLocked(op string) error {
	switch st := r.Status(); st {
	case transaction.StatusActive:
		if r.RollbackOnly() {
			return fmt.Errorf("%s: transaction is marked rollback-only: %w", op, transaction.ErrRollback)
		}
		return nil
	case transaction.StatusMarkedRollback, transaction.StatusRollingBack, transaction.StatusRolledBack:
		return fmt.Errorf("%s in status %s: %w", op, st, transaction.ErrRollback)
	default:
		return transaction.IllegalState(op, st)
	}
}

// Enlist adds rm to the transaction and starts its branch. It returns false
// without error when the manager declines. Enlisting a manager twice reuses
// its branch, resuming it if it was suspended.
func (r *Record) Enlist(ctx context.Context, rm resource.Manager) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.enlistableLocked("enlist"); err != nil {
		return false, err
	}

	id := rm.ResourceID()
	if p, ok := r.byResource[id]; ok {
		if err := p.Enlist(ctx); err != nil {
			if errors.Is(err, transaction.ErrIllegalState) {
				return false, err
			}
			return false, r.infraError("enlist", id, err)
		}
		return true, nil
	}

	p := resource.NewProxy(rm, r.id.WithBranch(uint32(len(r.enlisted)+1)))
	if err := p.Enlist(ctx); err != nil {
		if errors.Is(err, resource.ErrDeclined) {
			r.logger.Info("Resource manager declined enlistment", zap.String("resource", id))
			return false, nil
		}
		return false, r.infraError("enlist", id, err)
	}
	r.enlisted = append(r.enlisted, p)
	r.byResource[id] = p
	r.logger.Debug("Resource manager enlisted",
		zap.String("resource", id), zap.String("branch", p.Xid().String()))
	return true, nil
}

// Delist ends rm's work association. DelistFail excludes the manager from
// the commit phase; a later commit rolls the whole transaction back. It
// returns false if rm was never enlisted.
func (r *Record) Delist(ctx context.Context, rm resource.Manager, flag resource.DelistFlag) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := rm.ResourceID()
	p, ok := r.byResource[id]
	if !ok {
		return false, nil
	}
	if st := r.Status(); st != transaction.StatusActive && st != transaction.StatusMarkedRollback {
		return false, transaction.IllegalState("delist", st)
	}

	if err := p.Delist(ctx, flag); err != nil {
		if errors.Is(err, transaction.ErrIllegalState) {
			return false, err
		}
		r.delistedFailed[id] = struct{}{}
		return false, r.infraError("delist", id, err)
	}
	if flag == resource.DelistFail {
		r.delistedFailed[id] = struct{}{}
		r.logger.Info("Resource manager delisted with failure", zap.String("resource", id))
	}
	return true, nil
}

// RegisterSynchronization adds s to the callbacks run around completion.
func (r *Record) RegisterSynchronization(s transaction.Synchronization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.RollbackOnly() {
		return fmt.Errorf("register synchronization: transaction is marked rollback-only: %w", transaction.ErrRollback)
	}
	if st := r.Status(); st != transaction.StatusActive {
		return transaction.IllegalState("register synchronization", st)
	}
	r.syncs = append(r.syncs, s)
	return nil
}

// Resources lists the enlisted resource ids in enlistment order.
func (r *Record) Resources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.enlisted))
	for i, p := range r.enlisted {
		out[i] = p.ResourceID()
	}
	return out
}

func (r *Record) infraError(op, resourceID string, err error) error {
	r.logger.Error("Resource manager call failed",
		zap.String("op", op), zap.String("resource", resourceID), zap.Error(err))
	return transaction.SystemError(op+" "+resourceID, err)
}
