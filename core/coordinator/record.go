package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

// Record is the coordinator's state for one global transaction. It is the
// handle application code and resource drivers use to enlist work, register
// synchronizations and complete the transaction.
//
// Status is readable without blocking. Enlistment and synchronization
// registration are guarded by an internal mutex; commit and rollback hold
// the per-record completion lock for their whole duration.
type Record struct {
	id       transaction.Xid
	coord    *Coordinator
	logger   *zap.Logger
	created  time.Time
	deadline time.Time // zero means no deadline

	status       atomic.Int32
	rollbackOnly atomic.Bool

	// completion serialises Commit, Rollback and the reaper's expiry.
	completion sync.Mutex

	mu             sync.Mutex
	enlisted       []*resource.Proxy
	byResource     map[string]*resource.Proxy
	syncs          []transaction.Synchronization
	delistedFailed map[string]struct{}
}

func newRecord(c *Coordinator, id transaction.Xid, now time.Time, timeout time.Duration) *Record {
	r := &Record{
		id:             id,
		coord:          c,
		logger:         c.logger.With(zap.String("txid", id.String())),
		created:        now,
		byResource:     make(map[string]*resource.Proxy),
		delistedFailed: make(map[string]struct{}),
	}
	if timeout > 0 {
		r.deadline = now.Add(timeout)
	}
	r.status.Store(int32(transaction.StatusActive))
	return r
}

// ID returns the global transaction id.
func (r *Record) ID() transaction.Xid { return r.id }

// Status never blocks and never fails.
func (r *Record) Status() transaction.Status {
	return transaction.Status(r.status.Load())
}

// Deadline returns the absolute timeout, or the zero time when there is none.
func (r *Record) Deadline() time.Time { return r.deadline }

// RollbackOnly reports whether the only possible outcome is rollback.
func (r *Record) RollbackOnly() bool { return r.rollbackOnly.Load() }

// advance moves the status along the state machine. An illegal transition
// is a coordinator bug and reported as a system fault.
func (r *Record) advance(to transaction.Status) error {
	for {
		from := r.Status()
		if !transaction.CanTransition(from, to) {
			return transaction.SystemError("advance", transaction.IllegalState("transition to "+to.String(), from))
		}
		if r.status.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// moveTo is advance for transitions the coordinator has already validated.
func (r *Record) moveTo(to transaction.Status) {
	if err := r.advance(to); err != nil {
		r.logger.Error("Unexpected status transition", zap.Error(err))
	}
}

// markRollbackOnlyLocked sets the flag and, while still ACTIVE, moves the
// status to MARKED_ROLLBACK. Must be called with r.mu held.
func (r *Record) markRollbackOnlyLocked() {
	r.rollbackOnly.Store(true)
	if r.Status() == transaction.StatusActive {
		r.status.Store(int32(transaction.StatusMarkedRollback))
	}
}

func (r *Record) deadlineElapsed(now time.Time) bool {
	return !r.deadline.IsZero() && !now.Before(r.deadline)
}

// expireLocked marks an ACTIVE record whose deadline has passed. Must be
// called with the completion lock held.
func (r *Record) expireLocked(now time.Time) bool {
	if !r.deadlineElapsed(now) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status() != transaction.StatusActive {
		return false
	}
	r.markRollbackOnlyLocked()
	r.logger.Info("Transaction timed out; marked rollback-only", zap.Time("deadline", r.deadline))
	r.coord.metrics.TimedOut(context.Background())
	return true
}

// Expire is called by the timeout reaper. A record whose completion is in
// progress is skipped; completion checks the deadline itself.
func (r *Record) Expire(now time.Time) bool {
	if !r.completion.TryLock() {
		return false
	}
	defer r.completion.Unlock()
	return r.expireLocked(now)
}

// freeze ends the enlistment phase. With commit set and the record still
// ACTIVE and not rollback-only, the record moves to PREPARING; otherwise it
// moves to ROLLING_BACK. It returns the enlisted branches in enlistment order.
func (r *Record) freeze(commit bool) (branches []*resource.Proxy, preparing bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	branches = append([]*resource.Proxy(nil), r.enlisted...)
	if commit && r.Status() == transaction.StatusActive && !r.RollbackOnly() {
		return branches, true, r.advance(transaction.StatusPreparing)
	}
	if r.Status() == transaction.StatusActive {
		r.markRollbackOnlyLocked()
	}
	return branches, false, r.advance(transaction.StatusRollingBack)
}

// failedDelistments returns the resource ids whose delistment failed.
func (r *Record) failedDelistments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.delistedFailed))
	for _, p := range r.enlisted {
		if _, ok := r.delistedFailed[p.ResourceID()]; ok {
			out = append(out, p.ResourceID())
		}
	}
	return out
}

func (r *Record) synchronizations() []transaction.Synchronization {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transaction.Synchronization(nil), r.syncs...)
}

// Snapshot is a point-in-time copy of a record, for status reporting.
type Snapshot struct {
	ID           transaction.Xid
	Status       transaction.Status
	RollbackOnly bool
	Created      time.Time
	Deadline     time.Time
	Resources    []string
}

func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		ID:           r.id,
		Status:       r.Status(),
		RollbackOnly: r.RollbackOnly(),
		Created:      r.created,
		Deadline:     r.deadline,
	}
	for _, p := range r.enlisted {
		s.Resources = append(s.Resources, p.ResourceID())
	}
	return s
}

// Commit completes the transaction through the coordinator that created it.
func (r *Record) Commit(ctx context.Context) error { return r.coord.Commit(ctx, r) }

// Rollback rolls the transaction back through the coordinator that created it.
func (r *Record) Rollback(ctx context.Context) error { return r.coord.Rollback(ctx, r) }
