package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txlog"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// prepareBranch leaves a prepared branch of xid behind in rm, as a
// coordinator that stopped after the prepare phase would.
func prepareBranch(t *testing.T, rm *resource.MemoryManager, xid transaction.Xid) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rm.Start(ctx, xid, resource.StartNew))
	require.NoError(t, rm.End(ctx, xid, resource.DelistSuccess))
	vote, err := rm.Prepare(ctx, xid)
	require.NoError(t, err)
	require.Equal(t, resource.VoteOK, vote)
}

func newTxID(t *testing.T, node string) transaction.Xid {
	t.Helper()
	xid, err := transaction.NewXid(node)
	require.NoError(t, err)
	return xid
}

func newMemoryLog(t *testing.T) txlog.Log {
	t.Helper()
	l, err := txlog.NewStoreLog(raft.NewInmemStore(), zap.NewNop())
	require.NoError(t, err)
	return l
}

func newLiveManager(t *testing.T, l txlog.Log) *manager.Manager {
	t.Helper()
	coord, err := coordinator.New(l, zap.NewNop(), coordinator.Options{NodeID: "node1"})
	require.NoError(t, err)
	return manager.New(coord, zap.NewNop(), manager.Options{})
}

func isActiveIn(m *manager.Manager) func(transaction.Xid) bool {
	return func(id transaction.Xid) bool {
		_, ok := m.Lookup(id)
		return ok
	}
}

// hookedResolver runs beforeScan once, when recovery asks for the managers
// to scan, which is after the log has been analysed.
type hookedResolver struct {
	resource.StaticResolver
	beforeScan func()
	once       sync.Once
}

func (h *hookedResolver) Managers() []resource.Manager {
	h.once.Do(h.beforeScan)
	return h.StaticResolver.Managers()
}

// hookedRecover runs beforeRecover on every Recover call.
type hookedRecover struct {
	*resource.MemoryManager
	beforeRecover func()
}

func (h *hookedRecover) Recover(ctx context.Context, coordinatorID string) ([]transaction.Xid, error) {
	h.beforeRecover()
	return h.MemoryManager.Recover(ctx, coordinatorID)
}

// parkedCommit parks in Commit until released.
type parkedCommit struct {
	*resource.MemoryManager
	entered chan struct{}
	release chan struct{}
}

func (p *parkedCommit) Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error {
	close(p.entered)
	<-p.release
	return p.MemoryManager.Commit(ctx, xid, onePhase)
}

// --- Test Cases ---

func TestRun_CrashAfterPreparedCommitsEveryBranch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rm1 := resource.NewMemoryManager("rm1", nil)
	rm2 := resource.NewMemoryManager("rm2", nil)

	// Before the crash: both branches prepared and the PREPARED entry is durable.
	tx := newTxID(t, "node1")
	prepareBranch(t, rm1, tx.WithBranch(1))
	prepareBranch(t, rm2, tx.WithBranch(2))
	l, err := txlog.OpenFileLog(dir, zap.NewNop(), txlog.FileLogOptions{})
	require.NoError(t, err)
	_, err = l.Append(ctx, txlog.Entry{TxID: tx, Phase: txlog.PhasePrepared, Resources: []string{"rm1", "rm2"}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Restart.
	reopened, err := txlog.OpenFileLog(dir, zap.NewNop(), txlog.FileLogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	rec := New(reopened, resource.NewStaticResolver(rm1, rm2), zap.NewNop(), Options{NodeID: "node1"})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 2, Forgotten: 1}, report)

	for _, rm := range []*resource.MemoryManager{rm1, rm2} {
		require.Equal(t, 1, rm.Calls(resource.OpCommit))
		require.Zero(t, rm.Calls(resource.OpRollback), "a prepared decision is never rolled back")
		require.Zero(t, rm.Pending())
	}
	require.Equal(t, []transaction.Xid{tx.WithBranch(1)}, rm1.Committed())

	summaries, err := txlog.Analyze(ctx, reopened)
	require.NoError(t, err)
	for _, s := range summaries {
		require.True(t, s.Forgotten)
	}

	again, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{}, again, "a second pass has nothing to do")
}

func TestRun_PresumedAbortForUnloggedBranches(t *testing.T) {
	ctx := context.Background()
	rm := resource.NewMemoryManager("rm1", nil)
	mine := newTxID(t, "node1").WithBranch(1)
	theirs := newTxID(t, "node2").WithBranch(1)
	prepareBranch(t, rm, mine)
	prepareBranch(t, rm, theirs)

	rec := New(newMemoryLog(t), resource.NewStaticResolver(rm), zap.NewNop(), Options{NodeID: "node1"})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RolledBack)
	require.Zero(t, rm.Calls(resource.OpCommit))
	require.Equal(t, 1, rm.Pending(), "branches of other coordinators are left alone")
}

func TestRun_RedrivesUnfinishedDecision(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLog(t)
	rm1 := resource.NewMemoryManager("rm1", nil)
	rm2 := resource.NewMemoryManager("rm2", nil)

	// rm1 committed before the crash, rm2 never received its directive.
	tx := newTxID(t, "node1")
	prepareBranch(t, rm2, tx.WithBranch(2))
	for _, phase := range []txlog.Phase{txlog.PhasePrepared, txlog.PhaseCommitted} {
		_, err := l.Append(ctx, txlog.Entry{TxID: tx, Phase: phase, Resources: []string{"rm1", "rm2"}})
		require.NoError(t, err)
	}

	rec := New(l, resource.NewStaticResolver(rm1, rm2), zap.NewNop(), Options{NodeID: "node1"})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1, Forgotten: 1}, report)
	require.Equal(t, 1, rm2.Calls(resource.OpCommit))
	require.Zero(t, rm1.Calls(resource.OpCommit))
}

func TestRun_RedrivesHeuristicRollback(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLog(t)
	rm := resource.NewMemoryManager("rm1", nil)
	tx := newTxID(t, "node1")
	prepareBranch(t, rm, tx.WithBranch(1))
	_, err := l.Append(ctx, txlog.Entry{TxID: tx, Phase: txlog.PhaseRolledBack, Resources: []string{"rm1"}})
	require.NoError(t, err)

	report, err := New(l, resource.NewStaticResolver(rm), zap.NewNop(), Options{NodeID: "node1"}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{RolledBack: 1, Forgotten: 1}, report)
}

func TestRun_UnreachableManagerLeavesTransactionPending(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLog(t)
	rm1 := resource.NewMemoryManager("rm1", nil)
	rm2 := resource.NewMemoryManager("rm2", nil)
	tx := newTxID(t, "node1")
	prepareBranch(t, rm1, tx.WithBranch(1))
	prepareBranch(t, rm2, tx.WithBranch(2))
	_, err := l.Append(ctx, txlog.Entry{TxID: tx, Phase: txlog.PhasePrepared, Resources: []string{"rm1", "rm2"}})
	require.NoError(t, err)

	rm2.FailOn(resource.OpRecover, errors.New("connection refused"))
	rec := New(l, resource.NewStaticResolver(rm1, rm2), zap.NewNop(), Options{NodeID: "node1"})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1, Pending: 1}, report)

	rm2.ClearFailures()
	report, err = rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1, Forgotten: 1}, report)
	require.Zero(t, rm2.Calls(resource.OpRollback))
}

func TestRun_UnknownResourceLeavesTransactionPending(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLog(t)
	_, err := l.Append(ctx, txlog.Entry{TxID: newTxID(t, "node1"), Phase: txlog.PhasePrepared, Resources: []string{"gone"}})
	require.NoError(t, err)

	report, err := New(l, resource.NewStaticResolver(), zap.NewNop(), Options{NodeID: "node1"}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Pending: 1}, report)
}

func TestRun_SkipsActiveTransactions(t *testing.T) {
	ctx := context.Background()
	rm := resource.NewMemoryManager("rm1", nil)
	tx := newTxID(t, "node1")
	prepareBranch(t, rm, tx.WithBranch(1))

	rec := New(newMemoryLog(t), resource.NewStaticResolver(rm), zap.NewNop(), Options{
		NodeID:   "node1",
		IsActive: func(id transaction.Xid) bool { return id == tx },
	})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	require.Equal(t, 1, rm.Pending(), "a live transaction between prepare and its log write is not presumed aborted")
}

func TestRun_RateLimitedScanStopsAtDeadline(t *testing.T) {
	rm := resource.NewMemoryManager("rm1", nil)
	prepareBranch(t, rm, newTxID(t, "node1").WithBranch(1))
	rec := New(newMemoryLog(t), resource.NewStaticResolver(rm), zap.NewNop(), Options{
		NodeID: "node1",
		Rate:   0.001,
		Burst:  1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	require.Equal(t, 1, rm.Calls(resource.OpRecover))
	require.Zero(t, rm.Calls(resource.OpRollback), "the branch call would wait past the deadline")
	require.Equal(t, 1, rm.Pending())
}

func TestStart_PeriodicPasses(t *testing.T) {
	rm := resource.NewMemoryManager("rm1", nil)
	rec := New(newMemoryLog(t), resource.NewStaticResolver(rm), zap.NewNop(), Options{
		NodeID:   "node1",
		Interval: 5 * time.Millisecond,
	})
	rec.Start(context.Background())
	defer rec.Stop()

	prepareBranch(t, rm, newTxID(t, "node1").WithBranch(1))
	require.Eventually(t, func() bool { return rm.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_CommitLoggedAfterAnalysisIsNeverPresumedAborted(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLog(t)
	m := newLiveManager(t, l)
	rmA := resource.NewMemoryManager("rmA", nil)
	rmB := resource.NewMemoryManager("rmB", nil)

	// A transaction commits with rmB unreachable after the pass has read the log.
	var commitErr error
	resolver := &hookedResolver{StaticResolver: resource.NewStaticResolver(rmA, rmB)}
	resolver.beforeScan = func() {
		s := m.NewSession()
		require.NoError(t, s.Begin(ctx))
		for _, rm := range []resource.Manager{rmA, rmB} {
			_, err := s.EnlistResource(ctx, rm)
			require.NoError(t, err)
		}
		rmB.FailOn(resource.OpCommit, errors.New("link down"))
		commitErr = s.Commit(ctx)
		rmB.ClearFailures()
	}

	rec := New(l, resolver, zap.NewNop(), Options{NodeID: "node1", IsActive: isActiveIn(m)})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, commitErr, transaction.ErrHeuristicMixed)
	require.Equal(t, Report{Committed: 1}, report)
	require.Zero(t, rmB.Calls(resource.OpRollback), "a logged commit is never rolled back")
	require.Len(t, rmA.Committed(), 1)
	require.Len(t, rmB.Committed(), 1)

	report, err = rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Forgotten: 1}, report)
}

func TestRun_TransactionLiveDuringScanIsNotForgotten(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLog(t)
	m := newLiveManager(t, l)
	rmA := &parkedCommit{
		MemoryManager: resource.NewMemoryManager("rmA", nil),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	rmB := resource.NewMemoryManager("rmB", nil)

	s := m.NewSession()
	require.NoError(t, s.Begin(ctx))
	for _, rm := range []resource.Manager{rmA, rmB} {
		_, err := s.EnlistResource(ctx, rm)
		require.NoError(t, err)
	}
	rmB.FailOn(resource.OpCommit, errors.New("link down"))
	done := make(chan error, 1)
	go func() { done <- s.Commit(ctx) }()
	<-rmA.entered // PREPARED is logged and both branches are prepared

	// The last manager scanned lets the commit finish, so the transaction
	// is no longer live when the pass closes what it analysed.
	rmC := &hookedRecover{MemoryManager: resource.NewMemoryManager("rmC", nil)}
	rmC.beforeRecover = func() {
		select {
		case <-rmA.release:
		default:
			close(rmA.release)
			require.ErrorIs(t, <-done, transaction.ErrHeuristicMixed)
		}
	}

	rec := New(l, resource.NewStaticResolver(rmA, rmB, rmC), zap.NewNop(), Options{NodeID: "node1", IsActive: isActiveIn(m)})
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	require.Equal(t, 1, rmB.Pending())

	summaries, err := txlog.Analyze(ctx, l)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.False(t, summaries[0].Forgotten, "the failed branch still owes a commit")

	rmB.ClearFailures()
	report, err = rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1, Forgotten: 1}, report)
	require.Zero(t, rmB.Calls(resource.OpRollback))
	require.Zero(t, rmB.Pending())
}
