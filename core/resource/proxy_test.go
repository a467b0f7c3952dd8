package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotx/core/transaction"
)

// --- Test Helpers ---

func newBranch(t *testing.T, coordinator string, n uint32) transaction.Xid {
	t.Helper()
	xid, err := transaction.NewXid(coordinator)
	require.NoError(t, err)
	return xid.WithBranch(n)
}

// --- Test Cases ---

func TestProxy_PrepareAndCommit(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)
	p := NewProxy(rm, newBranch(t, "node1", 1))

	require.Equal(t, BranchNotEnlisted, p.State())
	require.NoError(t, p.Enlist(ctx))
	require.Equal(t, BranchActive, p.State())

	vote, err := p.Prepare(ctx)
	require.NoError(t, err)
	require.Equal(t, VoteOK, vote)
	require.Equal(t, BranchPrepared, p.State())
	require.Equal(t, 1, rm.Calls(OpEnd), "prepare must end the open work association first")

	require.NoError(t, p.Commit(ctx, false))
	require.Equal(t, BranchEnded, p.State())
	require.Len(t, rm.Committed(), 1)
	require.Zero(t, rm.Pending())
}

func TestProxy_EnlistJoinsExistingBranch(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)
	xid := newBranch(t, "node1", 1)

	// A branch left behind by an earlier, partial enlistment.
	require.NoError(t, rm.Start(ctx, xid, StartNew))

	p := NewProxy(rm, xid)
	require.NoError(t, p.Enlist(ctx))
	require.Equal(t, BranchActive, p.State())
	require.Equal(t, 1, rm.Pending(), "no duplicate branch may be created")

	history := rm.History()
	require.Equal(t, OpStart, history[len(history)-1].Op)
}

func TestProxy_DeclinedEnlistment(t *testing.T) {
	rm := NewMemoryManager("db1", nil)
	rm.SetDecline(true)
	p := NewProxy(rm, newBranch(t, "node1", 1))

	err := p.Enlist(context.Background())
	require.ErrorIs(t, err, ErrDeclined)
	require.Equal(t, BranchNotEnlisted, p.State())
}

func TestProxy_SuspendResume(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)
	p := NewProxy(rm, newBranch(t, "node1", 1))

	require.NoError(t, p.Enlist(ctx))
	require.NoError(t, p.Delist(ctx, DelistSuspend))
	require.Equal(t, BranchSuspended, p.State())
	require.NoError(t, p.Enlist(ctx))
	require.Equal(t, BranchActive, p.State())
}

func TestProxy_DelistFailForcesFailVote(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)
	p := NewProxy(rm, newBranch(t, "node1", 1))

	require.NoError(t, p.Enlist(ctx))
	require.NoError(t, p.Delist(ctx, DelistFail))
	require.Equal(t, BranchFailed, p.State())

	vote, err := p.Prepare(ctx)
	require.Error(t, err)
	require.Equal(t, VoteFail, vote)

	require.NoError(t, p.Rollback(ctx))
	require.Equal(t, 1, rm.Calls(OpRollback))
}

func TestProxy_DelistUnenlistedIsIllegal(t *testing.T) {
	p := NewProxy(NewMemoryManager("db1", nil), newBranch(t, "node1", 1))
	err := p.Delist(context.Background(), DelistSuccess)
	require.ErrorIs(t, err, transaction.ErrIllegalState)
}

func TestProxy_PrepareErrorIsFailVote(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)
	boom := errors.New("connection reset")
	rm.FailOn(OpPrepare, boom)

	p := NewProxy(rm, newBranch(t, "node1", 1))
	require.NoError(t, p.Enlist(ctx))

	vote, err := p.Prepare(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, VoteFail, vote)
	require.Equal(t, BranchFailed, p.State())
}

func TestProxy_RollbackOfCompletedBranchIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)
	p := NewProxy(rm, newBranch(t, "node1", 1))
	require.NoError(t, p.Enlist(ctx))
	rm.SetVote(VoteFail)

	vote, err := p.Prepare(ctx)
	require.NoError(t, err)
	require.Equal(t, VoteFail, vote)

	// The manager forgot the branch when it voted FAIL.
	require.NoError(t, p.Rollback(ctx))
}

func TestMemoryManager_RecoverListsPreparedBranchesOfCoordinator(t *testing.T) {
	ctx := context.Background()
	rm := NewMemoryManager("db1", nil)

	mine := newBranch(t, "node1", 1)
	theirs := newBranch(t, "node2", 1)
	active := newBranch(t, "node1", 2)
	for _, x := range []transaction.Xid{mine, theirs, active} {
		require.NoError(t, rm.Start(ctx, x, StartNew))
	}
	for _, x := range []transaction.Xid{mine, theirs} {
		require.NoError(t, rm.End(ctx, x, DelistSuccess))
		_, err := rm.Prepare(ctx, x)
		require.NoError(t, err)
	}

	xids, err := rm.Recover(ctx, "node1")
	require.NoError(t, err)
	require.Equal(t, []transaction.Xid{mine}, xids)
}

func TestStaticResolver(t *testing.T) {
	a, b := NewMemoryManager("b", nil), NewMemoryManager("a", nil)
	r := NewStaticResolver(a, b)

	got, ok := r.Resolve("a")
	require.True(t, ok)
	require.Same(t, b, got)

	managers := r.Managers()
	require.Equal(t, "a", managers[0].ResourceID())
	require.Equal(t, "b", managers[1].ResourceID())
}
