package transaction

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_Transitions(t *testing.T) {
	legal := [][2]Status{
		{StatusActive, StatusMarkedRollback},
		{StatusActive, StatusPreparing},
		{StatusMarkedRollback, StatusRollingBack},
		{StatusPreparing, StatusPrepared},
		{StatusPreparing, StatusRollingBack},
		{StatusPrepared, StatusCommitting},
		{StatusCommitting, StatusCommitted},
		{StatusRollingBack, StatusRolledBack},
	}
	for _, edge := range legal {
		require.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	illegal := [][2]Status{
		{StatusMarkedRollback, StatusActive},
		{StatusCommitted, StatusRollingBack},
		{StatusRolledBack, StatusActive},
		{StatusActive, StatusCommitted},
		{StatusPreparing, StatusCommitting},
	}
	for _, edge := range illegal {
		require.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestStatus_TerminalAndString(t *testing.T) {
	require.True(t, StatusCommitted.IsTerminal())
	require.True(t, StatusRolledBack.IsTerminal())
	require.False(t, StatusPrepared.IsTerminal())
	require.Equal(t, "MARKED_ROLLBACK", StatusMarkedRollback.String())
	require.Equal(t, "NO_TRANSACTION", StatusNoTransaction.String())
	require.Equal(t, "Status(42)", Status(42).String())
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindNone, Classify(nil))
	require.Equal(t, KindProtocol, Classify(IllegalState("commit", StatusCommitted)))
	require.Equal(t, KindProtocol, Classify(ErrNestedTransaction))
	require.Equal(t, KindOutcome, Classify(fmt.Errorf("commit: %w", ErrRollback)))
	require.Equal(t, KindInfrastructure, Classify(SystemError("append", errors.New("disk full"))))
	require.Equal(t, KindOutcome, Classify(fmt.Errorf("%w: %w", ErrRollback, SystemError("append", nil))))
}

func TestSystemError_WrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := SystemError("append prepared entry", cause)
	require.ErrorIs(t, err, ErrSystem)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, ErrNestedTransaction, ErrNotSupported)
}

func TestHeuristicError(t *testing.T) {
	xid, err := NewXid("node1")
	require.NoError(t, err)

	mixed := &HeuristicError{TxID: xid, Outcome: ClassifyOutcome(3, 1), Failures: []BranchFailure{{ResourceID: "db2", Err: errors.New("timeout")}}}
	require.ErrorIs(t, mixed, ErrHeuristicMixed)
	require.NotErrorIs(t, mixed, ErrHeuristicRollback)
	require.Contains(t, mixed.Error(), "db2")

	all := &HeuristicError{TxID: xid, Outcome: ClassifyOutcome(2, 2)}
	require.ErrorIs(t, fmt.Errorf("commit: %w", all), ErrHeuristicRollback)

	he, ok := AsHeuristic(fmt.Errorf("wrapped: %w", mixed))
	require.True(t, ok)
	require.Equal(t, OutcomeMixed, he.Outcome)
	require.Equal(t, OutcomeCommitted, ClassifyOutcome(4, 0))
}

func TestXid_RoundTrip(t *testing.T) {
	xid, err := NewXid("coord-a")
	require.NoError(t, err)
	require.False(t, xid.IsZero())

	branch := xid.WithBranch(3)
	require.True(t, branch.SameGlobal(xid))
	require.Equal(t, xid, branch.GlobalID())

	for _, x := range []Xid{xid, branch} {
		parsed, err := ParseXid(x.String())
		require.NoError(t, err)
		require.Equal(t, x, parsed)
	}

	_, err = ParseXid("garbage")
	require.Error(t, err)
}

func TestSyncFuncs_NilFieldsAreNoops(t *testing.T) {
	var s Synchronization = SyncFuncs{}
	require.NoError(t, s.BeforeCompletion(context.Background()))
	require.NoError(t, s.AfterCompletion(context.Background(), StatusCommitted))
}
