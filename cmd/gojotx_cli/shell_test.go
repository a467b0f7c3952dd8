package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txlog"
	"github.com/sushant-115/gojotx/internal/app"
	"go.uber.org/zap"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Manager.NodeID = "cli-test"
	cfg.TxLog.Backend = txlog.BackendMemory
	cfg.Recovery.Enabled = false
	node, err := app.New(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close(context.Background()) })

	var out bytes.Buffer
	return newShell(node, zap.NewNop(), &out), &out
}

func run(t *testing.T, sh *shell, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.NoError(t, sh.processCommand(context.Background(), strings.Fields(line)), line)
	}
}

func TestShell_TwoPhaseCommit(t *testing.T) {
	sh, out := newTestShell(t)
	run(t, sh,
		"rm add db1",
		"rm add db2",
		"begin",
		"enlist db1",
		"enlist db2",
		"sync",
		"status",
		"commit",
		"rm list",
	)
	text := out.String()
	require.Contains(t, text, "ACTIVE")
	require.Contains(t, text, "before completion")
	require.Contains(t, text, "after completion: COMMITTED")
	require.Contains(t, text, "db1 memory pending=0 committed=1")
	require.Contains(t, text, "db2 memory pending=0 committed=1")
	require.Equal(t, transaction.StatusNoTransaction, sh.session.Status())
}

func TestShell_FailedVoteRollsBack(t *testing.T) {
	sh, _ := newTestShell(t)
	run(t, sh, "rm add db1", "rm add db2 fail", "begin", "enlist db1", "enlist db2")

	err := sh.processCommand(context.Background(), []string{"commit"})
	require.ErrorIs(t, err, transaction.ErrRollback)
}

func TestShell_InjectedCommitFailureLeavesInDoubtLogEntry(t *testing.T) {
	sh, out := newTestShell(t)
	run(t, sh, "rm add db1", "rm add db2", "rm fail db2 commit", "begin", "enlist db1", "enlist db2")

	err := sh.processCommand(context.Background(), []string{"commit"})
	require.ErrorIs(t, err, transaction.ErrHeuristicMixed)

	out.Reset()
	run(t, sh, "log")
	require.Contains(t, out.String(), "state=unfinished")

	out.Reset()
	run(t, sh, "rm clear db2", "recover", "log")
	require.Contains(t, out.String(), "committed=1")
	require.NotContains(t, out.String(), "state=unfinished")
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newTestShell(t)
	ctx := context.Background()

	require.ErrorIs(t, sh.processCommand(ctx, []string{"commit"}), transaction.ErrIllegalState)
	require.ErrorContains(t, sh.processCommand(ctx, []string{"enlist", "nope"}), "unknown resource")
	require.ErrorContains(t, sh.processCommand(ctx, []string{"frobnicate"}), "unknown command")
	require.ErrorContains(t, sh.processCommand(ctx, []string{"timeout", "x"}), "timeout")

	run(t, sh, "begin")
	require.ErrorIs(t, sh.processCommand(ctx, []string{"begin"}), transaction.ErrNestedTransaction)
	require.ErrorIs(t, sh.processCommand(ctx, []string{"exit"}), errExit)
}
