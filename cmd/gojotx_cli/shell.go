package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/resource/remote"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txlog"
	"github.com/sushant-115/gojotx/internal/app"
	"go.uber.org/zap"
)

var errExit = errors.New("exit")

// shell drives an embedded coordinator node. Every command runs on the
// caller's goroutine.
type shell struct {
	node    *app.Node
	session *manager.Session
	memory  map[string]*resource.MemoryManager
	remotes []*remote.Client
	logger  *zap.Logger
	out     io.Writer
}

func newShell(node *app.Node, logger *zap.Logger, out io.Writer) *shell {
	return &shell{
		node:    node,
		session: node.Manager.NewSession(),
		memory:  make(map[string]*resource.MemoryManager),
		logger:  logger,
		out:     out,
	}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// processCommand runs one command line. It returns errExit for exit/quit.
func (s *shell) processCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "begin":
		return s.session.Begin(ctx)
	case "commit":
		return s.session.Commit(ctx)
	case "rollback":
		return s.session.Rollback(ctx)
	case "rollback-only":
		return s.session.SetRollbackOnly()
	case "timeout":
		if len(args) < 2 {
			return errors.New("usage: timeout <seconds>")
		}
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		return s.session.SetTransactionTimeout(secs)
	case "status":
		s.printf("%s\n", s.session.Status())
		if r := s.session.Transaction(); r != nil {
			snap := r.Snapshot()
			s.printf("  id=%s rollback_only=%t resources=%s\n", snap.ID, snap.RollbackOnly, strings.Join(snap.Resources, ","))
		}
		return nil
	case "enlist":
		rm, err := s.resolve(args)
		if err != nil {
			return err
		}
		ok, err := s.session.EnlistResource(ctx, rm)
		if err != nil {
			return err
		}
		if !ok {
			s.printf("%s declined enlistment\n", rm.ResourceID())
		}
		return nil
	case "delist":
		rm, err := s.resolve(args)
		if err != nil {
			return err
		}
		flag := resource.DelistSuccess
		if len(args) > 2 {
			if flag, err = parseDelistFlag(args[2]); err != nil {
				return err
			}
		}
		ok, err := s.session.DelistResource(ctx, rm, flag)
		if err != nil {
			return err
		}
		if !ok {
			s.printf("%s is not enlisted\n", rm.ResourceID())
		}
		return nil
	case "sync":
		return s.session.RegisterSynchronization(transaction.SyncFuncs{
			Before: func(context.Context) error {
				s.printf("before completion\n")
				return nil
			},
			After: func(_ context.Context, st transaction.Status) error {
				s.printf("after completion: %s\n", st)
				return nil
			},
		})
	case "rm":
		return s.rmCommand(ctx, args[1:])
	case "txs":
		for _, tx := range s.node.Status().Transactions {
			s.printf("%s %s rollback_only=%t resources=%s\n", tx.ID, tx.Status, tx.RollbackOnly, strings.Join(tx.Resources, ","))
		}
		return nil
	case "recover":
		report, err := s.node.Recoverer.Run(ctx)
		if err != nil {
			return err
		}
		s.printf("committed=%d rolled_back=%d forgotten=%d pending=%d\n",
			report.Committed, report.RolledBack, report.Forgotten, report.Pending)
		return nil
	case "log":
		return printLog(ctx, s.out, s.node.Log)
	case "probe":
		if err := s.node.Probe(ctx); err != nil {
			return err
		}
		s.printf("probe committed\n")
		return nil
	case "help":
		s.printf("%s", helpText)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

func (s *shell) rmCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: rm add|connect|list|fail|clear ...")
	}
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 2 {
			return errors.New("usage: rm add <id> [ok|readonly|fail]")
		}
		if _, exists := s.node.Resources[args[1]]; exists {
			return fmt.Errorf("resource %s already exists", args[1])
		}
		rm := resource.NewMemoryManager(args[1], s.logger)
		if len(args) > 2 {
			vote, err := parseVote(args[2])
			if err != nil {
				return err
			}
			rm.SetVote(vote)
		}
		s.memory[args[1]] = rm
		s.node.Resources[args[1]] = rm
		return nil
	case "connect":
		if len(args) < 2 {
			return errors.New("usage: rm connect <host:port>")
		}
		c, err := remote.Dial(ctx, args[1], s.logger, remote.ClientOptions{})
		if err != nil {
			return err
		}
		if _, exists := s.node.Resources[c.ResourceID()]; exists {
			_ = c.Close()
			return fmt.Errorf("resource %s already exists", c.ResourceID())
		}
		s.node.Resources[c.ResourceID()] = c
		s.remotes = append(s.remotes, c)
		s.printf("connected to %s\n", c.ResourceID())
		return nil
	case "list":
		ids := make([]string, 0, len(s.node.Resources))
		for id := range s.node.Resources {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if m, ok := s.memory[id]; ok {
				s.printf("%s memory pending=%d committed=%d\n", id, m.Pending(), len(m.Committed()))
			} else {
				s.printf("%s remote\n", id)
			}
		}
		return nil
	case "fail":
		if len(args) < 3 {
			return errors.New("usage: rm fail <id> <start|end|prepare|commit|rollback|forget|recover>")
		}
		m, ok := s.memory[args[1]]
		if !ok {
			return fmt.Errorf("no in-memory resource %s", args[1])
		}
		m.FailOn(resource.Op(strings.ToLower(args[2])), fmt.Errorf("injected %s failure", args[2]))
		return nil
	case "clear":
		if len(args) < 2 {
			return errors.New("usage: rm clear <id>")
		}
		m, ok := s.memory[args[1]]
		if !ok {
			return fmt.Errorf("no in-memory resource %s", args[1])
		}
		m.ClearFailures()
		return nil
	default:
		return fmt.Errorf("unknown rm command %q", args[0])
	}
}

// close releases connections opened by rm connect.
func (s *shell) close() {
	for _, c := range s.remotes {
		_ = c.Close()
	}
	s.remotes = nil
}

func (s *shell) resolve(args []string) (resource.Manager, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: %s <resource id>", args[0])
	}
	rm, ok := s.node.Resources.Resolve(args[1])
	if !ok {
		return nil, fmt.Errorf("unknown resource %s", args[1])
	}
	return rm, nil
}

func parseVote(s string) (resource.Vote, error) {
	switch strings.ToLower(s) {
	case "ok":
		return resource.VoteOK, nil
	case "readonly":
		return resource.VoteReadOnly, nil
	case "fail":
		return resource.VoteFail, nil
	}
	return resource.VoteFail, fmt.Errorf("unknown vote %q", s)
}

func parseDelistFlag(s string) (resource.DelistFlag, error) {
	switch strings.ToLower(s) {
	case "success":
		return resource.DelistSuccess, nil
	case "suspend":
		return resource.DelistSuspend, nil
	case "fail":
		return resource.DelistFail, nil
	}
	return resource.DelistSuccess, fmt.Errorf("unknown delist flag %q", s)
}

// printLog writes one line per transaction found in l.
func printLog(ctx context.Context, out io.Writer, l txlog.Log) error {
	summaries, err := txlog.Analyze(ctx, l)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		state := "done"
		switch {
		case s.InDoubt():
			state = "in-doubt"
		case s.Unfinished():
			state = "unfinished"
		}
		fmt.Fprintf(out, "%s lsn=%d..%d phase=%s forgotten=%t state=%s resources=%s\n",
			s.TxID, s.FirstLSN, s.LastLSN, s.Phase, s.Forgotten, state, strings.Join(s.Resources, ","))
	}
	return nil
}

const helpText = `Commands:
  begin | commit | rollback | rollback-only | status
  timeout <seconds>
  enlist <resource> | delist <resource> [success|suspend|fail]
  sync                         register a synchronization that prints its callbacks
  rm add <id> [ok|readonly|fail]
  rm connect <host:port>
  rm list | rm fail <id> <op> | rm clear <id>
  txs                          list active transactions
  recover                      run one recovery pass
  log                          print the transaction log
  probe                        commit one transaction across every resource
  help | exit | quit
`
