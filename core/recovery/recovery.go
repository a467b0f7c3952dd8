// Package recovery resolves transactions left in doubt by a coordinator that
// stopped mid-protocol. It replays the transaction log, asks every resource
// manager which branches it still holds, and delivers the logged decision:
// commit for anything that reached PREPARED, rollback for everything the log
// does not know (presumed abort).
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txlog"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultInterval = 30 * time.Second

// Options configure a Recoverer.
type Options struct {
	// NodeID selects the branches that belong to this coordinator.
	NodeID string
	// Rate limits resource manager calls per second; zero is unlimited.
	Rate  float64
	Burst int
	// Interval between periodic passes started by Start.
	Interval time.Duration
	// IsActive reports whether a transaction is still owned by a live
	// coordinator in this process. Such transactions are left alone.
	IsActive func(transaction.Xid) bool
	Metrics  *internaltelemetry.TxMetrics
}

// Report summarises one recovery pass.
type Report struct {
	Committed  int // branches committed
	RolledBack int // branches rolled back
	Forgotten  int // transactions whose log entries were released
	Pending    int // transactions that could not be resolved this pass
}

// Recoverer runs recovery passes against a log and a set of resource managers.
type Recoverer struct {
	log      txlog.Log
	resolver resource.Resolver
	nodeID   string
	limiter  *rate.Limiter
	interval time.Duration
	isActive func(transaction.Xid) bool
	metrics  *internaltelemetry.TxMetrics
	logger   *zap.Logger

	passMu   sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func New(log txlog.Log, resolver resource.Resolver, logger *zap.Logger, opts Options) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.IsActive == nil {
		opts.IsActive = func(transaction.Xid) bool { return false }
	}
	return &Recoverer{
		log:      log,
		resolver: resolver,
		nodeID:   opts.NodeID,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		interval: opts.Interval,
		isActive: opts.IsActive,
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("component", "recovery"), zap.String("node", opts.NodeID)),
		stopChan: make(chan struct{}),
	}
}

// pass holds the state of one recovery run.
type pass struct {
	decisions map[transaction.Xid]txlog.Phase
	scanned   map[string]bool              // resource id -> Recover succeeded
	failed    map[transaction.Xid]struct{} // a branch of the transaction could not be resolved
	active    map[transaction.Xid]struct{} // branches were skipped because the transaction was live
	report    Report
}

// Run performs one recovery pass.
//
// The log is analysed before the managers are scanned, so a transaction
// may complete in between. A branch with no logged decision is only
// presumed aborted after the log has been read again, and a transaction
// seen live during the scan is left for the next pass.
func (r *Recoverer) Run(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	summaries, err := txlog.Analyze(ctx, r.log)
	if err != nil {
		return Report{}, transaction.SystemError("recovery analysis", err)
	}

	p := &pass{
		decisions: make(map[transaction.Xid]txlog.Phase, len(summaries)),
		scanned:   make(map[string]bool),
		failed:    make(map[transaction.Xid]struct{}),
		active:    make(map[transaction.Xid]struct{}),
	}
	p.learn(summaries)

	for _, rm := range r.resolver.Managers() {
		if err := r.recoverManager(ctx, p, rm); err != nil {
			if ctx.Err() != nil {
				return p.report, ctx.Err()
			}
			r.logger.Warn("Resource manager recovery scan failed",
				zap.String("resource", rm.ResourceID()), zap.Error(err))
			continue
		}
		p.scanned[rm.ResourceID()] = true
	}

	for _, s := range summaries {
		if !s.InDoubt() && !s.Unfinished() {
			continue
		}
		if _, live := p.active[s.TxID]; live || r.isActive(s.TxID) {
			continue
		}
		if !r.resolved(p, s) {
			p.report.Pending++
			continue
		}
		if err := r.close(ctx, s); err != nil {
			r.logger.Error("Failed to record recovered transaction", zap.String("txid", s.TxID.String()), zap.Error(err))
			p.report.Pending++
			continue
		}
		p.report.Forgotten++
	}

	if p.report != (Report{}) {
		r.logger.Info("Recovery pass finished",
			zap.Int("committed", p.report.Committed),
			zap.Int("rolled_back", p.report.RolledBack),
			zap.Int("forgotten", p.report.Forgotten),
			zap.Int("pending", p.report.Pending))
	}
	return p.report, nil
}

// learn records the latest logged phase of every summarised transaction.
func (p *pass) learn(summaries []*txlog.TxSummary) {
	for _, s := range summaries {
		if s.Phase != 0 {
			p.decisions[s.TxID] = s.Phase
		}
	}
}

// recoverManager delivers the logged decision to every branch rm still holds.
func (r *Recoverer) recoverManager(ctx context.Context, p *pass, rm resource.Manager) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	xids, err := rm.Recover(ctx, r.nodeID)
	if err != nil {
		return err
	}

	var unknown []transaction.Xid
	for _, xid := range xids {
		global := xid.GlobalID()
		if r.isActive(global) {
			p.active[global] = struct{}{}
			continue
		}
		if _, known := p.decisions[global]; !known {
			unknown = append(unknown, xid)
			continue
		}
		if err := r.deliver(ctx, p, rm, xid); err != nil {
			return err
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	// Every unknown branch was checked inactive above; its transaction's
	// entries, if any, are in the log by now.
	summaries, err := txlog.Analyze(ctx, r.log)
	if err != nil {
		r.logger.Warn("Could not re-read the log; presumed abort deferred",
			zap.String("resource", rm.ResourceID()), zap.Int("branches", len(unknown)), zap.Error(err))
		for _, xid := range unknown {
			p.failed[xid.GlobalID()] = struct{}{}
		}
		return nil
	}
	p.learn(summaries)
	for _, xid := range unknown {
		if err := r.deliver(ctx, p, rm, xid); err != nil {
			return err
		}
	}
	return nil
}

// deliver commits or rolls back one branch according to the decisions known
// to p. Only a limiter error is returned; branch failures are recorded in p.
func (r *Recoverer) deliver(ctx context.Context, p *pass, rm resource.Manager, xid transaction.Xid) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	global := xid.GlobalID()
	phase, known := p.decisions[global]
	commit := known && (phase == txlog.PhasePrepared || phase == txlog.PhaseCommitted)
	logger := r.logger.With(zap.String("resource", rm.ResourceID()), zap.String("branch", xid.String()))

	var err error
	if commit {
		err = rm.Commit(ctx, xid, false)
	} else {
		err = rm.Rollback(ctx, xid)
	}
	switch {
	case err == nil, errors.Is(err, resource.ErrUnknownBranch):
	case errors.Is(err, resource.ErrHeuristic):
		logger.Error("Branch completed heuristically during recovery", zap.Bool("commit", commit), zap.Error(err))
		if ferr := rm.Forget(ctx, xid); ferr != nil {
			logger.Warn("Failed to forget heuristic branch", zap.Error(ferr))
			p.failed[global] = struct{}{}
			return nil
		}
	default:
		logger.Warn("Recovery could not deliver decision", zap.Bool("commit", commit), zap.Error(err))
		p.failed[global] = struct{}{}
		return nil
	}

	if commit {
		p.report.Committed++
		r.metrics.Recovered(ctx, "commit")
		logger.Info("Recovered branch committed")
		return nil
	}
	p.report.RolledBack++
	r.metrics.Recovered(ctx, "rollback")
	if !known {
		logger.Info("Presumed abort: rolled back branch unknown to the log")
	} else {
		logger.Info("Recovered branch rolled back")
	}
	return nil
}

// resolved reports whether every manager listed for s has been scanned and
// none of its branches failed.
func (r *Recoverer) resolved(p *pass, s *txlog.TxSummary) bool {
	if _, bad := p.failed[s.TxID]; bad {
		return false
	}
	for _, id := range s.Resources {
		if _, ok := r.resolver.Resolve(id); !ok {
			r.logger.Warn("Transaction lists an unknown resource manager",
				zap.String("txid", s.TxID.String()), zap.String("resource", id))
			return false
		}
		if !p.scanned[id] {
			return false
		}
	}
	return true
}

// close records the delivered decision and forgets the transaction.
func (r *Recoverer) close(ctx context.Context, s *txlog.TxSummary) error {
	if s.InDoubt() {
		entry := txlog.Entry{TxID: s.TxID, Phase: txlog.PhaseCommitted, Resources: s.Resources}
		if _, err := r.log.Append(ctx, entry); err != nil {
			return fmt.Errorf("log recovered commit: %w", err)
		}
	}
	return r.log.Forget(ctx, s.TxID)
}

// Start runs a pass every interval until Stop.
func (r *Recoverer) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("Periodic recovery pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends periodic passes and waits for a running pass to finish.
func (r *Recoverer) Stop() {
	r.once.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}
