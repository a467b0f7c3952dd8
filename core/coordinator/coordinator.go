// Package coordinator drives the two-phase commit protocol for transaction
// records across their enlisted resource managers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txlog"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tracerName = "github.com/sushant-115/gojotx/core/coordinator"

// Options configure a Coordinator.
type Options struct {
	// NodeID identifies this coordinator in every transaction id it issues.
	// Recovery only resolves branches carrying this id.
	NodeID string
	// ParallelDispatch fans prepare, commit and rollback out to all branches
	// at once instead of calling them one by one.
	ParallelDispatch bool
	Metrics          *internaltelemetry.TxMetrics
	Tracer           trace.Tracer
	Now              func() time.Time
}

// Coordinator runs completion for the records it creates.
type Coordinator struct {
	nodeID   string
	log      txlog.Log
	logger   *zap.Logger
	parallel bool
	metrics  *internaltelemetry.TxMetrics
	tracer   trace.Tracer
	now      func() time.Time

	completed []func(*Record)
}

// New creates a coordinator writing its decisions to log.
func New(log txlog.Log, logger *zap.Logger, opts Options) (*Coordinator, error) {
	if log == nil {
		return nil, errors.New("coordinator requires a transaction log")
	}
	if opts.NodeID == "" {
		return nil, errors.New("coordinator requires a node id")
	}
	if strings.Contains(opts.NodeID, "/") {
		return nil, fmt.Errorf("node id %q must not contain '/'", opts.NodeID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		nodeID:   opts.NodeID,
		log:      log,
		logger:   logger.With(zap.String("component", "coordinator"), zap.String("node", opts.NodeID)),
		parallel: opts.ParallelDispatch,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Now,
	}, nil
}

func (c *Coordinator) NodeID() string { return c.nodeID }

// OnCompleted registers fn to run after every completion, once the record is
// terminal and its after-completion callbacks have run. It must be called
// before the first transaction begins.
func (c *Coordinator) OnCompleted(fn func(*Record)) {
	c.completed = append(c.completed, fn)
}

// Begin creates an ACTIVE record. A positive timeout sets its deadline.
func (c *Coordinator) Begin(ctx context.Context, timeout time.Duration) (*Record, error) {
	id, err := transaction.NewXid(c.nodeID)
	if err != nil {
		c.logger.Error("Failed to allocate transaction id", zap.Error(err))
		return nil, err
	}
	r := newRecord(c, id, c.now(), timeout)
	c.metrics.Begun(ctx)
	r.logger.Debug("Transaction begun", zap.Duration("timeout", timeout))
	return r, nil
}

func rollbackError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), transaction.ErrRollback)
}

// Commit completes r. It returns nil when every branch committed,
// ErrRollback when the transaction was rolled back instead, and a
// *transaction.HeuristicError when branches did not follow the commit
// decision. Once started, completion runs to the end regardless of ctx;
// a ctx already cancelled on entry rolls the transaction back.
func (c *Coordinator) Commit(ctx context.Context, r *Record) (err error) {
	r.completion.Lock()
	defer r.completion.Unlock()

	if st := r.Status(); st != transaction.StatusActive && st != transaction.StatusMarkedRollback {
		return transaction.IllegalState("commit", st)
	}
	start := c.now()
	r.expireLocked(start)

	cause := ctx.Err()
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "tx.commit",
		trace.WithAttributes(attribute.String("txid", r.id.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if cause != nil {
		if rbErr := c.rollbackLocked(ctx, r, start); rbErr != nil {
			return rbErr
		}
		return fmt.Errorf("commit abandoned before it started: %w: %w", transaction.ErrRollback, cause)
	}

	if !r.RollbackOnly() {
		c.beforeCompletion(ctx, r)
	}

	branches, preparing, err := r.freeze(true)
	if err != nil {
		return err
	}
	if !preparing {
		c.abort(ctx, r, branches)
		c.finish(ctx, r, start)
		return rollbackError("transaction %s was marked rollback-only", r.id)
	}

	if failed := r.failedDelistments(); len(failed) > 0 {
		r.moveTo(transaction.StatusRollingBack)
		c.abort(ctx, r, branches)
		c.finish(ctx, r, start)
		return rollbackError("delistment failed for %v", failed)
	}
	if r.RollbackOnly() {
		r.moveTo(transaction.StatusRollingBack)
		c.abort(ctx, r, branches)
		c.finish(ctx, r, start)
		return rollbackError("transaction %s was marked rollback-only", r.id)
	}

	switch len(branches) {
	case 0:
		r.moveTo(transaction.StatusPrepared)
		r.moveTo(transaction.StatusCommitting)
		r.moveTo(transaction.StatusCommitted)
		c.finish(ctx, r, start)
		return nil
	case 1:
		return c.commitOnePhase(ctx, r, branches[0], start)
	default:
		return c.commitTwoPhase(ctx, r, branches, start)
	}
}

// commitOnePhase commits the only branch without a vote. No log entry is
// needed: the manager's own commit is the decision.
func (c *Coordinator) commitOnePhase(ctx context.Context, r *Record, p *resource.Proxy, start time.Time) error {
	ctx, span := c.tracer.Start(ctx, "tx.commit.one_phase")
	defer span.End()

	r.moveTo(transaction.StatusPrepared)
	r.moveTo(transaction.StatusCommitting)

	err := p.Commit(ctx, true)
	switch {
	case err == nil:
		r.moveTo(transaction.StatusCommitted)
		c.finish(ctx, r, start)
		return nil
	case errors.Is(err, resource.ErrBranchRolledBack):
		r.moveTo(transaction.StatusRolledBack)
		c.finish(ctx, r, start)
		return rollbackError("%s rolled back its branch", p.ResourceID())
	default:
		r.logger.Error("One-phase commit failed", zap.String("resource", p.ResourceID()), zap.Error(err))
		r.moveTo(transaction.StatusRolledBack)
		herr := &transaction.HeuristicError{
			TxID:     r.id,
			Outcome:  transaction.OutcomeRolledBack,
			Failures: []transaction.BranchFailure{{ResourceID: p.ResourceID(), Err: err}},
		}
		c.metrics.Heuristic(ctx, herr.Outcome.String())
		c.finish(ctx, r, start)
		return herr
	}
}

func (c *Coordinator) commitTwoPhase(ctx context.Context, r *Record, branches []*resource.Proxy, start time.Time) error {
	prepCtx, span := c.tracer.Start(ctx, "tx.prepare", trace.WithAttributes(attribute.Int("branches", len(branches))))
	ballots := c.prepareAll(prepCtx, branches)
	span.End()

	var (
		voters   []*resource.Proxy // voted OK
		unasked  []*resource.Proxy
		failed   bool
		voteErrs error
	)
	for i, b := range ballots {
		p := branches[i]
		switch {
		case !b.asked:
			unasked = append(unasked, p)
		case b.vote == resource.VoteOK:
			voters = append(voters, p)
		case b.vote == resource.VoteReadOnly:
		default:
			failed = true
			if b.err == nil {
				b.err = errors.New("voted FAIL")
			}
			voteErrs = multierr.Append(voteErrs, fmt.Errorf("%s: %w", p.ResourceID(), b.err))
		}
	}

	if failed || r.RollbackOnly() {
		r.moveTo(transaction.StatusRollingBack)
		c.abort(ctx, r, append(voters, unasked...))
		c.finish(ctx, r, start)
		if failed {
			r.logger.Info("Prepare failed; transaction rolled back", zap.Error(voteErrs))
			return fmt.Errorf("prepare failed: %w: %w", transaction.ErrRollback, voteErrs)
		}
		return rollbackError("transaction %s was marked rollback-only during prepare", r.id)
	}

	r.moveTo(transaction.StatusPrepared)
	if len(voters) == 0 {
		// Every branch was read-only; there is nothing to decide.
		r.moveTo(transaction.StatusCommitting)
		r.moveTo(transaction.StatusCommitted)
		c.finish(ctx, r, start)
		return nil
	}

	resources := make([]string, len(voters))
	for i, p := range voters {
		resources[i] = p.ResourceID()
	}
	if _, err := c.log.Append(ctx, txlog.Entry{TxID: r.id, Phase: txlog.PhasePrepared, Resources: resources}); err != nil {
		sysErr := transaction.SystemError("log prepared", err)
		r.logger.Error("Failed to make the prepared state durable; rolling back", zap.Error(err))
		r.moveTo(transaction.StatusRollingBack)
		c.abort(ctx, r, voters)
		c.finish(ctx, r, start)
		return fmt.Errorf("%w: %w", transaction.ErrRollback, sysErr)
	}

	r.moveTo(transaction.StatusCommitting)
	commitCtx, span := c.tracer.Start(ctx, "tx.commit.dispatch")
	errs := c.each(commitCtx, voters, func(ctx context.Context, p *resource.Proxy) error {
		err := p.Commit(ctx, false)
		if errors.Is(err, resource.ErrUnknownBranch) {
			return nil
		}
		return err
	})
	span.End()

	var failures []transaction.BranchFailure
	for i, err := range errs {
		if err != nil {
			r.logger.Warn("Branch did not commit", zap.String("resource", voters[i].ResourceID()), zap.Error(err))
			failures = append(failures, transaction.BranchFailure{ResourceID: voters[i].ResourceID(), Err: err})
		}
	}

	outcome := transaction.ClassifyOutcome(len(voters), len(failures))
	final, phase := transaction.StatusCommitted, txlog.PhaseCommitted
	if outcome == transaction.OutcomeRolledBack {
		final, phase = transaction.StatusRolledBack, txlog.PhaseRolledBack
	}
	logged := c.appendDecision(ctx, r, phase, resources)
	r.moveTo(final)

	if outcome == transaction.OutcomeCommitted {
		if logged {
			c.forget(ctx, r)
		}
		c.finish(ctx, r, start)
		return nil
	}

	c.forgetHeuristic(ctx, r, voters, errs)
	c.metrics.Heuristic(ctx, outcome.String())
	r.logger.Error("Transaction completed with a heuristic outcome",
		zap.Stringer("outcome", outcome), zap.Int("failed", len(failures)), zap.Int("branches", len(voters)))
	c.finish(ctx, r, start)
	return &transaction.HeuristicError{TxID: r.id, Outcome: outcome, Failures: failures}
}

// Rollback rolls r back. Branch failures are logged and left to recovery,
// which rolls back any branch the log does not know about.
func (c *Coordinator) Rollback(ctx context.Context, r *Record) error {
	r.completion.Lock()
	defer r.completion.Unlock()

	if st := r.Status(); st != transaction.StatusActive && st != transaction.StatusMarkedRollback {
		return transaction.IllegalState("rollback", st)
	}
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "tx.rollback",
		trace.WithAttributes(attribute.String("txid", r.id.String())))
	defer span.End()
	return c.rollbackLocked(ctx, r, c.now())
}

func (c *Coordinator) rollbackLocked(ctx context.Context, r *Record, start time.Time) error {
	branches, _, err := r.freeze(false)
	if err != nil {
		return err
	}
	c.abort(ctx, r, branches)
	c.finish(ctx, r, start)
	return nil
}

// abort delivers rollback to branches and completes r as ROLLED_BACK.
// r must already be ROLLING_BACK.
func (c *Coordinator) abort(ctx context.Context, r *Record, branches []*resource.Proxy) {
	ctx, span := c.tracer.Start(ctx, "tx.rollback.dispatch", trace.WithAttributes(attribute.Int("branches", len(branches))))
	defer span.End()

	errs := c.each(ctx, branches, func(ctx context.Context, p *resource.Proxy) error {
		return p.Rollback(ctx)
	})
	for i, err := range errs {
		if err != nil {
			r.logger.Warn("Branch rollback failed; left to recovery",
				zap.String("resource", branches[i].ResourceID()), zap.Error(err))
		}
	}
	r.moveTo(transaction.StatusRolledBack)
}

// beforeCompletion runs every before-completion callback in registration
// order. Any failure marks r rollback-only.
func (c *Coordinator) beforeCompletion(ctx context.Context, r *Record) {
	var errs error
	for _, s := range r.synchronizations() {
		if err := s.BeforeCompletion(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		r.logger.Warn("Before-completion callback failed; marking rollback-only", zap.Error(errs))
		_ = r.SetRollbackOnly()
	}
}

// finish runs the after-completion callbacks with the final status and
// records the completion. Callback failures never change the outcome.
func (c *Coordinator) finish(ctx context.Context, r *Record, start time.Time) {
	status := r.Status()
	var errs error
	for _, s := range r.synchronizations() {
		errs = multierr.Append(errs, s.AfterCompletion(ctx, status))
	}
	if errs != nil {
		r.logger.Warn("After-completion callbacks failed", zap.Stringer("status", status), zap.Error(errs))
	}
	elapsed := c.now().Sub(start)
	c.metrics.Completed(ctx, status.String(), elapsed)
	r.logger.Debug("Transaction completed", zap.Stringer("status", status), zap.Duration("elapsed", elapsed))
	for _, fn := range c.completed {
		fn(r)
	}
}

func (c *Coordinator) appendDecision(ctx context.Context, r *Record, phase txlog.Phase, resources []string) bool {
	_, err := c.log.Append(ctx, txlog.Entry{TxID: r.id, Phase: phase, Resources: resources})
	if err != nil {
		r.logger.Error("Failed to log decision; recovery will deliver it again",
			zap.Stringer("phase", phase), zap.Error(err))
		return false
	}
	return true
}

func (c *Coordinator) forget(ctx context.Context, r *Record) {
	if err := c.log.Forget(ctx, r.id); err != nil {
		r.logger.Warn("Failed to forget completed transaction", zap.Error(err))
	}
}

// forgetHeuristic tells managers that completed a branch heuristically that
// the outcome has been recorded.
func (c *Coordinator) forgetHeuristic(ctx context.Context, r *Record, branches []*resource.Proxy, errs []error) {
	for i, err := range errs {
		if err == nil || !errors.Is(err, resource.ErrHeuristic) {
			continue
		}
		if ferr := branches[i].Forget(ctx); ferr != nil {
			r.logger.Warn("Failed to forget heuristic branch",
				zap.String("resource", branches[i].ResourceID()), zap.Error(ferr))
		}
	}
}
