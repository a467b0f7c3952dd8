package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojotx/core/transaction"
)

// BranchState is the coordinator-side view of one resource manager branch.
type BranchState int

const (
	BranchNotEnlisted BranchState = iota
	BranchActive
	BranchSuspended
	BranchPrepared
	BranchEnded
	BranchFailed
)

func (s BranchState) String() string {
	switch s {
	case BranchNotEnlisted:
		return "NOT_ENLISTED"
	case BranchActive:
		return "ACTIVE"
	case BranchSuspended:
		return "SUSPENDED"
	case BranchPrepared:
		return "PREPARED"
	case BranchEnded:
		return "ENDED"
	case BranchFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("BranchState(%d)", int(s))
	}
}

// Proxy wraps one Manager for the lifetime of one branch. It is owned by the
// transaction record that enlisted it.
type Proxy struct {
	rm  Manager
	xid transaction.Xid

	mu    sync.Mutex
	state BranchState
}

// NewProxy creates an unenlisted proxy for the branch xid of rm.
func NewProxy(rm Manager, xid transaction.Xid) *Proxy {
	return &Proxy{rm: rm, xid: xid}
}

func (p *Proxy) ResourceID() string   { return p.rm.ResourceID() }
func (p *Proxy) Xid() transaction.Xid { return p.xid }
func (p *Proxy) Manager() Manager     { return p.rm }

func (p *Proxy) State() BranchState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Enlist associates the branch with the manager. A manager reporting that it
// already holds the branch is joined instead of starting a duplicate.
// ErrDeclined is passed through untouched.
func (p *Proxy) Enlist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case BranchActive:
		return nil
	case BranchSuspended:
		if err := p.rm.Start(ctx, p.xid, StartResume); err != nil {
			return err
		}
	case BranchEnded:
		if err := p.rm.Start(ctx, p.xid, StartJoin); err != nil {
			return err
		}
	case BranchNotEnlisted:
		err := p.rm.Start(ctx, p.xid, StartNew)
		if errors.Is(err, ErrBranchExists) {
			err = p.rm.Start(ctx, p.xid, StartJoin)
		}
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("enlist branch %s in state %s: %w", p.xid, p.state, transaction.ErrIllegalState)
	}
	p.state = BranchActive
	return nil
}

// Delist ends the work association with the given flag.
func (p *Proxy) Delist(ctx context.Context, flag DelistFlag) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != BranchActive && p.state != BranchSuspended {
		return fmt.Errorf("delist branch %s in state %s: %w", p.xid, p.state, transaction.ErrIllegalState)
	}
	if p.state == BranchSuspended && flag == DelistSuspend {
		return nil
	}
	if err := p.rm.End(ctx, p.xid, flag); err != nil {
		p.state = BranchFailed
		return err
	}
	switch flag {
	case DelistSuspend:
		p.state = BranchSuspended
	case DelistFail:
		p.state = BranchFailed
	default:
		p.state = BranchEnded
	}
	return nil
}

// endLocked closes a still-open work association before completion.
func (p *Proxy) endLocked(ctx context.Context, flag DelistFlag) error {
	if p.state != BranchActive && p.state != BranchSuspended {
		return nil
	}
	if err := p.rm.End(ctx, p.xid, flag); err != nil {
		p.state = BranchFailed
		return err
	}
	p.state = BranchEnded
	return nil
}

// Prepare asks for a vote. Any error, including failing to end the work
// association, is reported as VoteFail together with the cause.
func (p *Proxy) Prepare(ctx context.Context) (Vote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.endLocked(ctx, DelistSuccess); err != nil {
		return VoteFail, err
	}
	if p.state == BranchFailed {
		return VoteFail, fmt.Errorf("branch %s failed before prepare", p.xid)
	}
	vote, err := p.rm.Prepare(ctx, p.xid)
	if err != nil {
		p.state = BranchFailed
		return VoteFail, err
	}
	switch vote {
	case VoteOK:
		p.state = BranchPrepared
	case VoteReadOnly:
		p.state = BranchEnded
	default:
		p.state = BranchFailed
	}
	return vote, nil
}

// Commit delivers the commit decision. onePhase is used when this is the
// only branch and no prepare was requested.
func (p *Proxy) Commit(ctx context.Context, onePhase bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if onePhase {
		if err := p.endLocked(ctx, DelistSuccess); err != nil {
			return err
		}
	}
	if err := p.rm.Commit(ctx, p.xid, onePhase); err != nil {
		return err
	}
	p.state = BranchEnded
	return nil
}

// Rollback delivers the rollback decision. A failure to end the work
// association first is ignored; the manager rolls back either way.
func (p *Proxy) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.endLocked(ctx, DelistFail)
	if err := p.rm.Rollback(ctx, p.xid); err != nil && !errors.Is(err, ErrUnknownBranch) {
		return err
	}
	p.state = BranchEnded
	return nil
}

// Forget clears heuristic state held by the manager for this branch.
func (p *Proxy) Forget(ctx context.Context) error {
	return p.rm.Forget(ctx, p.xid)
}
