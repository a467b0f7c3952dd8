package coordinator

import (
	"context"

	"github.com/sushant-115/gojotx/core/resource"
	"golang.org/x/sync/errgroup"
)

// ballot is one branch's answer to prepare.
type ballot struct {
	vote  resource.Vote
	err   error
	asked bool
}

// prepareAll collects votes in enlistment order. Sequential dispatch stops
// asking after the first FAIL; parallel dispatch asks every branch.
func (c *Coordinator) prepareAll(ctx context.Context, branches []*resource.Proxy) []ballot {
	ballots := make([]ballot, len(branches))
	if !c.parallel {
		for i, p := range branches {
			vote, err := p.Prepare(ctx)
			ballots[i] = ballot{vote: vote, err: err, asked: true}
			if vote == resource.VoteFail {
				break
			}
		}
		return ballots
	}

	var g errgroup.Group
	for i, p := range branches {
		g.Go(func() error {
			vote, err := p.Prepare(ctx)
			ballots[i] = ballot{vote: vote, err: err, asked: true}
			return nil
		})
	}
	_ = g.Wait()
	return ballots
}

// each calls fn for every branch and returns the per-branch errors in
// enlistment order. Every branch is called even when some fail.
func (c *Coordinator) each(ctx context.Context, branches []*resource.Proxy, fn func(context.Context, *resource.Proxy) error) []error {
	errs := make([]error, len(branches))
	if !c.parallel || len(branches) < 2 {
		for i, p := range branches {
			errs[i] = fn(ctx, p)
		}
		return errs
	}

	var g errgroup.Group
	for i, p := range branches {
		g.Go(func() error {
			errs[i] = fn(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
