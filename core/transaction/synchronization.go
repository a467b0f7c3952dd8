package transaction

import "context"

// Synchronization is notified around the completion of a transaction.
// BeforeCompletion runs before the prepare phase; a returned error forces the
// transaction to roll back. AfterCompletion runs once the outcome is final
// and cannot change it.
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status Status) error
}

// SyncFuncs adapts plain functions to Synchronization. Nil fields are no-ops.
type SyncFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, status Status) error
}

func (s SyncFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SyncFuncs) AfterCompletion(ctx context.Context, status Status) error {
	if s.After == nil {
		return nil
	}
	return s.After(ctx, status)
}
