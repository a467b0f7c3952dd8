// Package manager is the caller-facing transaction manager. A Session is the
// explicit execution context that carries at most one active transaction.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Op names an operation checked by an Authorizer.
type Op string

const (
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
)

// Authorizer decides whether the caller in ctx may complete txid.
// A non-nil error denies the operation.
type Authorizer interface {
	Authorize(ctx context.Context, op Op, txid transaction.Xid) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, op Op, txid transaction.Xid) error

func (f AuthorizerFunc) Authorize(ctx context.Context, op Op, txid transaction.Xid) error {
	return f(ctx, op, txid)
}

var errClosed = errors.New("transaction manager is closed")

// Options configure a Manager.
type Options struct {
	// DefaultTimeout applies to sessions that did not set their own.
	// Zero means transactions never time out.
	DefaultTimeout time.Duration
	Authorizer     Authorizer
}

// Manager tracks every transaction that has begun and not yet completed.
type Manager struct {
	coord          *coordinator.Coordinator
	logger         *zap.Logger
	defaultTimeout time.Duration
	authorizer     Authorizer

	mu     sync.RWMutex
	active map[transaction.Xid]*coordinator.Record
	closed bool
}

// New creates a manager whose transactions are completed by coord.
func New(coord *coordinator.Coordinator, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		coord:          coord,
		logger:         logger.With(zap.String("component", "manager")),
		defaultTimeout: opts.DefaultTimeout,
		authorizer:     opts.Authorizer,
		active:         make(map[transaction.Xid]*coordinator.Record),
	}
	// Records completed through their own handle are evicted too.
	coord.OnCompleted(m.evict)
	return m
}

func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }
func (m *Manager) DefaultTimeout() time.Duration         { return m.defaultTimeout }

// NewSession returns an execution context with no transaction.
func (m *Manager) NewSession() *Session {
	return &Session{m: m}
}

// Active returns the records not yet evicted, oldest first.
func (m *Manager) Active() []*coordinator.Record {
	m.mu.RLock()
	out := make([]*coordinator.Record, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Snapshot(), out[j].Snapshot()
		if !si.Created.Equal(sj.Created) {
			return si.Created.Before(sj.Created)
		}
		return si.ID.String() < sj.ID.String()
	})
	return out
}

// Lookup finds an active record by its global id.
func (m *Manager) Lookup(id transaction.Xid) (*coordinator.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.active[id.GlobalID()]
	return r, ok
}

func (m *Manager) begin(ctx context.Context, timeout time.Duration) (*coordinator.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, transaction.SystemError("begin", errClosed)
	}
	r, err := m.coord.Begin(ctx, timeout)
	if err != nil {
		return nil, err
	}
	m.active[r.ID()] = r
	return r, nil
}

// evict drops r once it reached a terminal status.
func (m *Manager) evict(r *coordinator.Record) {
	if !r.Status().IsTerminal() {
		return
	}
	m.mu.Lock()
	delete(m.active, r.ID())
	m.mu.Unlock()
}

func (m *Manager) authorize(ctx context.Context, op Op, r *coordinator.Record) error {
	if m.authorizer == nil {
		return nil
	}
	if err := m.authorizer.Authorize(ctx, op, r.ID()); err != nil {
		m.logger.Warn("Completion denied", zap.String("op", string(op)),
			zap.String("txid", r.ID().String()), zap.Error(err))
		return fmt.Errorf("%s %s: %w: %v", op, r.ID(), transaction.ErrSecurity, err)
	}
	return nil
}

// Close rolls back every transaction still active and rejects new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs error
	for _, r := range m.Active() {
		err := m.coord.Rollback(ctx, r)
		if err != nil && !errors.Is(err, transaction.ErrIllegalState) {
			errs = multierr.Append(errs, err)
		}
		m.evict(r)
		m.logger.Info("Rolled back transaction on shutdown", zap.String("txid", r.ID().String()))
	}
	return errs
}
