package txlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

// StoreLog keeps the transaction log in a raft.LogStore, one raft log per
// entry with the entry's LSN as the raft index. BoltStore gives a single-file
// durable log; InmemStore is handy for tests.
type StoreLog struct {
	store  raft.LogStore
	closer io.Closer
	logger *zap.Logger

	mu        sync.Mutex
	nextIndex uint64
	retained  []indexedTx // oldest first
	forgotten map[transaction.Xid]struct{}
	closed    bool
}

type indexedTx struct {
	index uint64
	txid  transaction.Xid
}

var _ Log = (*StoreLog)(nil)

// OpenBoltLog opens a bolt-backed log at path.
func OpenBoltLog(path string, logger *zap.Logger) (*StoreLog, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt log store %s: %w", path, err)
	}
	l, err := NewStoreLog(store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	l.closer = store
	return l, nil
}

// NewStoreLog indexes the entries already in store. The caller keeps
// ownership of store.
func NewStoreLog(store raft.LogStore, logger *zap.Logger) (*StoreLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &StoreLog{
		store:     store,
		logger:    logger.With(zap.String("component", "txlog")),
		nextIndex: 1,
		forgotten: make(map[transaction.Xid]struct{}),
	}

	err := l.scan(func(idx uint64, e Entry) error {
		l.retained = append(l.retained, indexedTx{index: idx, txid: e.TxID})
		if e.Phase == PhaseForgotten {
			l.forgotten[e.TxID] = struct{}{}
		}
		l.nextIndex = idx + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.collectLocked()
	l.logger.Info("Transaction log store opened",
		zap.Int("entries", len(l.retained)), zap.Uint64("next_lsn", l.nextIndex))
	return l, nil
}

func (l *StoreLog) scan(fn func(uint64, Entry) error) error {
	first, err := l.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("failed to read first log index: %w", err)
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return fmt.Errorf("failed to read last log index: %w", err)
	}
	if first == 0 {
		return nil
	}
	for idx := first; idx <= last; idx++ {
		var rl raft.Log
		if err := l.store.GetLog(idx, &rl); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return fmt.Errorf("failed to read log index %d: %w", idx, err)
		}
		e, err := UnmarshalEntry(rl.Data)
		if err != nil {
			return fmt.Errorf("failed to decode log index %d: %w", idx, err)
		}
		if err := fn(idx, e); err != nil {
			return err
		}
	}
	return nil
}

func (l *StoreLog) Append(ctx context.Context, e Entry) (LSN, error) {
	if err := ctx.Err(); err != nil {
		return InvalidLSN, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(e)
}

func (l *StoreLog) appendLocked(e Entry) (LSN, error) {
	if l.closed {
		return InvalidLSN, ErrClosed
	}
	e.LSN = LSN(l.nextIndex)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	rl := &raft.Log{
		Index:      l.nextIndex,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       e.Marshal(),
		AppendedAt: e.Timestamp,
	}
	if err := l.store.StoreLog(rl); err != nil {
		return InvalidLSN, fmt.Errorf("failed to store log entry %d: %w", rl.Index, err)
	}
	l.retained = append(l.retained, indexedTx{index: l.nextIndex, txid: e.TxID})
	l.nextIndex++
	if e.Phase == PhaseForgotten {
		l.forgotten[e.TxID] = struct{}{}
	}
	return e.LSN, nil
}

func (l *StoreLog) Forget(ctx context.Context, txid transaction.Xid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.appendLocked(Entry{TxID: txid, Phase: PhaseForgotten}); err != nil {
		return err
	}
	l.collectLocked()
	return nil
}

// collectLocked deletes the longest prefix of entries that belong to
// forgotten transactions.
func (l *StoreLog) collectLocked() {
	n := 0
	for _, it := range l.retained {
		if _, ok := l.forgotten[it.txid]; !ok {
			break
		}
		n++
	}
	if n == 0 {
		return
	}
	lo, hi := l.retained[0].index, l.retained[n-1].index
	if err := l.store.DeleteRange(lo, hi); err != nil {
		l.logger.Warn("Failed to delete forgotten log entries",
			zap.Uint64("from", lo), zap.Uint64("to", hi), zap.Error(err))
		return
	}
	removed := l.retained[:n]
	l.retained = append([]indexedTx(nil), l.retained[n:]...)

	live := make(map[transaction.Xid]struct{}, len(l.retained))
	for _, it := range l.retained {
		live[it.txid] = struct{}{}
	}
	for _, it := range removed {
		if _, ok := live[it.txid]; !ok {
			delete(l.forgotten, it.txid)
		}
	}
	l.logger.Debug("Collected forgotten log entries", zap.Uint64("from", lo), zap.Uint64("to", hi))
}

func (l *StoreLog) Replay(ctx context.Context, fn func(Entry) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	var all []Entry
	err := l.scan(func(_ uint64, e Entry) error {
		all = append(all, e)
		return nil
	})
	l.mu.Unlock()
	if err != nil {
		return err
	}

	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying store if the log opened it.
func (l *StoreLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
