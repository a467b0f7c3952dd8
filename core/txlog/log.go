package txlog

import (
	"context"
	"errors"
	"sort"

	"github.com/sushant-115/gojotx/core/transaction"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("transaction log is closed")

// Log is the durable record of commit decisions.
//
// Append returns only after the entry is on stable storage, with the
// exception of FORGOTTEN markers which may be buffered: losing one only
// causes recovery to re-deliver an already acknowledged decision.
type Log interface {
	Append(ctx context.Context, e Entry) (LSN, error)

	// Forget appends a FORGOTTEN marker for txid and lets the log reclaim
	// space held by the transaction's entries.
	Forget(ctx context.Context, txid transaction.Xid) error

	// Replay calls fn for every retained entry in LSN order. fn must not
	// call back into the log.
	Replay(ctx context.Context, fn func(Entry) error) error

	Close() error
}

// Sealer encrypts log payloads at rest. *encryption.Cipher satisfies it.
type Sealer interface {
	Seal(plaintext, additional []byte) ([]byte, error)
	Open(sealed, additional []byte) ([]byte, error)
}

// TxSummary is what the log knows about one transaction after replay.
type TxSummary struct {
	TxID      transaction.Xid
	Phase     Phase // latest non-FORGOTTEN phase
	Resources []string
	Forgotten bool
	FirstLSN  LSN
	LastLSN   LSN
}

// InDoubt reports whether the transaction prepared but no decision was logged.
func (s *TxSummary) InDoubt() bool {
	return !s.Forgotten && s.Phase == PhasePrepared
}

// Unfinished reports whether a logged decision may still be owed to some branch.
func (s *TxSummary) Unfinished() bool {
	return !s.Forgotten && (s.Phase == PhaseCommitted || s.Phase == PhaseRolledBack)
}

// Analyze replays l and folds its entries into one summary per transaction,
// ordered by first LSN.
func Analyze(ctx context.Context, l Log) ([]*TxSummary, error) {
	byTx := make(map[transaction.Xid]*TxSummary)
	err := l.Replay(ctx, func(e Entry) error {
		s, ok := byTx[e.TxID]
		if !ok {
			s = &TxSummary{TxID: e.TxID, FirstLSN: e.LSN}
			byTx[e.TxID] = s
		}
		s.LastLSN = e.LSN
		if e.Phase == PhaseForgotten {
			s.Forgotten = true
			return nil
		}
		s.Phase = e.Phase
		if len(e.Resources) > 0 {
			s.Resources = e.Resources
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*TxSummary, 0, len(byTx))
	for _, s := range byTx {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstLSN < out[j].FirstLSN })
	return out, nil
}
