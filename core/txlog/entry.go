// Package txlog is the coordinator's write-ahead transaction log. It records
// commit decisions durably so that a restarted coordinator can finish every
// transaction that was in doubt when it stopped.
package txlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojotx/core/transaction"
	"google.golang.org/protobuf/encoding/protowire"
)

// LSN is the position of an entry in the log, 1-based and monotonically increasing.
type LSN uint64

const InvalidLSN LSN = 0

// Phase marks what an entry records about its transaction.
type Phase byte

const (
	PhasePrepared   Phase = iota + 1 // all branches voted OK; commit is the only valid decision
	PhaseCommitted                   // commit decision delivered
	PhaseRolledBack                  // rollback decision delivered
	PhaseForgotten                   // every branch acknowledged; entries of the transaction may be collected
)

func (p Phase) String() string {
	switch p {
	case PhasePrepared:
		return "PREPARED"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseRolledBack:
		return "ROLLED_BACK"
	case PhaseForgotten:
		return "FORGOTTEN"
	default:
		return fmt.Sprintf("Phase(%d)", byte(p))
	}
}

// Entry is one immutable log record.
type Entry struct {
	LSN       LSN
	TxID      transaction.Xid // global id, branch is always zero
	Phase     Phase
	Resources []string // resource ids of the branches the decision applies to
	Timestamp time.Time
}

// Field numbers of the entry encoding.
const (
	fieldLSN         protowire.Number = 1
	fieldCoordinator protowire.Number = 2
	fieldGlobal      protowire.Number = 3
	fieldPhase       protowire.Number = 4
	fieldResource    protowire.Number = 5
	fieldTimestamp   protowire.Number = 6
)

// Marshal encodes the entry in protobuf wire format.
func (e *Entry) Marshal() []byte {
	b := make([]byte, 0, 64+16*len(e.Resources))
	b = protowire.AppendTag(b, fieldLSN, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.LSN))
	b = protowire.AppendTag(b, fieldCoordinator, protowire.BytesType)
	b = protowire.AppendString(b, e.TxID.Coordinator)
	b = protowire.AppendTag(b, fieldGlobal, protowire.BytesType)
	b = protowire.AppendBytes(b, e.TxID.Global[:])
	b = protowire.AppendTag(b, fieldPhase, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Phase))
	for _, r := range e.Resources {
		b = protowire.AppendTag(b, fieldResource, protowire.BytesType)
		b = protowire.AppendString(b, r)
	}
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp.UnixNano()))
	return b
}

// UnmarshalEntry decodes an entry produced by Marshal. Unknown fields are skipped.
func UnmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("decode entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldLSN || num == fieldPhase || num == fieldTimestamp):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("decode entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldLSN:
				e.LSN = LSN(v)
			case fieldPhase:
				if v < uint64(PhasePrepared) || v > uint64(PhaseForgotten) {
					return Entry{}, fmt.Errorf("decode entry: invalid phase %d", v)
				}
				e.Phase = Phase(v)
			case fieldTimestamp:
				e.Timestamp = time.Unix(0, int64(v))
			}
		case typ == protowire.BytesType && (num == fieldCoordinator || num == fieldGlobal || num == fieldResource):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("decode entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldCoordinator:
				e.TxID.Coordinator = string(v)
			case fieldGlobal:
				id, err := uuid.FromBytes(v)
				if err != nil {
					return Entry{}, fmt.Errorf("decode entry transaction id: %w", err)
				}
				e.TxID.Global = id
			case fieldResource:
				e.Resources = append(e.Resources, string(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("skip entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Phase < PhasePrepared || e.Phase > PhaseForgotten {
		return Entry{}, fmt.Errorf("decode entry: invalid phase %d", e.Phase)
	}
	return e, nil
}
