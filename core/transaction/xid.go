package transaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Xid identifies a global transaction and, when Branch is non-zero, one
// resource manager branch of it. Coordinator is the node id of the
// coordinator that created the transaction; resource managers use it to
// answer recovery scans.
type Xid struct {
	Coordinator string
	Global      uuid.UUID
	Branch      uint32
}

// NewXid allocates a fresh global id owned by coordinator.
func NewXid(coordinator string) (Xid, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Xid{}, SystemError("allocate transaction id", err)
	}
	return Xid{Coordinator: coordinator, Global: id}, nil
}

// WithBranch returns the branch identifier n of the same global transaction.
func (x Xid) WithBranch(n uint32) Xid {
	x.Branch = n
	return x
}

// GlobalID strips the branch qualifier.
func (x Xid) GlobalID() Xid {
	x.Branch = 0
	return x
}

// SameGlobal reports whether x and o belong to the same global transaction.
func (x Xid) SameGlobal(o Xid) bool {
	return x.Coordinator == o.Coordinator && x.Global == o.Global
}

func (x Xid) IsZero() bool {
	return x.Global == uuid.Nil
}

// String renders coordinator/global[/branch].
func (x Xid) String() string {
	if x.Branch == 0 {
		return x.Coordinator + "/" + x.Global.String()
	}
	return x.Coordinator + "/" + x.Global.String() + "/" + strconv.FormatUint(uint64(x.Branch), 10)
}

// ParseXid is the inverse of Xid.String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Xid{}, fmt.Errorf("malformed xid %q", s)
	}
	global, err := uuid.Parse(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid %q: %w", s, err)
	}
	x := Xid{Coordinator: parts[0], Global: global}
	if len(parts) == 3 {
		b, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return Xid{}, fmt.Errorf("malformed xid branch %q: %w", s, err)
		}
		x.Branch = uint32(b)
	}
	return x, nil
}
