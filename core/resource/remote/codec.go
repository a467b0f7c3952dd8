// Package remote carries the resource manager protocol over gRPC. A Server
// exposes any resource.Manager; a Client is a resource.Manager that forwards
// every call to one.
//
// Messages are google.protobuf.Struct values, so the service needs no
// generated stubs.
package remote

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gojotx.ResourceManager"

const (
	methodIdentify = "Identify"
	methodStart    = "Start"
	methodEnd      = "End"
	methodPrepare  = "Prepare"
	methodCommit   = "Commit"
	methodRollback = "Rollback"
	methodForget   = "Forget"
	methodRecover  = "Recover"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Field names used in request and response structs.
const (
	fieldResourceID  = "resource_id"
	fieldXid         = "xid"
	fieldXids        = "xids"
	fieldFlag        = "flag"
	fieldVote        = "vote"
	fieldOnePhase    = "one_phase"
	fieldCoordinator = "coordinator"
)

// statusMap pairs protocol errors with the codes that carry them.
var statusMap = []struct {
	err  error
	code codes.Code
}{
	{resource.ErrUnknownBranch, codes.NotFound},
	{resource.ErrBranchExists, codes.AlreadyExists},
	{resource.ErrDeclined, codes.ResourceExhausted},
	{resource.ErrBranchRolledBack, codes.Aborted},
	{resource.ErrHeuristic, codes.DataLoss},
	{transaction.ErrIllegalState, codes.FailedPrecondition},
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range statusMap {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus restores the protocol error a server reported. Transport
// failures keep their status so callers can still inspect the code.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, m := range statusMap {
		if st.Code() == m.code {
			return fmt.Errorf("%s: %s: %w", op, st.Message(), m.err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func newStruct(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// Only string, bool, float64 and []any of those are ever passed.
		panic(err)
	}
	return s
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func intField(s *structpb.Struct, name string) int {
	return int(s.GetFields()[name].GetNumberValue())
}

func xidField(s *structpb.Struct) (transaction.Xid, error) {
	xid, err := transaction.ParseXid(stringField(s, fieldXid))
	if err != nil {
		return transaction.Xid{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return xid, nil
}

func xidRequest(xid transaction.Xid, extra map[string]any) *structpb.Struct {
	fields := map[string]any{fieldXid: xid.String()}
	for k, v := range extra {
		fields[k] = v
	}
	return newStruct(fields)
}
