package grpcgcp

import (
	"fmt"

	"github.com/golang/protobuf/proto" //nolint:staticcheck // legacy shim, see DESIGN.md
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/qixuanl1/grpc-gcp-go/internal/grpclog"
)

var errLogger = grpclog.Component("pool")

// ErrInvalidState is returned when halfClose or getAttributes is called on a
// DeferredCall before its first sendMessage; cancel, which has no error
// result, panics with it instead. It is a programmer error: the call is not
// retried.
type ErrInvalidState struct {
	Op string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("grpcgcp: calling %s before sendMessage() is not permitted", e.Op)
}

func (e *ErrInvalidState) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

func newInvalidStateError(op string) error {
	return &ErrInvalidState{Op: op}
}

// CounterUnderflowError is the diagnostic attached to the panic raised when
// a ChannelRef's active-stream counter is decremented below zero. This
// indicates a double-decrement bug in the call lifecycle, not a transport
// failure, so it is never returned as a normal error value -- it is raised
// as a panic, carrying its own diagnostic.
type CounterUnderflowError struct {
	ChannelRefID int64
	AfterValue   int64
	st           *status.Status
}

func (e *CounterUnderflowError) Error() string {
	return fmt.Sprintf("grpcgcp: stream counter for channel ref %d underflowed to %d", e.ChannelRefID, e.AfterValue)
}

// Status returns the gRPC status carrying a DebugInfo detail that records
// which channel ref underflowed, for diagnostics that forward the error
// through a status-aware logging pipeline.
func (e *CounterUnderflowError) Status() *status.Status { return e.st }

func newCounterUnderflowError(refID int64, after int64) *CounterUnderflowError {
	e := &CounterUnderflowError{ChannelRefID: refID, AfterValue: after}
	st := status.New(codes.Internal, e.Error())
	detail := &errdetails.DebugInfo{
		StackEntries: []string{fmt.Sprintf("channelRef(%d).streamsDecr", refID)},
		Detail:       "active-stream counter decremented below zero; double decrement",
	}
	if withDetails, err := st.WithDetails(detail); err == nil {
		st = withDetails
	}
	e.st = st
	errLogger.Errorf("fatal: %s", e.Error())
	return e
}

// detailsEqual reports whether two CounterUnderflowError diagnostics carry
// the same structured detail. Used by errors_test.go to exercise both the
// legacy and modern protobuf comparison paths.
func detailsEqual(a, b *CounterUnderflowError) bool {
	ad := a.st.Proto()
	bd := b.st.Proto()
	return proto.Equal(ad, bd)
}
