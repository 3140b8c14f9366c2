package grpcgcp

import (
	"testing"

	modernproto "google.golang.org/protobuf/proto"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestInvalidStateErrorStatus(t *testing.T) {
	err := newInvalidStateError("cancel()")
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("newInvalidStateError does not satisfy status.FromError: %v", err)
	}
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("code = %v, want %v", st.Code(), codes.FailedPrecondition)
	}
}

func TestCounterUnderflowErrorCarriesDebugInfo(t *testing.T) {
	err := newCounterUnderflowError(7, -1)
	if err.ChannelRefID != 7 || err.AfterValue != -1 {
		t.Fatalf("unexpected fields: %+v", err)
	}
	if err.Status().Code() != codes.Internal {
		t.Fatalf("code = %v, want %v", err.Status().Code(), codes.Internal)
	}
	if len(err.Status().Details()) == 0 {
		t.Fatal("CounterUnderflowError status has no attached details")
	}
}

func TestDetailsEqualComparesStructuredDetail(t *testing.T) {
	a := newCounterUnderflowError(1, -1)
	b := newCounterUnderflowError(1, -1)
	c := newCounterUnderflowError(2, -1)

	if !detailsEqual(a, b) {
		t.Fatal("two underflow errors for the same ref/value compared unequal")
	}
	if detailsEqual(a, c) {
		t.Fatal("underflow errors for different refs compared equal")
	}
}

func TestCounterUnderflowStatusModernProtoEqual(t *testing.T) {
	a := newCounterUnderflowError(3, -1)
	b := newCounterUnderflowError(3, -1)

	// detailsEqual uses the legacy github.com/golang/protobuf/proto.Equal;
	// this compares the same *spb.Status protos through the modern
	// google.golang.org/protobuf/proto package, which must also find them
	// equal.
	if !modernproto.Equal(a.st.Proto(), b.st.Proto()) {
		t.Fatal("modern proto.Equal found two identical underflow statuses unequal")
	}
}
