package grpcgcp

import "testing"

func TestNilMetricsOptionsAreNoOp(t *testing.T) {
	pm := newPoolMetrics(&ManagedChannelPool{id: "test"}, nil)
	// None of these should panic even though every instrument is nil.
	pm.recordChannelCreated(newChannelRef(channelRefIDs.next(), &fakeRawChannel{}, pm))
	pm.recordCallRouted("/pkg.Service/Method", "simple")
	pm.recordStreamDelta(1)
	pm.recordStreamDelta(-1)
}

func TestNilPoolMetricsReceiverIsSafe(t *testing.T) {
	var pm *poolMetrics
	pm.recordChannelCreated(nil)
	pm.recordCallRouted("m", "d")
	pm.recordStreamDelta(1)
}
